package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscription pulls deliveries of one queue from a dedicated channel.
// The subscription owns the channel and closes it on Close.
type Subscription struct {
	ch            Channel
	queue         string
	consumerTag   string
	prefetchCount int
	autoAck       bool
	exclusive     bool

	deliveries  <-chan amqp.Delivery
	notifyClose chan *amqp.Error

	mu      sync.Mutex
	closed  bool
	lastErr error
}

// SubscriptionOption configures a Subscription
type SubscriptionOption func(*Subscription)

// WithPrefetchCount sets the prefetch count; zero leaves the channel unlimited
func WithPrefetchCount(count int) SubscriptionOption {
	return func(s *Subscription) {
		s.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) SubscriptionOption {
	return func(s *Subscription) {
		s.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) SubscriptionOption {
	return func(s *Subscription) {
		s.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) SubscriptionOption {
	return func(s *Subscription) {
		s.consumerTag = tag
	}
}

// Subscribe starts consuming queue on ch. On failure the channel is left to
// the caller, which usually closes it.
func Subscribe(ch Channel, queue string, options ...SubscriptionOption) (*Subscription, error) {
	s := &Subscription{
		ch:          ch,
		queue:       queue,
		consumerTag: "mmate-" + uuid.NewString(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.notifyClose = ch.NotifyClose(make(chan *amqp.Error, 1))

	if s.prefetchCount > 0 {
		if err := ch.Qos(s.prefetchCount, 0, false); err != nil {
			return nil, s.consumerError("qos", err)
		}
	}

	deliveries, err := ch.Consume(queue, s.consumerTag, s.autoAck, s.exclusive, false, false, nil)
	if err != nil {
		return nil, s.consumerError("consume", err)
	}
	s.deliveries = deliveries

	return s, nil
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string {
	return s.queue
}

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string {
	return s.consumerTag
}

// Next waits for the next delivery. A negative timeout waits until a delivery
// arrives, ctx is done or the subscription ends. ok is false on timeout.
// When the subscription ends the error is ErrConsumerClosed after Close and a
// *ConsumerError describing the broker side reason otherwise.
func (s *Subscription) Next(ctx context.Context, timeout time.Duration) (delivery amqp.Delivery, ok bool, err error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case d, open := <-s.deliveries:
		if !open {
			return amqp.Delivery{}, false, s.endErr()
		}
		return d, true, nil
	case <-expired:
		return amqp.Delivery{}, false, nil
	case <-ctx.Done():
		return amqp.Delivery{}, false, ctx.Err()
	}
}

// Ack acknowledges one delivery
func (s *Subscription) Ack(tag uint64) error {
	if err := s.ch.Ack(tag, false); err != nil {
		return s.consumerError("ack", err)
	}
	return nil
}

// Nack rejects one delivery
func (s *Subscription) Nack(tag uint64, requeue bool) error {
	if err := s.ch.Nack(tag, false, requeue); err != nil {
		return s.consumerError("nack", err)
	}
	return nil
}

// Channel returns the subscription channel, e.g. to publish replies on it
func (s *Subscription) Channel() Channel {
	return s.ch
}

// Close stops the subscription and closes its channel. Safe to call more than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.ch.IsClosed() {
		return nil
	}
	if err := s.ch.Close(); err != nil && !s.ch.IsClosed() {
		return s.consumerError("close", err)
	}
	return nil
}

// Err returns the reason the subscription ended, if it ended on the broker side
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// endErr classifies the end of the delivery stream. Channels report their
// close reason before closing consumer streams.
func (s *Subscription) endErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrConsumerClosed
	}
	if s.lastErr != nil {
		return s.lastErr
	}

	var cause error = ErrConsumerCancelled
	select {
	case amqpErr, ok := <-s.notifyClose:
		switch {
		case ok && amqpErr != nil:
			cause = fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr)
		case !ok:
			cause = ErrChannelClosed
		}
	default:
	}

	s.lastErr = s.consumerError("receive", cause)
	return s.lastErr
}

func (s *Subscription) consumerError(op string, err error) error {
	return &ConsumerError{
		Queue:       s.queue,
		ConsumerTag: s.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
