package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles message publishing over pooled channels. There are no
// publisher confirms and no retries: a publish either reaches the broker
// socket or returns an error.
type Publisher struct {
	pool           *ChannelPool
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout sets the timeout applied when ctx has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing
}

// Publish publishes a single message
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.PublishBatch(ctx, []PublishMessage{{Exchange: exchange, RoutingKey: routingKey, Message: msg}})
}

// PublishBatch publishes messages in order on one channel and stops at the
// first failure
func (p *Publisher) PublishBatch(ctx context.Context, messages []PublishMessage) error {
	if len(messages) == 0 {
		return nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{
			Exchange:   messages[0].Exchange,
			RoutingKey: messages[0].RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer p.pool.Put(ch)

	for i, msg := range messages {
		if err := PublishOn(ctx, ch, msg.Exchange, msg.RoutingKey, msg.Message); err != nil {
			return fmt.Errorf("failed to publish message %d of %d: %w", i+1, len(messages), err)
		}
	}
	return nil
}

// PublishOn publishes one message on a caller-owned channel
func PublishOn(ctx context.Context, ch Channel, exchange, routingKey string, msg amqp.Publishing) error {
	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
