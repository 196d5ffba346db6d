package workqueue

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/rs/zerolog"
)

// ConsumerFactory creates raw consumers. *messaging.Service implements it.
type ConsumerFactory interface {
	CreateConsumer(queue string, options ...messaging.QueueOption) *messaging.Consumer
}

// Consumer dequeues jobs of type T. Each dequeued job stays in the unacked
// table, keyed by the returned pointer, until it is acked or nacked.
type Consumer[T any] struct {
	consumer *messaging.Consumer
	queue    string
	logger   zerolog.Logger

	mu      sync.Mutex
	started bool
	unacked map[*T]*contracts.WorkPacket
}

// NewConsumer returns an unstarted consumer of queue
func NewConsumer[T any](factory ConsumerFactory, queue string, opts ...Option) *Consumer[T] {
	o := newOptions(opts)
	return &Consumer[T]{
		consumer: factory.CreateConsumer(queue, o.queueOptions()...),
		queue:    queue,
		logger:   o.logger.With().Str("queue", queue).Logger(),
		unacked:  make(map[*T]*contracts.WorkPacket),
	}
}

// NewDeadLetterConsumer returns an unstarted consumer of the jobs nacked on a
// queue declared WithDeadLetter
func NewDeadLetterConsumer[T any](factory ConsumerFactory, queue string, opts ...Option) *Consumer[T] {
	// the dead queue itself has no dead-letter route
	opts = append(opts, func(o *options) { o.deadLetter = false })
	return NewConsumer[T](factory, rabbitmq.DeadQueueName(queue), opts...)
}

// Queue returns the consumed queue
func (c *Consumer[T]) Queue() string {
	return c.queue
}

// StartConsume starts consuming. Calling it on a started consumer is a no-op.
func (c *Consumer[T]) StartConsume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.consumer.StartConsume(ctx); err != nil {
		return err
	}
	c.started = true
	return nil
}

// Dequeue waits up to timeout for the next job; ok is false when the timeout
// expired. A negative timeout waits until a job arrives or ctx is done.
// A job that cannot be decoded is nacked and reported as an error.
func (c *Consumer[T]) Dequeue(ctx context.Context, timeout time.Duration) (*T, bool, error) {
	if !c.isStarted() {
		return nil, false, messaging.ErrConsumerNotStarted
	}

	packet, ok, err := c.consumer.Dequeue(ctx, timeout)
	if err != nil || !ok {
		return nil, false, err
	}

	job := new(T)
	if err := serialization.Unmarshal(packet.Body, job); err != nil {
		c.logger.Error().Err(err).Uint64("tag", packet.Tag).Msg("rejecting undecodable job")
		if nackErr := c.consumer.Nack(packet); nackErr != nil {
			return nil, false, errors.Join(err, nackErr)
		}
		return nil, false, fmt.Errorf("failed to decode job from %s: %w", c.queue, err)
	}

	c.mu.Lock()
	c.unacked[job] = packet
	c.mu.Unlock()

	return job, true, nil
}

// Ack acknowledges a dequeued job
func (c *Consumer[T]) Ack(job *T) error {
	packet, err := c.take(job)
	if err != nil {
		return err
	}
	return c.consumer.Ack(packet)
}

// Nack rejects a dequeued job without requeueing it
func (c *Consumer[T]) Nack(job *T) error {
	packet, err := c.take(job)
	if err != nil {
		return err
	}
	return c.consumer.Nack(packet)
}

// Headers returns the headers a dequeued, unresolved job was published with
func (c *Consumer[T]) Headers(job *T) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, messaging.ErrConsumerNotStarted
	}
	packet, ok := c.unacked[job]
	if !ok {
		return nil, messaging.ErrUnknownPacket
	}
	return maps.Clone(packet.Headers), nil
}

// Pending returns the number of dequeued jobs not yet acked or nacked
func (c *Consumer[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

// Close stops consuming. Unresolved jobs go back to the queue and are
// forgotten. StartConsume may be called again afterwards.
func (c *Consumer[T]) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.started = false
	clear(c.unacked)
	return c.consumer.Close()
}

func (c *Consumer[T]) isStarted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// take removes the table entry of job
func (c *Consumer[T]) take(job *T) (*contracts.WorkPacket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil, messaging.ErrConsumerNotStarted
	}
	packet, ok := c.unacked[job]
	if !ok {
		return nil, messaging.ErrUnknownPacket
	}
	delete(c.unacked, job)
	return packet, nil
}
