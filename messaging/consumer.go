package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/rs/zerolog"
)

// Consumer pulls work packets from one queue with explicit acknowledgment.
// Delivery tags are only valid on the subscription that produced them, so
// packets dequeued before a Close cannot be acked after a restart.
type Consumer struct {
	svc    *Service
	queue  string
	opts   queueOptions
	logger zerolog.Logger

	mu  sync.Mutex
	sub *rabbitmq.Subscription
}

func newConsumer(svc *Service, queue string, opts queueOptions) *Consumer {
	return &Consumer{
		svc:    svc,
		queue:  queue,
		opts:   opts,
		logger: svc.logger.With().Str("queue", queue).Logger(),
	}
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string {
	return c.queue
}

// StartConsume declares the queue and starts consuming it. Calling it on a
// started consumer is a no-op.
func (c *Consumer) StartConsume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return nil
	}

	ch, err := c.svc.channel(c.queue)
	if err != nil {
		return err
	}

	if err := rabbitmq.DeclareWorkQueue(ch, c.queue, c.opts.deadLetter); err != nil {
		_ = ch.Close()
		return c.svc.transportError("declare", c.queue, err)
	}

	sub, err := rabbitmq.Subscribe(ch, c.queue,
		rabbitmq.WithPrefetchCount(c.opts.prefetch),
		rabbitmq.WithConsumerTag(c.svc.consumerTag("consumer")))
	if err != nil {
		_ = ch.Close()
		return c.svc.transportError("consume", c.queue, err)
	}

	c.sub = sub
	c.logger.Debug().Int("prefetch", c.opts.prefetch).Msg("consumer started")
	return nil
}

// Dequeue waits up to timeout for the next packet; ok is false when the
// timeout expired. A negative timeout waits until a packet arrives or ctx is done.
func (c *Consumer) Dequeue(ctx context.Context, timeout time.Duration) (*contracts.WorkPacket, bool, error) {
	sub, err := c.subscription()
	if err != nil {
		return nil, false, err
	}

	d, ok, err := sub.Next(ctx, timeout)
	switch {
	case errors.Is(err, rabbitmq.ErrConsumerClosed):
		return nil, false, ErrConsumerNotStarted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, false, err
	case err != nil:
		return nil, false, c.svc.transportError("dequeue", c.queue, err)
	case !ok:
		return nil, false, nil
	}

	return &contracts.WorkPacket{
		Body:     d.Body,
		Tag:      d.DeliveryTag,
		Priority: d.Priority,
		Headers:  map[string]any(d.Headers),
	}, true, nil
}

// Ack acknowledges a dequeued packet
func (c *Consumer) Ack(packet *contracts.WorkPacket) error {
	sub, err := c.subscription()
	if err != nil {
		return err
	}
	if err := sub.Ack(packet.Tag); err != nil {
		return c.svc.transportError("ack", c.queue, err)
	}
	c.svc.metrics.RecordAck(c.queue, true)
	return nil
}

// Nack rejects a dequeued packet without requeueing it. Queues declared with
// a dead-letter route move it to the dead queue.
func (c *Consumer) Nack(packet *contracts.WorkPacket) error {
	sub, err := c.subscription()
	if err != nil {
		return err
	}
	if err := sub.Nack(packet.Tag, false); err != nil {
		return c.svc.transportError("nack", c.queue, err)
	}
	c.svc.metrics.RecordAck(c.queue, false)
	return nil
}

// Close stops consuming. Unacked packets go back to the queue.
// StartConsume may be called again afterwards.
func (c *Consumer) Close() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	c.logger.Debug().Msg("consumer closed")
	return sub.Close()
}

func (c *Consumer) subscription() (*rabbitmq.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil, ErrConsumerNotStarted
	}
	return c.sub, nil
}
