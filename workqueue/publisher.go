package workqueue

import (
	"context"
	"fmt"
	"maps"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/rs/zerolog"
)

// PacketPublisher publishes raw work packets. *messaging.Service implements it.
type PacketPublisher interface {
	Publish(ctx context.Context, queue string, packets []*contracts.WorkPacket, options ...messaging.QueueOption) error
}

// Publisher publishes jobs of type T to one queue
type Publisher[T any] struct {
	target PacketPublisher
	queue  string
	opts   options
	logger zerolog.Logger
}

// NewPublisher creates a publisher of queue
func NewPublisher[T any](target PacketPublisher, queue string, opts ...Option) *Publisher[T] {
	o := newOptions(opts)
	return &Publisher[T]{
		target: target,
		queue:  queue,
		opts:   o,
		logger: o.logger.With().Str("queue", queue).Logger(),
	}
}

// Queue returns the target queue
func (p *Publisher[T]) Queue() string {
	return p.queue
}

// Publish publishes jobs with priority 0
func (p *Publisher[T]) Publish(ctx context.Context, jobs ...T) error {
	return p.publish(ctx, jobs, nil, nil)
}

// PublishWithPriority publishes jobs with the priority selector returns for
// each of them. Priorities above messaging.MaxPriority fail the whole batch
// with ErrInvalidPriority before anything is published.
func (p *Publisher[T]) PublishWithPriority(ctx context.Context, selector func(T) uint8, jobs ...T) error {
	return p.publish(ctx, jobs, selector, nil)
}

// PublishWithHeaders publishes jobs carrying headers
func (p *Publisher[T]) PublishWithHeaders(ctx context.Context, headers map[string]any, jobs ...T) error {
	return p.publish(ctx, jobs, nil, headers)
}

func (p *Publisher[T]) publish(ctx context.Context, jobs []T, selector func(T) uint8, headers map[string]any) error {
	if len(jobs) == 0 {
		return nil
	}

	packets := make([]*contracts.WorkPacket, 0, len(jobs))
	for i := range jobs {
		body, err := serialization.Marshal(&jobs[i])
		if err != nil {
			return fmt.Errorf("failed to encode job %d for %s: %w", i, p.queue, err)
		}

		packet := &contracts.WorkPacket{Body: body}
		if selector != nil {
			packet.Priority = selector(jobs[i])
			if packet.Priority > messaging.MaxPriority {
				return fmt.Errorf("%w: job %d has priority %d", ErrInvalidPriority, i, packet.Priority)
			}
		}
		if headers != nil {
			packet.Headers = maps.Clone(headers)
		}
		packets = append(packets, packet)
	}

	if err := p.target.Publish(ctx, p.queue, packets, p.opts.queueOptions()...); err != nil {
		return err
	}

	p.logger.Debug().Int("count", len(packets)).Msg("published jobs")
	return nil
}
