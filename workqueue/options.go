package workqueue

import (
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/rs/zerolog"
)

// ErrInvalidPriority is returned for priorities above messaging.MaxPriority
var ErrInvalidPriority = messaging.ErrInvalidPriority

// Option configures publishers and consumers
type Option func(*options)

type options struct {
	deadLetter bool
	prefetch   int
	logger     zerolog.Logger
}

// WithDeadLetter declares the queue with a dead-letter route; nacked jobs
// move to <queue>_dead_queue. Publishers and consumers of one queue must agree.
func WithDeadLetter() Option {
	return func(o *options) {
		o.deadLetter = true
	}
}

// WithPrefetch sets how many unacked jobs a consumer may hold (default 1)
func WithPrefetch(count int) Option {
	return func(o *options) {
		o.prefetch = count
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func newOptions(opts []Option) options {
	o := options{prefetch: 1, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) queueOptions() []messaging.QueueOption {
	qo := []messaging.QueueOption{messaging.WithPrefetch(o.prefetch)}
	if o.deadLetter {
		qo = append(qo, messaging.WithDeadLetter())
	}
	return qo
}
