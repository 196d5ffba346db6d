package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	// MaxPriority is the highest work packet priority
	MaxPriority = rabbitmq.MaxPriority - 1

	// DefaultRpcTimeout bounds the wait for an RPC reply
	DefaultRpcTimeout = 30 * time.Second
)

// ServiceOption configures a Service
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	logger         zerolog.Logger
	metrics        MetricsCollector
	identity       contracts.Identifier
	rpcTimeout     time.Duration
	dialer         rabbitmq.Dialer
	connectTimeout time.Duration
	poolSize       int
	poolWait       time.Duration
	publishTimeout time.Duration
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ServiceOption {
	return func(o *serviceOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithIdentity sets the process identity. The identity queue is identity.RpcName().
func WithIdentity(identity contracts.Identifier) ServiceOption {
	return func(o *serviceOptions) {
		o.identity = identity
	}
}

// WithRpcTimeout sets how long CallRpc waits for a reply
func WithRpcTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		if timeout > 0 {
			o.rpcTimeout = timeout
		}
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial rabbitmq.Dialer) ServiceOption {
	return func(o *serviceOptions) {
		o.dialer = dial
	}
}

// WithConnectTimeout bounds the initial broker connection
func WithConnectTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.connectTimeout = timeout
	}
}

// WithChannelPoolSize sets how many pooled channels short-lived operations share
func WithChannelPoolSize(size int) ServiceOption {
	return func(o *serviceOptions) {
		o.poolSize = size
	}
}

// WithChannelWaitTimeout bounds how long an operation waits for a pooled
// channel when all of them are in use
func WithChannelWaitTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.poolWait = timeout
	}
}

// WithPublishTimeout bounds a publish whose context has no deadline
func WithPublishTimeout(timeout time.Duration) ServiceOption {
	return func(o *serviceOptions) {
		o.publishTimeout = timeout
	}
}

// Service is the broker gateway of a process. It owns one broker connection
// and the identity queue RPC listeners of this process serve.
type Service struct {
	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	observer  *connectionObserver

	identity   contracts.Identifier
	queueName  string
	rpcTimeout time.Duration
	logger     zerolog.Logger
	metrics    MetricsCollector

	mu        sync.Mutex
	listeners map[*RpcListener]struct{}
	consumers map[*Consumer]struct{}
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// NewService connects to the broker at url
func NewService(ctx context.Context, url string, options ...ServiceOption) (*Service, error) {
	opts := serviceOptions{
		logger:     zerolog.Nop(),
		metrics:    NoOpMetricsCollector{},
		identity:   contracts.NewIdentifier("", "Node", uuid.NewString()),
		rpcTimeout: DefaultRpcTimeout,
		poolSize:   10,
	}
	for _, opt := range options {
		opt(&opts)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(opts.logger)}
	if opts.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(opts.dialer))
	}
	if opts.connectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(opts.connectTimeout))
	}

	queueName := opts.identity.RpcName()
	logger := opts.logger.With().Str("service", queueName).Logger()

	conn := rabbitmq.NewConnectionManager(url, connOpts...)
	observer := &connectionObserver{logger: logger, metrics: opts.metrics}
	conn.AddStateListener(observer)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	poolOpts := []rabbitmq.ChannelPoolOption{rabbitmq.WithMaxSize(opts.poolSize)}
	if opts.poolWait > 0 {
		poolOpts = append(poolOpts, rabbitmq.WithWaitTimeout(opts.poolWait))
	}
	pool, err := rabbitmq.NewChannelPool(conn, poolOpts...)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	var publisherOpts []rabbitmq.PublisherOption
	if opts.publishTimeout > 0 {
		publisherOpts = append(publisherOpts, rabbitmq.WithPublishTimeout(opts.publishTimeout))
	}

	s := &Service{
		conn:       conn,
		pool:       pool,
		topology:   rabbitmq.NewTopologyManager(pool),
		publisher:  rabbitmq.NewPublisher(pool, publisherOpts...),
		observer:   observer,
		identity:   opts.identity,
		queueName:  queueName,
		rpcTimeout: opts.rpcTimeout,
		logger:     logger,
		metrics:    opts.metrics,
		listeners:  make(map[*RpcListener]struct{}),
		consumers:  make(map[*Consumer]struct{}),
	}

	s.logger.Info().Str("url", rabbitmq.SanitizeURL(url)).Msg("connected to broker")
	return s, nil
}

// QueueName returns the identity queue of this process
func (s *Service) QueueName() string {
	return s.queueName
}

// Identity returns the process identity
func (s *Service) Identity() contracts.Identifier {
	return s.identity
}

// RpcTimeout returns how long calls wait for a reply
func (s *Service) RpcTimeout() time.Duration {
	return s.rpcTimeout
}

// IsConnected reports whether the broker connection is up
func (s *Service) IsConnected() bool {
	return s.conn.IsConnected()
}

// ConnectionManager exposes the broker connection, e.g. to health checks
func (s *Service) ConnectionManager() *rabbitmq.ConnectionManager {
	return s.conn
}

// QueueOption configures work queue declaration and consumption
type QueueOption func(*queueOptions)

type queueOptions struct {
	deadLetter bool
	prefetch   int
}

// WithDeadLetter routes rejected packets to <queue>_dead_queue
func WithDeadLetter() QueueOption {
	return func(o *queueOptions) {
		o.deadLetter = true
	}
}

// WithPrefetch sets how many unacked packets a consumer may hold
func WithPrefetch(count int) QueueOption {
	return func(o *queueOptions) {
		if count > 0 {
			o.prefetch = count
		}
	}
}

func newQueueOptions(options []QueueOption) queueOptions {
	opts := queueOptions{prefetch: 1}
	for _, opt := range options {
		opt(&opts)
	}
	return opts
}

// Publish declares queue and publishes packets to it in order. The declaration
// is idempotent for compatible queues; an incompatible existing queue fails
// with a *TransportError wrapping a *rabbitmq.TopologyError.
func (s *Service) Publish(ctx context.Context, queue string, packets []*contracts.WorkPacket, options ...QueueOption) error {
	opts := newQueueOptions(options)

	for _, p := range packets {
		if p.Priority > MaxPriority {
			return fmt.Errorf("%w: %d", ErrInvalidPriority, p.Priority)
		}
	}

	if err := s.topology.DeclareWorkQueue(ctx, queue, opts.deadLetter); err != nil {
		if rabbitmq.IsPreconditionFailed(err) {
			s.logger.Warn().Err(err).Str("queue", queue).Bool("dead_letter", opts.deadLetter).
				Msg("queue exists with different arguments")
		}
		return s.transportError("declare", queue, err)
	}

	messages := make([]rabbitmq.PublishMessage, 0, len(packets))
	for _, p := range packets {
		messages = append(messages, rabbitmq.PublishMessage{
			RoutingKey: queue,
			Message: amqp.Publishing{
				Headers:      amqp.Table(p.Headers),
				DeliveryMode: amqp.Persistent,
				Priority:     p.Priority,
				Timestamp:    time.Now(),
				Body:         p.Body,
			},
		})
	}

	if err := s.publisher.PublishBatch(ctx, messages); err != nil {
		return s.transportError("publish", queue, err)
	}

	s.metrics.RecordPublish(queue, len(packets))
	s.logger.Debug().Str("queue", queue).Int("count", len(packets)).Msg("published work packets")
	return nil
}

// CreateConsumer returns an unstarted consumer of queue
func (s *Service) CreateConsumer(queue string, options ...QueueOption) *Consumer {
	c := newConsumer(s, queue, newQueueOptions(options))
	s.track(func() { s.consumers[c] = struct{}{} })
	return c
}

// DeleteQueue deletes queue. A missing queue is not an error.
func (s *Service) DeleteQueue(ctx context.Context, queue string) error {
	if err := s.topology.DeleteQueue(ctx, queue); err != nil {
		return s.transportError("delete", queue, err)
	}
	return nil
}

// ExistsListenerOnQueue reports whether some listener serves queue
func (s *Service) ExistsListenerOnQueue(ctx context.Context, queue string) (bool, error) {
	exists, err := s.topology.InspectListener(ctx, queue)
	if err != nil {
		return false, s.transportError("inspect", queue, err)
	}
	return exists, nil
}

// CreateRpcListener returns an unstarted listener serving the identity queue
func (s *Service) CreateRpcListener(handler ListeningFunc, options ...ListenerOption) *RpcListener {
	l := newRpcListener(s, handler, options)
	s.track(func() { s.listeners[l] = struct{}{} })
	return l
}

// Close stops the listeners and consumers created by the service and closes
// the broker connection. Safe to call more than once and concurrently.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		listeners := make([]*RpcListener, 0, len(s.listeners))
		for l := range s.listeners {
			listeners = append(listeners, l)
		}
		consumers := make([]*Consumer, 0, len(s.consumers))
		for c := range s.consumers {
			consumers = append(consumers, c)
		}
		s.mu.Unlock()

		for _, l := range listeners {
			l.StopListening()
		}
		for _, c := range consumers {
			_ = c.Close()
		}

		s.conn.RemoveStateListener(s.observer)
		s.metrics.SetBrokerConnected(false)
		pooled := s.pool.Size()

		var errs []error
		if err := s.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := s.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		s.closeErr = errors.Join(errs...)
		s.logger.Info().Int("pooled_channels", pooled).Msg("service closed")
	})
	return s.closeErr
}

func (s *Service) track(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		fn()
	}
}

// channel opens a dedicated channel for a long-lived subscription
func (s *Service) channel(queue string) (rabbitmq.Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		if errors.Is(err, rabbitmq.ErrConnectionClosed) {
			return nil, fmt.Errorf("%w: %w", ErrServiceClosed, err)
		}
		return nil, s.transportError("open channel", queue, err)
	}
	return ch, nil
}

// consumerTag names the subscriptions of this process so the broker's
// consumer list shows who holds them
func (s *Service) consumerTag(role string) string {
	return fmt.Sprintf("%s.%s.%s", s.identity.LogName(), role, uuid.NewString()[:8])
}

// connectionObserver reports broker connection state changes
type connectionObserver struct {
	logger  zerolog.Logger
	metrics MetricsCollector
}

func (o *connectionObserver) OnConnected() {
	o.metrics.SetBrokerConnected(true)
}

func (o *connectionObserver) OnDisconnected(err error) {
	o.logger.Warn().Err(err).Msg("broker connection lost")
	o.metrics.SetBrokerConnected(false)
}

func (s *Service) transportError(op, queue string, err error) error {
	if errors.Is(err, rabbitmq.ErrConnectionClosed) || errors.Is(err, rabbitmq.ErrChannelPoolClosed) {
		err = fmt.Errorf("%w: %w", ErrServiceClosed, err)
	}
	return &TransportError{Op: op, Queue: queue, Err: err}
}
