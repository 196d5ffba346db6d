// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/logging"
	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/metrics"
	"github.com/glimte/mmate-rpc/rpc"
	"github.com/glimte/mmate-rpc/workqueue"
)

// Client provides the main entry point for mmate-rpc
type Client struct {
	svc      *messaging.Service
	cfg      config.Config
	logger   zerolog.Logger
	gatherer prometheus.Gatherer
	health   *health.Registry
}

// NewClient creates a client configured from the environment
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewClientWithConfig(ctx, cfg, options...)
}

// NewClientWithConfig creates a client and connects it to the broker
func NewClientWithConfig(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{nodeType: "Node"}
	for _, opt := range options {
		opt(opts)
	}

	logger := opts.logger
	if logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		logger = &l
	}

	identity := contracts.NewIdentifier(cfg.Identity.Prefix, opts.nodeType, uuid.NewString())
	if opts.identity != nil {
		identity = *opts.identity
	}

	registry := opts.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	var collector messaging.MetricsCollector = messaging.NoOpMetricsCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(registry)
	}

	serviceOpts := []messaging.ServiceOption{
		messaging.WithLogger(*logger),
		messaging.WithMetrics(collector),
		messaging.WithIdentity(identity),
		messaging.WithRpcTimeout(cfg.RPC.Timeout),
		messaging.WithConnectTimeout(cfg.Broker.ConnectTimeout),
		messaging.WithPublishTimeout(cfg.Broker.PublishTimeout),
		messaging.WithChannelWaitTimeout(cfg.Broker.ChannelWait),
	}
	if opts.dialer != nil {
		serviceOpts = append(serviceOpts, messaging.WithDialer(opts.dialer))
	}

	svc, err := messaging.NewService(ctx, cfg.Broker.URL(), serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	checks := health.NewRegistry()
	checks.Register(health.NewBrokerChecker(svc.ConnectionManager(), *logger))

	logger.Info().
		Str("identity", identity.String()).
		Str("queue", svc.QueueName()).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("mmate client ready")

	return &Client{
		svc:      svc,
		cfg:      *cfg,
		logger:   *logger,
		gatherer: registry,
		health:   checks,
	}, nil
}

// Service returns the broker gateway
func (c *Client) Service() *messaging.Service {
	return c.svc
}

// Identity returns the process identity; its RpcName is the queue
// listeners created by this client serve
func (c *Client) Identity() contracts.Identifier {
	return c.svc.Identity()
}

// Logger returns the client logger
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

// NewCaller returns a caller of the endpoint listening on target
func (c *Client) NewCaller(target string) *rpc.Caller {
	return rpc.NewCaller(c.svc, target, rpc.WithCallerLogger(c.logger))
}

// NewCallerFor returns a caller of the endpoint with identity id
func (c *Client) NewCallerFor(id contracts.Identifier) *rpc.Caller {
	return c.NewCaller(id.RpcName())
}

// Bind fills the func fields of stub with calls to target. See rpc.Bind.
func (c *Client) Bind(target string, stub any) error {
	return rpc.Bind(c.NewCaller(target), stub)
}

// Health runs the registered health checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// HealthHandler serves the health checks as JSON, answering 503 when unhealthy
func (c *Client) HealthHandler(timeout time.Duration) http.Handler {
	return health.NewHandler(c.health, timeout)
}

// WatchListener adds a health check requiring a listener on queue
func (c *Client) WatchListener(queue string) {
	c.health.Register(health.NewListenerChecker(queue, c.svc))
}

// MetricsHandler serves the client metrics in the Prometheus exposition format
func (c *Client) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Close stops listeners and consumers and closes the broker connection
func (c *Client) Close() error {
	return c.svc.Close()
}

// NewListener serves instance's methods of contract T on the client's
// identity queue. The listener is registered with the client health checks.
func NewListener[T any](c *Client, instance T, options ...messaging.ListenerOption) (*messaging.RpcListener, error) {
	listener, err := rpc.NewListener[T](c.svc, instance, options...)
	if err != nil {
		return nil, err
	}
	c.WatchListener(listener.QueueName())
	return listener, nil
}

// NewPublisher returns a publisher of jobs T to queue
func NewPublisher[T any](c *Client, queue string, options ...workqueue.Option) *workqueue.Publisher[T] {
	return workqueue.NewPublisher[T](c.svc, queue, c.workQueueOptions(options)...)
}

// NewConsumer returns an unstarted consumer of jobs T on queue, prefetching
// CONSUMER_PREFETCH jobs unless options say otherwise
func NewConsumer[T any](c *Client, queue string, options ...workqueue.Option) *workqueue.Consumer[T] {
	return workqueue.NewConsumer[T](c.svc, queue, c.workQueueOptions(options)...)
}

// NewDeadLetterConsumer returns an unstarted consumer of the jobs rejected on queue
func NewDeadLetterConsumer[T any](c *Client, queue string, options ...workqueue.Option) *workqueue.Consumer[T] {
	return workqueue.NewDeadLetterConsumer[T](c.svc, queue, c.workQueueOptions(options)...)
}

func (c *Client) workQueueOptions(options []workqueue.Option) []workqueue.Option {
	return append([]workqueue.Option{
		workqueue.WithLogger(c.logger),
		workqueue.WithPrefetch(c.cfg.Consumer.Prefetch),
	}, options...)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger   *zerolog.Logger
	nodeType string
	identity *contracts.Identifier
	registry *prometheus.Registry
	dialer   rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components, overriding LOGGING_LEVEL
// and LOGGING_FORMAT
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = &logger
	}
}

// WithNodeType sets the type part of the generated identity (default "Node")
func WithNodeType(nodeType string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.nodeType = nodeType
	}
}

// WithIdentity sets the full process identity
func WithIdentity(id contracts.Identifier) ClientOption {
	return func(cfg *clientConfig) {
		cfg.identity = &id
	}
}

// WithMetricsRegistry registers metrics with reg instead of a private registry
func WithMetricsRegistry(reg *prometheus.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = reg
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dial rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dial
	}
}
