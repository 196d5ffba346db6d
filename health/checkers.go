package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/rs/zerolog"
)

// BrokerChecker checks the broker connection of a gateway
type BrokerChecker struct {
	connManager *rabbitmq.ConnectionManager
	logger      zerolog.Logger
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(connManager *rabbitmq.ConnectionManager, logger zerolog.Logger) *BrokerChecker {
	return &BrokerChecker{
		connManager: connManager,
		logger:      logger,
	}
}

// Name returns the check name
func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

// Check reports the connection unhealthy when it is down and degraded when
// it cannot open a channel
func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.connManager.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
		if err := c.connManager.Err(); err != nil {
			result.Error = err.Error()
		}
		result.Duration = time.Since(start)
		return result
	}

	// opening a channel proves the connection still carries traffic
	ch, err := c.connManager.Channel()
	if err != nil {
		c.logger.Warn().Err(err).Msg("health check could not open a channel")
		result.Status = StatusDegraded
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ListenerProber reports whether a queue is served by an RPC listener.
// *messaging.Service implements it.
type ListenerProber interface {
	ExistsListenerOnQueue(ctx context.Context, queue string) (bool, error)
}

// ListenerChecker checks that an RPC endpoint has a listener
type ListenerChecker struct {
	queue  string
	prober ListenerProber
}

// NewListenerChecker creates a checker for the listener on queue
func NewListenerChecker(queue string, prober ListenerProber) *ListenerChecker {
	return &ListenerChecker{queue: queue, prober: prober}
}

// Name returns the check name, listener_<queue>
func (c *ListenerChecker) Name() string {
	return fmt.Sprintf("listener_%s", c.queue)
}

// Check probes the queue and reports it unhealthy when nothing serves it
func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue},
	}

	exists, err := c.prober.ExistsListenerOnQueue(ctx, c.queue)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("listener on %s could not be probed", c.queue)
		result.Error = err.Error()
	case !exists:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("no listener on %s", c.queue)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("listener on %s is serving", c.queue)
	}
	result.Duration = time.Since(start)
	return result
}
