// Package metrics exports gateway metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glimte/mmate-rpc/messaging"
)

const namespace = "mmate"

var listenerStates = []string{
	messaging.ListenerIdle.String(),
	messaging.ListenerStarting.String(),
	messaging.ListenerListening.String(),
	messaging.ListenerStopping.String(),
	messaging.ListenerFailed.String(),
}

// Collector implements messaging.MetricsCollector on Prometheus metrics.
// A nil *Collector records nothing.
type Collector struct {
	calls           *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	listenerState   *prometheus.GaugeVec
	published       *prometheus.CounterVec
	resolved        *prometheus.CounterVec
	brokerConnected prometheus.Gauge
}

var _ messaging.MetricsCollector = (*Collector)(nil)

// NewCollector registers the gateway metrics with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Outbound RPC calls by target and outcome.",
		}, []string{"target", "outcome"}),
		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Outbound RPC call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Requests served by listeners by queue and outcome.",
		}, []string{"queue", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Listener handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		listenerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "listener_state",
			Help:      "1 for the current state of each listener, 0 for the others.",
		}, []string{"queue", "state"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workqueue",
			Name:      "published_total",
			Help:      "Work packets published by queue.",
		}, []string{"queue"}),
		resolved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workqueue",
			Name:      "resolved_total",
			Help:      "Work packets acked or nacked by queue.",
		}, []string{"queue", "result"}),
		brokerConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connected",
			Help:      "1 while the broker connection is up.",
		}),
	}
}

func (c *Collector) RecordCall(target, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(target, outcome).Inc()
	c.callDuration.WithLabelValues(target).Observe(duration.Seconds())
}

func (c *Collector) RecordRequest(queue, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(queue, outcome).Inc()
	c.requestDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

func (c *Collector) SetListenerState(queue, state string) {
	if c == nil {
		return
	}
	for _, s := range listenerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.listenerState.WithLabelValues(queue, s).Set(value)
	}
}

func (c *Collector) RecordPublish(queue string, count int) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(queue).Add(float64(count))
}

func (c *Collector) RecordAck(queue string, ack bool) {
	if c == nil {
		return
	}
	result := "nack"
	if ack {
		result = "ack"
	}
	c.resolved.WithLabelValues(queue, result).Inc()
}

func (c *Collector) SetBrokerConnected(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1
	}
	c.brokerConnected.Set(value)
}
