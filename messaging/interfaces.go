package messaging

import "time"

// Outcome labels reported to a MetricsCollector
const (
	OutcomeOK             = "ok"
	OutcomeSent           = "sent"
	OutcomeUnreachable    = "unreachable"
	OutcomeTimeout        = "timeout"
	OutcomeRemoteError    = "remote_error"
	OutcomeTransportError = "transport_error"
	OutcomeHandlerError   = "handler_error"
	OutcomeMalformed      = "malformed"
)

// MetricsCollector collects gateway metrics
type MetricsCollector interface {
	// RecordCall records an outbound RPC call
	RecordCall(target, outcome string, duration time.Duration)

	// RecordRequest records a request served by a listener
	RecordRequest(queue, outcome string, duration time.Duration)

	// SetListenerState records the current state of a listener
	SetListenerState(queue, state string)

	// RecordPublish records published work packets
	RecordPublish(queue string, count int)

	// RecordAck records an acknowledged (ack=true) or rejected work packet
	RecordAck(queue string, ack bool)

	// SetBrokerConnected records whether the broker connection is up
	SetBrokerConnected(connected bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordCall does nothing
func (NoOpMetricsCollector) RecordCall(string, string, time.Duration) {}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(string, string, time.Duration) {}

// SetListenerState does nothing
func (NoOpMetricsCollector) SetListenerState(string, string) {}

// RecordPublish does nothing
func (NoOpMetricsCollector) RecordPublish(string, int) {}

// RecordAck does nothing
func (NoOpMetricsCollector) RecordAck(string, bool) {}

// SetBrokerConnected does nothing
func (NoOpMetricsCollector) SetBrokerConnected(bool) {}
