package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetUnreachable means no listener served the target queue at call time
	ErrTargetUnreachable = errors.New("messaging: no listener on target queue")
	// ErrReplyTimeout means no matching reply arrived within the RPC timeout
	ErrReplyTimeout = errors.New("messaging: no reply within timeout")
	// ErrRemoteCrash means the call was processed but the remote handler failed
	ErrRemoteCrash = errors.New("messaging: remote handler failed")

	// ErrConsumerNotStarted is returned by consumers that were never started or are disposed
	ErrConsumerNotStarted = errors.New("messaging: consumer not initialized or disposed")
	// ErrUnknownPacket is returned when acking or nacking a packet that does not come
	// from the consumer or was already acked or nacked
	ErrUnknownPacket = errors.New("messaging: packet does not come from this consumer or was already acked or nacked")

	// ErrListenerExists means another listener owns the serving queue
	ErrListenerExists = errors.New("messaging: another listener owns the queue")
	// ErrListenerRunning is returned when starting a listener that is already running
	ErrListenerRunning = errors.New("messaging: listener already running")

	// ErrInvalidPriority is returned for work packet priorities above MaxPriority
	ErrInvalidPriority = errors.New("messaging: priority out of range")

	// ErrServiceClosed is returned by operations on a closed Service
	ErrServiceClosed = errors.New("messaging: service is closed")
)

// RemoteError carries the failure of a remote RPC handler
type RemoteError struct {
	Target  string // Queue of the failed listener
	Message string // Handler error message
	Trace   string // Handler error detail or stack trace
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("messaging: remote handler on %s failed: %s", e.Target, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemoteCrash
}

// TransportError wraps unexpected broker faults
type TransportError struct {
	Op    string // Operation that failed
	Queue string // Queue involved
	Err   error  // Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging: %s on queue %s failed: %v", e.Op, e.Queue, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsLocalState reports whether err is a usage error of a consumer: an
// operation on an unstarted or disposed consumer, or on an unresolved packet
func IsLocalState(err error) bool {
	return errors.Is(err, ErrConsumerNotStarted) || errors.Is(err, ErrUnknownPacket)
}
