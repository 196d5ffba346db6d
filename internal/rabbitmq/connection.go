package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns the single broker connection of a process.
// It does not reconnect: a lost connection is reported to state listeners and
// every later Channel call fails.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	logger         zerolog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	closed      bool
	lastErr     error

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer, e.g. with an in-memory broker
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds how long Connect waits for the dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           Dial,
		connectTimeout: 30 * time.Second,
		logger:         zerolog.Nop(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.isConnected {
		return nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	connChan := make(chan Connection)
	errChan := make(chan error, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-connCtx.Done():
			// Connect already gave up
			_ = conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		cm.conn = conn
		cm.isConnected = true
		cm.lastErr = nil

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(conn, notifyClose)

		cm.logger.Info().Str("url", SanitizeURL(cm.url)).Msg("connected to RabbitMQ")
		cm.notifyConnected()
		return nil

	case err := <-errChan:
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}

	case <-connCtx.Done():
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// Channel opens a new channel on the connection. After Close it fails with
// ErrConnectionClosed; other failures are reported as *ChannelError.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	conn, closed, connected := cm.conn, cm.closed, cm.isConnected
	cm.mu.RUnlock()

	switch {
	case closed:
		return nil, ErrConnectionClosed
	case !connected || conn == nil:
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       ErrConnectionNotReady,
			Timestamp: time.Now(),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		if conn.IsClosed() {
			err = ErrConnectionClosed
		}
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Err returns the fault that dropped the connection, if any
func (cm *ConnectionManager) Err() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.lastErr
}

// Close closes the connection. It is safe to call more than once and from
// several goroutines; only the first call closes the broker connection.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conn := cm.conn
	wasConnected := cm.isConnected
	cm.isConnected = false
	cm.mu.Unlock()

	if conn == nil || !wasConnected {
		return nil
	}

	cm.logger.Info().Msg("closing RabbitMQ connection")
	if err := conn.Close(); err != nil && !conn.IsClosed() {
		return &ConnectionError{
			Op:        "close",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// watch reports the end of a connection
func (cm *ConnectionManager) watch(conn Connection, notifyClose <-chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if !ok || amqpErr == nil {
		return
	}

	cm.mu.Lock()
	if cm.conn == conn {
		cm.isConnected = false
		cm.lastErr = amqpErr
	}
	cm.mu.Unlock()

	cm.logger.Error().Err(amqpErr).Msg("connection closed")
	cm.notifyDisconnected(amqpErr)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
