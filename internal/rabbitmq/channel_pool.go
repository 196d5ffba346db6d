package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelProvider opens channels; ConnectionManager is the production provider
type ChannelProvider interface {
	Channel() (Channel, error)
}

// ChannelPool reuses channels for short-lived operations. A channel that the
// broker closed, e.g. after a failed passive declare, is dropped on Put.
type ChannelPool struct {
	provider    ChannelProvider
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps a Channel with pool metadata
type PooledChannel struct {
	Channel
	lastUsed time.Time
	id       string
}

// ID identifies the channel in errors and logs
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a free channel when the pool is full
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(provider ChannelProvider, options ...ChannelPoolOption) (*ChannelPool, error) {
	if provider == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		provider:    provider,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves a channel from the pool
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		cp.mu.Lock()
		if cp.activeCount < cp.maxSize {
			cp.activeCount++
			cp.mu.Unlock()
			return cp.create(ctx)
		}
		cp.mu.Unlock()

		select {
		case ch := <-cp.channels:
			if ch == nil {
				return nil, ErrChannelPoolClosed
			}
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil

		case <-ctx.Done():
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ctx.Err(),
				Timestamp: time.Now(),
			}

		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{
				Op:        "get channel",
				ChannelID: "pool",
				Err:       ErrChannelPoolExhausted,
				Timestamp: time.Now(),
			}
		}
	}
}

// Put returns a channel to the pool
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	if ch.IsClosed() {
		cp.release()
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		_ = ch.Close()
		cp.activeCount--
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.activeCount--
	}
}

// Close closes all idle channels; channels still checked out are closed on Put
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.channels)

	for ch := range cp.channels {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
		cp.activeCount--
	}
	return nil
}

// Size returns the number of channels owned by the pool, idle or checked out
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs a function with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch.Channel)
	}()

	return execErr
}

// create opens a channel for a slot already counted in activeCount
func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		cp.release()
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	ch, err := cp.provider.Channel()
	if err != nil {
		cp.release()
		return nil, err
	}

	return &PooledChannel{
		Channel:  ch,
		lastUsed: time.Now(),
		id:       uuid.NewString(),
	}, nil
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}
