package amqptest

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
)

// Connection is a client connection to a Broker
type Connection struct {
	broker   *Broker
	channels map[*Channel]struct{}
	nextID   int
	closed   bool
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Connection)(nil)

// Channel opens a channel
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	return c.OpenChannel()
}

// OpenChannel opens a channel and returns the concrete type
func (c *Connection) OpenChannel() (*Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.nextID++
	ch := &Channel{
		broker:    c.broker,
		conn:      c,
		id:        c.nextID,
		unacked:   make(map[uint64]*unacked),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for the connection closing. A graceful
// close closes the receiver without sending.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection and all of its channels
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// Fail drops the connection as if the broker went away
func (c *Connection) Fail() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return
	}
	c.shutdownLocked(&amqp.Error{
		Code:    amqp.ConnectionForced,
		Reason:  "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		Server:  true,
		Recover: true,
	})
}

func (c *Connection) shutdownLocked(reason *amqp.Error) {
	c.closed = true

	for _, r := range c.notify {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}
	}

	for ch := range c.channels {
		ch.shutdownLocked(reason)
	}

	for _, q := range c.broker.queues {
		if q.exclusive && q.owner == c {
			c.broker.deleteQueueLocked(q)
		}
	}
	delete(c.broker.conns, c)

	for _, r := range c.notify {
		close(r)
	}
	c.notify = nil
}
