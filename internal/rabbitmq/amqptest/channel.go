package amqptest

import (
	"context"
	"sort"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
)

// Channel is a channel on a Connection. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	broker    *Broker
	conn      *Connection
	id        int
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*unacked
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

type unacked struct {
	msg      *message
	queue    string
	consumer *consumer
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// QueueDeclare declares a queue, creating it if missing. An empty name makes
// the broker pick one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, _ bool, args amqp.Table) (amqp.Queue, error) {
	if err := args.Validate(); err != nil {
		return amqp.Queue{}, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	if name == "" {
		name = newQueueName()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, ch.failLocked(newError(amqp.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
		}
		if q.durable != durable {
			return amqp.Queue{}, ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/'", name))
		}
		if q.autoDelete != autoDelete {
			return amqp.Queue{}, ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'auto_delete' for queue '%s' in vhost '/'", name))
		}
		if arg, ok := equivalentArgs(q.args, args); !ok {
			return amqp.Queue{}, ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg '%s' for queue '%s' in vhost '/'", arg, name))
		}
		return q.info(), nil
	}

	q := &queue{
		name:        name,
		durable:     durable,
		autoDelete:  autoDelete,
		exclusive:   exclusive,
		args:        cloneTable(args),
		maxPriority: priorityArg(args),
	}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return q.info(), nil
}

// QueueDeclarePassive reports an existing queue without creating it
func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, ch.failLocked(newError(amqp.NotFound,
			"NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	if q.exclusive && q.owner != ch.conn {
		return amqp.Queue{}, ch.failLocked(newError(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
	}
	return q.info(), nil
}

// QueueDelete deletes a queue and returns the number of messages it held.
// Deleting a missing queue succeeds.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, _ bool) (int, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return 0, amqp.ErrClosed
	}

	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if q.exclusive && q.owner != ch.conn {
		return 0, ch.failLocked(newError(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", name))
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, ch.failLocked(newError(amqp.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%s' in vhost '/' in use", name))
	}
	if ifEmpty && len(q.ready) > 0 {
		return 0, ch.failLocked(newError(amqp.PreconditionFailed,
			"PRECONDITION_FAILED - queue '%s' in vhost '/' not empty", name))
	}

	count := len(q.ready)
	b.deleteQueueLocked(q)
	return count, nil
}

// QueueBind binds a queue to an exchange
func (ch *Channel) QueueBind(name, key, exchangeName string, _ bool, args amqp.Table) error {
	if err := args.Validate(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if _, ok := b.queues[name]; !ok {
		return ch.failLocked(newError(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.failLocked(newError(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}

	for _, bnd := range ex.bindings {
		if bnd.queue == name && bnd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// ExchangeDeclare declares a fanout or direct exchange
func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, args amqp.Table) error {
	if err := args.Validate(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if kind != amqp.ExchangeFanout && kind != amqp.ExchangeDirect {
		return ch.failLocked(newError(amqp.CommandInvalid,
			"COMMAND_INVALID - invalid exchange type '%s'", kind))
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/'", name))
		}
		if ex.durable != durable {
			return ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'durable' for exchange '%s' in vhost '/'", name))
		}
		return nil
	}

	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable}
	return nil
}

// Qos sets the per-consumer prefetch limit of the channel
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer on queue
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, _, _ bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(newError(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, ch.failLocked(newError(amqp.ResourceLocked,
			"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s' in vhost '/'", queueName))
	}
	if (exclusive && len(q.consumers) > 0) || q.hasExclusiveConsumer() {
		return nil, ch.failLocked(newError(amqp.AccessRefused,
			"ACCESS_REFUSED - queue '%s' in vhost '/' in exclusive use", queueName))
	}

	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(newError(amqp.NotAllowed,
			"NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}

	c := newConsumer(ch, q, tag, autoAck, exclusive)
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumers = true
	go c.run()

	b.dispatchLocked(q)
	return c.out, nil
}

// Cancel stops a consumer. Its unacknowledged deliveries stay unacknowledged.
func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if c, ok := ch.consumers[tag]; ok {
		delete(ch.consumers, tag)
		b.removeConsumerLocked(c)
	}
	return nil
}

// PublishWithContext routes a message. Unroutable messages are dropped.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Headers.Validate(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if err := b.publishLocked(exchangeName, key, msg); err != nil {
		return ch.failLocked(err)
	}
	return nil
}

// Ack acknowledges a delivery, or every delivery up to tag when multiple is set
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := ch.takeLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, u := range entries {
		if q, ok := b.queues[u.queue]; ok {
			b.dispatchLocked(q)
		}
	}
	return nil
}

// Nack rejects a delivery, or every delivery up to tag when multiple is set.
// Without requeue the message is dead-lettered when its queue has a
// dead-letter exchange and dropped otherwise.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := ch.takeLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, u := range entries {
		q, ok := b.queues[u.queue]
		if !ok {
			continue
		}
		if requeue {
			u.msg.redelivered = true
			q.enqueueLocked(u.msg)
		} else {
			b.deadLetterLocked(q, u.msg)
		}
		b.dispatchLocked(q)
	}
	return nil
}

// Reject rejects a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// NotifyClose registers a listener for the channel closing. A broker error is
// sent before the receiver is closed; a graceful close only closes it.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel. Unacknowledged deliveries are requeued.
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil
	}
	ch.shutdownLocked(nil)
	return nil
}

// takeLocked removes unacked entries. An unknown tag is a channel error.
func (ch *Channel) takeLocked(tag uint64, multiple bool) ([]*unacked, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	if !multiple {
		u, ok := ch.unacked[tag]
		if !ok {
			return nil, ch.failLocked(newError(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - unknown delivery tag %d", tag))
		}
		delete(ch.unacked, tag)
		u.consumer.inflight--
		return []*unacked{u}, nil
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		if t <= tag {
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	entries := make([]*unacked, 0, len(tags))
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		u.consumer.inflight--
		entries = append(entries, u)
	}
	return entries, nil
}

// failLocked closes the channel because of a broker error and returns that error
func (ch *Channel) failLocked(err *amqp.Error) *amqp.Error {
	ch.shutdownLocked(err)
	return err
}

func (ch *Channel) shutdownLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch)

	b := ch.broker

	if reason != nil {
		for _, r := range ch.notify {
			select {
			case r <- reason:
			default:
			}
		}
	}

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		b.removeConsumerLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		u := ch.unacked[t]
		delete(ch.unacked, t)
		if q, ok := b.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.enqueueLocked(u.msg)
			touched[q] = struct{}{}
		}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}

	for _, r := range ch.notify {
		close(r)
	}
	ch.notify = nil
}
