// Package amqptest provides an in-memory AMQP 0-9-1 broker for tests.
//
// The broker implements the rabbitmq.Connection and rabbitmq.Channel
// capability with the RabbitMQ behaviour mmate-rpc relies on: durable and
// exclusive queues, server-named queues, x-max-priority ordering, per-consumer
// prefetch, exclusive consumers, fanout and direct exchanges, dead-letter
// exchanges, and channel-closing errors carrying the real reply codes.
// Messages are never persisted.
package amqptest

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
)

// Broker is an in-memory message broker. The zero value is not usable; use NewBroker.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	conns     map[*Connection]struct{}
	seq       uint64
	dialErr   error
}

// NewBroker creates an empty broker with the default exchange only
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		conns:     make(map[*Connection]struct{}),
	}
}

// Dial opens a connection. It matches rabbitmq.Dialer; the URL is ignored.
func (b *Broker) Dial(string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	err := b.dialErr
	b.dialErr = nil
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return b.Connect(), nil
}

// FailNextDial makes the next Dial return err
func (b *Broker) FailNextDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Connect opens a connection
func (b *Broker) Connect() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn := &Connection{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn
}

// QueueExists reports whether queue is declared
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// ExchangeExists reports whether exchange is declared
func (b *Broker) ExchangeExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Queues returns the names of the declared queues, sorted
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MessageCount returns the number of ready messages in queue
func (b *Broker) MessageCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// ConsumerCount returns the number of consumers on queue
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// ConsumerTags returns the tags of the consumers on queue
func (b *Broker) ConsumerTags(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(q.consumers))
	for _, c := range q.consumers {
		tags = append(tags, c.tag)
	}
	return tags
}

// UnackedCount returns the number of deliveries of queue awaiting ack or nack
func (b *Broker) UnackedCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for conn := range b.conns {
		for ch := range conn.channels {
			for _, u := range ch.unacked {
				if u.queue == name {
					n++
				}
			}
		}
	}
	return n
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

type message struct {
	seq         uint64
	exchange    string
	routingKey  string
	priority    uint8
	redelivered bool
	pub         amqp.Publishing
}

type queue struct {
	name         string
	durable      bool
	autoDelete   bool
	exclusive    bool
	owner        *Connection
	args         amqp.Table
	maxPriority  uint8
	ready        []*message
	consumers    []*consumer
	next         int
	hadConsumers bool
}

type exchange struct {
	name     string
	kind     string
	durable  bool
	bindings []binding
}

type binding struct {
	queue string
	key   string
}

// enqueueLocked keeps ready ordered by priority, then by publish order
func (q *queue) enqueueLocked(m *message) {
	i := sort.Search(len(q.ready), func(i int) bool {
		r := q.ready[i]
		if r.priority != m.priority {
			return r.priority < m.priority
		}
		return r.seq > m.seq
	})
	q.ready = append(q.ready, nil)
	copy(q.ready[i+1:], q.ready[i:])
	q.ready[i] = m
}

func (q *queue) info() amqp.Queue {
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}
}

func (q *queue) hasExclusiveConsumer() bool {
	for _, c := range q.consumers {
		if c.exclusive {
			return true
		}
	}
	return false
}

// nextConsumerLocked picks the next consumer with spare prefetch capacity, round robin
func (q *queue) nextConsumerLocked() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.hasCapacityLocked() {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (b *Broker) publishLocked(exchangeName, key string, pub amqp.Publishing) *amqp.Error {
	var targets []*queue
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			targets = append(targets, q)
		}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return newError(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
		}
		for _, bnd := range ex.bindings {
			if ex.kind == amqp.ExchangeFanout || bnd.key == key {
				if q, ok := b.queues[bnd.queue]; ok {
					targets = append(targets, q)
				}
			}
		}
	}

	for _, q := range targets {
		b.seq++
		m := &message{
			seq:        b.seq,
			exchange:   exchangeName,
			routingKey: key,
			pub:        clonePublishing(pub),
		}
		if q.maxPriority > 0 {
			m.priority = min(pub.Priority, q.maxPriority)
		}
		q.enqueueLocked(m)
		b.dispatchLocked(q)
	}
	return nil
}

func (b *Broker) dispatchLocked(q *queue) {
	if b.queues[q.name] != q {
		return
	}
	for len(q.ready) > 0 {
		c := q.nextConsumerLocked()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		c.deliverLocked(m)
	}
}

// deadLetterLocked routes a rejected message through the queue's dead-letter exchange
func (b *Broker) deadLetterLocked(q *queue, m *message) {
	dlx, _ := q.args[rabbitmq.DeadLetterArg].(string)
	if dlx == "" {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = k
	}

	pub := clonePublishing(m.pub)
	if pub.Headers == nil {
		pub.Headers = amqp.Table{}
	}
	if _, ok := pub.Headers["x-first-death-queue"]; !ok {
		pub.Headers["x-first-death-queue"] = q.name
		pub.Headers["x-first-death-reason"] = "rejected"
		pub.Headers["x-first-death-exchange"] = m.exchange
	}
	_ = b.publishLocked(dlx, key, pub)
}

func (b *Broker) deleteQueueLocked(q *queue) {
	if b.queues[q.name] != q {
		return
	}
	delete(b.queues, q.name)

	for _, c := range q.consumers {
		delete(c.ch.consumers, c.tag)
		c.stop()
	}
	q.consumers = nil

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bnd := range ex.bindings {
			if bnd.queue != q.name {
				kept = append(kept, bnd)
			}
		}
		ex.bindings = kept
	}
}

func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	c.stop()

	if q.autoDelete && q.hadConsumers && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

func newError(code int, format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
}

func newQueueName() string {
	return "amq.gen-" + uuid.NewString()
}

func clonePublishing(pub amqp.Publishing) amqp.Publishing {
	out := pub
	out.Headers = cloneTable(pub.Headers)
	if pub.Body != nil {
		out.Body = append([]byte(nil), pub.Body...)
	}
	return out
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// equivalentArgs compares declaration arguments the way RabbitMQ does,
// ignoring the integer width of numeric values
func equivalentArgs(a, b amqp.Table) (string, bool) {
	keys := make(map[string]struct{})
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range keys {
		if !reflect.DeepEqual(normalize(a[k]), normalize(b[k])) {
			return k, false
		}
	}
	return "", true
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return v
	}
}

func priorityArg(args amqp.Table) uint8 {
	switch n := normalize(args[rabbitmq.PriorityArg]).(type) {
	case int64:
		if n > 255 {
			return 255
		}
		if n > 0 {
			return uint8(n)
		}
	}
	return 0
}
