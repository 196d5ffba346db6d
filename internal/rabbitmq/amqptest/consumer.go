package amqptest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer buffers deliveries assigned by the broker and hands them to the
// client one at a time, so the broker never blocks on a slow reader
type consumer struct {
	tag       string
	ch        *Channel
	queue     *queue
	autoAck   bool
	exclusive bool
	inflight  int

	mu       sync.Mutex
	buf      []amqp.Delivery
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	out      chan amqp.Delivery
}

func newConsumer(ch *Channel, q *queue, tag string, autoAck, exclusive bool) *consumer {
	return &consumer{
		tag:       tag,
		ch:        ch,
		queue:     q,
		autoAck:   autoAck,
		exclusive: exclusive,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		out:       make(chan amqp.Delivery),
	}
}

func (c *consumer) hasCapacityLocked() bool {
	return c.autoAck || c.ch.prefetch <= 0 || c.inflight < c.ch.prefetch
}

// deliverLocked assigns the next delivery tag of the channel to m
func (c *consumer) deliverLocked(m *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = &unacked{msg: m, queue: c.queue.name, consumer: c}
		c.inflight++
	}

	pub := clonePublishing(m.pub)
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            pub.Body,
	}

	c.mu.Lock()
	c.buf = append(c.buf, d)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *consumer) run() {
	defer close(c.out)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.mu.Lock()
		if len(c.buf) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		c.mu.Unlock()

		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}
