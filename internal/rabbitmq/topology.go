package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// PriorityArg is the queue argument enabling message priorities
	PriorityArg = "x-max-priority"
	// DeadLetterArg is the queue argument naming the dead-letter exchange
	DeadLetterArg = "x-dead-letter-exchange"
	// MaxPriority is the x-max-priority of every work queue
	MaxPriority = 10
)

// DeadExchangeName returns the fanout exchange dead letters of queue are routed through
func DeadExchangeName(queue string) string {
	return queue + "_dead_exchange"
}

// DeadQueueName returns the queue holding the dead letters of queue
func DeadQueueName(queue string) string {
	return queue + "_dead_queue"
}

// WorkQueueArgs returns the declaration arguments of a work queue
func WorkQueueArgs(queue string, deadLetter bool) amqp.Table {
	args := amqp.Table{PriorityArg: int32(MaxPriority)}
	if deadLetter {
		args[DeadLetterArg] = DeadExchangeName(queue)
	}
	return args
}

// DeclareWorkQueue declares a durable priority queue and, when deadLetter is
// set, its dead-letter exchange and queue. Redeclaring a compatible queue is a
// no-op; an incompatible existing queue fails with a *TopologyError.
func DeclareWorkQueue(ch Channel, queue string, deadLetter bool) error {
	if deadLetter {
		exchange := DeadExchangeName(queue)
		deadQueue := DeadQueueName(queue)

		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
			return topologyError("exchange", exchange, "declare", err)
		}
		if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, WorkQueueArgs(deadQueue, false)); err != nil {
			return topologyError("queue", deadQueue, "declare", err)
		}
		if err := ch.QueueBind(deadQueue, "", exchange, false, nil); err != nil {
			return topologyError("binding", deadQueue, "bind", err)
		}
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, WorkQueueArgs(queue, deadLetter)); err != nil {
		return topologyError("queue", queue, "declare", err)
	}
	return nil
}

// DeclareListenerQueue declares the serving queue of an RPC listener. The queue
// is exclusive to the declaring connection; another owner yields a 405.
func DeclareListenerQueue(ch Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, false, false, true, false, nil); err != nil {
		return topologyError("queue", queue, "declare", err)
	}
	return nil
}

// DeclareReplyQueue declares a private, server-named queue for one RPC reply
func DeclareReplyQueue(ch Channel) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", topologyError("queue", "<server-named>", "declare", err)
	}
	return q.Name, nil
}

// TopologyManager runs topology operations on pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool: pool,
	}
}

// DeclareWorkQueue declares a work queue on a pooled channel
func (tm *TopologyManager) DeclareWorkQueue(ctx context.Context, queue string, deadLetter bool) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		return DeclareWorkQueue(ch, queue, deadLetter)
	})
}

// DeleteQueue deletes a queue. A missing queue is not an error.
func (tm *TopologyManager) DeleteQueue(ctx context.Context, queue string) error {
	return tm.pool.Execute(ctx, func(ch Channel) error {
		if _, err := ch.QueueDelete(queue, false, false, false); err != nil && !IsNotFound(err) {
			return topologyError("queue", queue, "delete", err)
		}
		return nil
	})
}

// InspectListener reports whether some consumer serves queue. A queue locked by
// another connection's exclusive declaration counts as served; a missing queue
// does not.
func (tm *TopologyManager) InspectListener(ctx context.Context, queue string) (bool, error) {
	var exists bool
	err := tm.pool.Execute(ctx, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(queue, false, false, false, false, nil)
		switch {
		case err == nil:
			exists = q.Consumers > 0
			return nil
		case IsResourceLocked(err):
			exists = true
			return nil
		case IsNotFound(err):
			exists = false
			return nil
		default:
			return topologyError("queue", queue, "inspect", err)
		}
	})
	return exists, err
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
