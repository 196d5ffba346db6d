package rabbitmq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/rabbitmq/amqptest"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "jobs_dead_exchange", rabbitmq.DeadExchangeName("jobs"))
	assert.Equal(t, "jobs_dead_queue", rabbitmq.DeadQueueName("jobs"))

	args := rabbitmq.WorkQueueArgs("jobs", true)
	assert.Equal(t, int32(10), args[rabbitmq.PriorityArg])
	assert.Equal(t, "jobs_dead_exchange", args[rabbitmq.DeadLetterArg])

	assert.NotContains(t, rabbitmq.WorkQueueArgs("jobs", false), rabbitmq.DeadLetterArg)
}

func TestTopologyManager(t *testing.T) {
	ctx := context.Background()

	t.Run("declares work queues idempotently", func(t *testing.T) {
		pool, broker := newPool(t)
		tm := rabbitmq.NewTopologyManager(pool)

		require.NoError(t, tm.DeclareWorkQueue(ctx, "jobs", true))
		require.NoError(t, tm.DeclareWorkQueue(ctx, "jobs", true))

		assert.True(t, broker.QueueExists("jobs"))
		assert.True(t, broker.QueueExists("jobs_dead_queue"))
		assert.True(t, broker.ExchangeExists("jobs_dead_exchange"))
	})

	t.Run("rejects an incompatible existing queue", func(t *testing.T) {
		pool, _ := newPool(t)
		tm := rabbitmq.NewTopologyManager(pool)

		require.NoError(t, tm.DeclareWorkQueue(ctx, "jobs", false))
		err := tm.DeclareWorkQueue(ctx, "jobs", true)

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "jobs", topoErr.Name)
		assert.True(t, rabbitmq.IsPreconditionFailed(err))
	})

	t.Run("deletes queues and ignores missing ones", func(t *testing.T) {
		pool, broker := newPool(t)
		tm := rabbitmq.NewTopologyManager(pool)

		require.NoError(t, tm.DeclareWorkQueue(ctx, "jobs", false))
		require.NoError(t, tm.DeleteQueue(ctx, "jobs"))
		assert.False(t, broker.QueueExists("jobs"))

		assert.NoError(t, tm.DeleteQueue(ctx, "jobs"))
	})

	t.Run("inspects listeners", func(t *testing.T) {
		pool, broker := newPool(t)
		tm := rabbitmq.NewTopologyManager(pool)

		exists, err := tm.InspectListener(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists, "missing queue")

		require.NoError(t, tm.DeclareWorkQueue(ctx, "idle", false))
		exists, err = tm.InspectListener(ctx, "idle")
		require.NoError(t, err)
		assert.False(t, exists, "queue without consumers")

		other, err := broker.Connect().OpenChannel()
		require.NoError(t, err)
		require.NoError(t, rabbitmq.DeclareListenerQueue(other, "RPC_Worker_1"))

		exists, err = tm.InspectListener(ctx, "RPC_Worker_1")
		require.NoError(t, err)
		assert.True(t, exists, "queue locked by another connection")

		_, err = other.Consume("idle", "", false, false, false, false, nil)
		require.NoError(t, err)
		exists, err = tm.InspectListener(ctx, "idle")
		require.NoError(t, err)
		assert.True(t, exists, "queue with a consumer")
	})

	t.Run("declares reply queues with server names", func(t *testing.T) {
		broker := amqptest.NewBroker()
		ch, err := broker.Connect().OpenChannel()
		require.NoError(t, err)

		name, err := rabbitmq.DeclareReplyQueue(ch)
		require.NoError(t, err)
		assert.True(t, broker.QueueExists(name))
	})

	t.Run("listener queue refuses a second owner", func(t *testing.T) {
		broker := amqptest.NewBroker()
		first, err := broker.Connect().OpenChannel()
		require.NoError(t, err)
		second, err := broker.Connect().OpenChannel()
		require.NoError(t, err)

		require.NoError(t, rabbitmq.DeclareListenerQueue(first, "RPC_Worker_1"))
		err = rabbitmq.DeclareListenerQueue(second, "RPC_Worker_1")
		assert.True(t, rabbitmq.IsResourceLocked(err))
	})
}
