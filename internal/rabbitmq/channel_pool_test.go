package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/internal/rabbitmq/amqptest"
)

func newPool(t *testing.T, opts ...rabbitmq.ChannelPoolOption) (*rabbitmq.ChannelPool, *amqptest.Broker) {
	t.Helper()
	broker := amqptest.NewBroker()
	pool, err := rabbitmq.NewChannelPool(connect(t, broker), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool, broker
}

func TestChannelPool(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid configuration", func(t *testing.T) {
		_, err := rabbitmq.NewChannelPool(nil)
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)

		_, err = rabbitmq.NewChannelPool(connect(t, amqptest.NewBroker()), rabbitmq.WithMaxSize(0))
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
	})

	t.Run("reuses returned channels", func(t *testing.T) {
		pool, _ := newPool(t)

		first, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(first)

		second, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), second.ID())
		assert.Equal(t, 1, pool.Size())
	})

	t.Run("drops channels closed by the broker", func(t *testing.T) {
		pool, _ := newPool(t)

		err := pool.Execute(ctx, func(ch rabbitmq.Channel) error {
			_, err := ch.QueueDeclarePassive("missing", false, false, false, false, nil)
			return err
		})
		assert.True(t, rabbitmq.IsNotFound(err))
		assert.Equal(t, 0, pool.Size())

		err = pool.Execute(ctx, func(ch rabbitmq.Channel) error {
			assert.False(t, ch.IsClosed())
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("recovers from panics", func(t *testing.T) {
		pool, _ := newPool(t)

		err := pool.Execute(ctx, func(rabbitmq.Channel) error {
			panic("boom")
		})
		assert.ErrorContains(t, err, "panic in channel execution: boom")
	})

	t.Run("passes through function errors", func(t *testing.T) {
		pool, _ := newPool(t)
		sentinel := errors.New("sentinel")

		err := pool.Execute(ctx, func(rabbitmq.Channel) error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
	})

	t.Run("reports exhaustion", func(t *testing.T) {
		pool, _ := newPool(t, rabbitmq.WithMaxSize(1), rabbitmq.WithWaitTimeout(20*time.Millisecond))

		held, err := pool.Get(ctx)
		require.NoError(t, err)
		defer pool.Put(held)

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolExhausted)
	})

	t.Run("hands a returned channel to a waiter", func(t *testing.T) {
		pool, _ := newPool(t, rabbitmq.WithMaxSize(1))

		held, err := pool.Get(ctx)
		require.NoError(t, err)

		go func() {
			time.Sleep(20 * time.Millisecond)
			pool.Put(held)
		}()

		got, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, held.ID(), got.ID())
	})

	t.Run("refuses work after close", func(t *testing.T) {
		pool, _ := newPool(t)
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())

		_, err := pool.Get(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
	})

	t.Run("propagates closed connection", func(t *testing.T) {
		broker := amqptest.NewBroker()
		cm := connect(t, broker)
		pool, err := rabbitmq.NewChannelPool(cm)
		require.NoError(t, err)

		require.NoError(t, cm.Close())

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
		assert.Equal(t, 0, pool.Size())
	})
}
