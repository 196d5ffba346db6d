// Package rabbitmq provides the broker capability mmate-rpc is built on.
//
// This package includes:
//   - Connection and Channel: the subset of AMQP 0-9-1 operations the rest of
//     the module needs, satisfied by amqp091-go and by the amqptest fake
//   - ConnectionManager: owns one broker connection and hands out channels
//   - ChannelPool: reuses channels for short-lived operations
//   - Publisher: publishes single messages and batches over pooled channels
//   - Subscription: a pull consumer with explicit ack/nack over a dedicated channel
//   - TopologyManager: priority work queues, dead-letter routes, exclusive
//     listener queues, reply queues and the passive listener probe
//
// A channel-level broker error (404, 405, 403, 406) closes the channel it
// happened on. Operations that expect such an error run on a pooled channel
// that the pool discards afterwards, never on a long-lived one.
package rabbitmq
