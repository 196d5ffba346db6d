// Package messaging is the broker gateway of mmate-rpc.
//
// This package implements the two messaging patterns on top of RabbitMQ:
//   - Service: owns the broker connection and the process identity queue,
//     publishes work packets, probes listeners and performs RPC calls
//   - Consumer: pulls work packets from a priority queue with explicit ack/nack
//   - RpcListener: serves RPC requests on the identity queue from one goroutine,
//     replying with the handler result or with the handler failure
//
// RPC calls fail fast with ErrTargetUnreachable when nobody listens on the
// target queue, with ErrReplyTimeout when no matching reply arrives in time and
// with a *RemoteError (matching ErrRemoteCrash) when the remote handler failed.
// Unexpected broker faults are reported as *TransportError.
//
// Example usage:
//
//	svc, err := messaging.NewService(ctx, url, messaging.WithIdentity(id))
//	if err != nil {
//		return err
//	}
//	defer svc.Close()
//
//	reply, err := svc.CallRpc(ctx, "RPC_Worker_1", &contracts.RpcPacket{Body: body}, messaging.ExpectReply)
package messaging
