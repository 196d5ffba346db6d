// Package contracts provides the plain data types that flow through mmate-rpc.
//
// This package defines:
//   - WorkPacket: a work-queue message with its broker delivery tag, priority and headers
//   - RpcPacket: the opaque payload exchanged between an RPC caller and listener
//   - TransportPacket: the transport wrapper around an RpcPacket carrying sender and failure detail
//   - MethodCallContext: the marshaling envelope used when calling through an interface contract
//   - Identifier: naming of distributed system nodes and their RPC queues
//
// None of these types depend on the broker; they are serialized into opaque
// blobs by the serialization package before they reach the wire.
package contracts
