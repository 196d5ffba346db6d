package contracts

// WorkPacket is a work-queue message.
//
// Tag is assigned by the broker on delivery and is zero for packets that are
// about to be published.
type WorkPacket struct {
	Body     []byte
	Tag      uint64
	Priority uint8
	Headers  map[string]any
}

// RpcPacket is the payload of an RPC request or reply. Its content is defined
// by the caller/listener pair.
type RpcPacket struct {
	Body []byte
}

// TransportPacket wraps an RpcPacket for transport.
//
// Error is set when the listener's handler failed; ErrorMessage and ErrorTrace
// then describe the failure and Body is not populated. Otherwise Body holds the
// handler result, or is nil for fire-and-forget calls.
type TransportPacket struct {
	From         string
	Error        bool
	ErrorMessage string
	ErrorTrace   string
	Body         *RpcPacket
}

// Failed reports whether the packet carries a listener-side failure.
func (p *TransportPacket) Failed() bool {
	return p != nil && p.Error
}
