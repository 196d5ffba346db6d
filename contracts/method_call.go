package contracts

// MethodCallContext carries a method invocation through an RPC packet.
//
// Each parameter is encoded on its own so the receiving side can decode it
// into the exact parameter type of the resolved method. Result is nil for
// methods without a return value.
type MethodCallContext struct {
	MethodName string
	Parameters [][]byte
	Result     []byte
}

// HasResult reports whether the context carries a return value.
func (c *MethodCallContext) HasResult() bool {
	return c != nil && c.Result != nil
}
