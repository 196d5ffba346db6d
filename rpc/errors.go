package rpc

import "errors"

var (
	// ErrUnknownMethod is reported for calls naming a method the listener does not serve
	ErrUnknownMethod = errors.New("rpc: unknown method")
	// ErrArgumentMismatch is reported for calls whose arguments do not fit the method
	ErrArgumentMismatch = errors.New("rpc: argument mismatch")
	// ErrMalformedReply is returned when a reply carries no decodable result
	ErrMalformedReply = errors.New("rpc: malformed reply")
	// ErrInvalidStub is returned by Bind for stubs it cannot fill
	ErrInvalidStub = errors.New("rpc: invalid stub")
	// ErrInvalidContract is returned by NewListener for types it cannot serve
	ErrInvalidContract = errors.New("rpc: invalid contract")
)
