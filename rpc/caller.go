package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/rs/zerolog"
)

// Invoker performs raw RPC calls. *messaging.Service implements it.
type Invoker interface {
	CallRpc(ctx context.Context, target string, request *contracts.RpcPacket, callType messaging.CallType) (*contracts.RpcPacket, error)
}

// CallerOption configures a Caller
type CallerOption func(*Caller)

// WithCallerLogger sets the logger
func WithCallerLogger(logger zerolog.Logger) CallerOption {
	return func(c *Caller) {
		c.logger = logger
	}
}

// Caller invokes methods on the listener serving one target queue
type Caller struct {
	invoker Invoker
	target  string
	logger  zerolog.Logger
}

// NewCaller creates a caller of target
func NewCaller(invoker Invoker, target string, options ...CallerOption) *Caller {
	c := &Caller{
		invoker: invoker,
		target:  target,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With().Str("target", target).Logger()
	return c
}

// Target returns the queue of the called listener
func (c *Caller) Target() string {
	return c.target
}

// Call invokes method and waits for its reply. When result is a non-nil
// pointer the method result is decoded into it.
//
// Arguments are encoded with their dynamic type, so they must be non-nil and
// match the method parameter types; methods taking interface parameters are
// called through Bind.
func (c *Caller) Call(ctx context.Context, method string, result any, args ...any) error {
	values, err := argValues(method, args)
	if err != nil {
		return err
	}

	var resultType reflect.Type
	if result != nil {
		rv := reflect.ValueOf(result)
		if rv.Kind() != reflect.Pointer || rv.IsNil() {
			return fmt.Errorf("rpc: %s: result must be a non-nil pointer, got %T", method, result)
		}
		resultType = rv.Type().Elem()
	}

	v, err := c.invoke(ctx, method, values, messaging.ExpectReply, resultType)
	if err != nil {
		return err
	}
	if resultType != nil {
		reflect.ValueOf(result).Elem().Set(v)
	}
	return nil
}

// Send invokes method without waiting for a reply
func (c *Caller) Send(ctx context.Context, method string, args ...any) error {
	values, err := argValues(method, args)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, method, values, messaging.DoNotExpectReply, nil)
	return err
}

func argValues(method string, args []any) ([]reflect.Value, error) {
	values := make([]reflect.Value, len(args))
	for i, arg := range args {
		if arg == nil {
			return nil, fmt.Errorf("rpc: %s: argument %d is nil", method, i)
		}
		values[i] = reflect.ValueOf(arg)
	}
	return values, nil
}

// invoke sends one method call. A nil resultType ignores the reply content.
func (c *Caller) invoke(ctx context.Context, method string, args []reflect.Value, callType messaging.CallType, resultType reflect.Type) (reflect.Value, error) {
	call := contracts.MethodCallContext{
		MethodName: method,
		Parameters: make([][]byte, len(args)),
	}
	for i, arg := range args {
		data, err := serialization.EncodeValue(arg)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("rpc: %s: argument %d: %w", method, i, err)
		}
		call.Parameters[i] = data
	}

	body, err := serialization.Marshal(&call)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("rpc: %s: %w", method, err)
	}

	c.logger.Debug().Str("method", method).Int("args", len(args)).Stringer("call_type", callType).Msg("calling")

	reply, err := c.invoker.CallRpc(ctx, c.target, &contracts.RpcPacket{Body: body}, callType)
	if err != nil {
		return reflect.Value{}, err
	}
	if resultType == nil {
		return reflect.Value{}, nil
	}

	if reply == nil || len(reply.Body) == 0 {
		return reflect.Value{}, fmt.Errorf("%w: %s: empty reply", ErrMalformedReply, method)
	}

	var out contracts.MethodCallContext
	if err := serialization.Unmarshal(reply.Body, &out); err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %w", ErrMalformedReply, method, err)
	}
	if !out.HasResult() {
		return reflect.Value{}, fmt.Errorf("%w: %s: reply has no result", ErrMalformedReply, method)
	}

	v, err := serialization.DecodeValue(out.Result, resultType)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %w", ErrMalformedReply, method, err)
	}
	return v, nil
}
