package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/serialization"
	"github.com/rs/zerolog"
)

// ListenerFactory creates RPC listeners. *messaging.Service implements it.
type ListenerFactory interface {
	CreateRpcListener(handler messaging.ListeningFunc, options ...messaging.ListenerOption) *messaging.RpcListener
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

type method struct {
	name      string
	fn        reflect.Value
	params    []reflect.Type
	hasCtx    bool
	hasResult bool
	hasError  bool
}

// Dispatcher resolves method calls against an instance of an interface type.
// The method table is built once.
type Dispatcher struct {
	contract reflect.Type
	methods  map[string]*method
	logger   zerolog.Logger
}

// NewDispatcher builds the method table of interface T for instance.
//
// Methods may take a context.Context as first parameter and return nothing,
// a value, an error, or a value and an error.
func NewDispatcher[T any](instance T, options ...DispatcherOption) (*Dispatcher, error) {
	contract := reflect.TypeFor[T]()
	if contract.Kind() != reflect.Interface {
		return nil, fmt.Errorf("%w: %s is not an interface type", ErrInvalidContract, contract)
	}

	iv := reflect.ValueOf(&instance).Elem()
	if iv.IsNil() {
		return nil, fmt.Errorf("%w: nil %s instance", ErrInvalidContract, contract)
	}

	d := &Dispatcher{
		contract: contract,
		methods:  make(map[string]*method, contract.NumMethod()),
		logger:   zerolog.Nop(),
	}
	for _, opt := range options {
		opt(d)
	}

	for i := 0; i < contract.NumMethod(); i++ {
		m, err := newMethod(contract.Method(i), iv.Method(i))
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrInvalidContract, contract, contract.Method(i).Name, err)
		}
		d.methods[m.name] = m
	}
	return d, nil
}

func newMethod(m reflect.Method, fn reflect.Value) (*method, error) {
	ft := m.Type
	if ft.IsVariadic() {
		return nil, fmt.Errorf("variadic methods are not supported")
	}

	out := &method{name: m.Name, fn: fn}

	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			out.hasError = true
		} else {
			out.hasResult = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return nil, fmt.Errorf("second result must be error, got %s", ft.Out(1))
		}
		out.hasResult = true
		out.hasError = true
	default:
		return nil, fmt.Errorf("too many results: %d", ft.NumOut())
	}

	start := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		out.hasCtx = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		out.params = append(out.params, ft.In(i))
	}
	return out, nil
}

// Methods returns the served method names, sorted
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle serves one request; it is a messaging.ListeningFunc
func (d *Dispatcher) Handle(ctx context.Context, from string, request *contracts.RpcPacket) (*contracts.RpcPacket, error) {
	if request == nil || len(request.Body) == 0 {
		return nil, fmt.Errorf("%w: empty request", ErrArgumentMismatch)
	}

	var call contracts.MethodCallContext
	if err := serialization.Unmarshal(request.Body, &call); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArgumentMismatch, err)
	}

	m, ok := d.methods[call.MethodName]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, d.contract, call.MethodName)
	}

	if len(call.Parameters) != len(m.params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrArgumentMismatch, m.name, len(m.params), len(call.Parameters))
	}

	in := make([]reflect.Value, 0, len(m.params)+1)
	if m.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, data := range call.Parameters {
		v, err := serialization.DecodeValue(data, m.params[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s argument %d: %w", ErrArgumentMismatch, m.name, i, err)
		}
		in = append(in, v)
	}

	d.logger.Debug().Str("method", m.name).Str("from", from).Msg("dispatching call")
	out := m.fn.Call(in)

	if m.hasError {
		if errVal := out[len(out)-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
	}

	reply := contracts.MethodCallContext{MethodName: m.name}
	if m.hasResult {
		data, err := serialization.EncodeValue(out[0])
		if err != nil {
			return nil, fmt.Errorf("rpc: %s result: %w", m.name, err)
		}
		reply.Result = data
	}

	body, err := serialization.Marshal(&reply)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s reply: %w", m.name, err)
	}
	return &contracts.RpcPacket{Body: body}, nil
}

// NewListener returns an unstarted listener serving every method of the
// interface T on instance
func NewListener[T any](factory ListenerFactory, instance T, options ...messaging.ListenerOption) (*messaging.RpcListener, error) {
	d, err := NewDispatcher(instance)
	if err != nil {
		return nil, err
	}
	return factory.CreateRpcListener(d.Handle, options...), nil
}
