package rpc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/rpc"
	"github.com/glimte/mmate-rpc/serialization"
)

type Point struct {
	X, Y int
}

type Shape interface {
	Area() float64
}

type Square struct {
	Side float64
}

func (s Square) Area() float64 { return s.Side * s.Side }

func init() {
	if err := serialization.Register("rpc_test.square", Square{}); err != nil {
		panic(err)
	}
}

type Calculator interface {
	Add(ctx context.Context, a, b int) (int, error)
	Scale(p Point, factor int) Point
	Describe(s Shape) string
	Notify(msg string)
	Fail(reason string) (int, error)
	Explode()
	Lookup(key string) (*Point, error)
	Tags(m map[string][]string) []string
}

type calculator struct {
	mu       sync.Mutex
	notified []string
	done     chan struct{}
}

func newCalculator() *calculator {
	return &calculator{done: make(chan struct{}, 16)}
}

func (c *calculator) Add(_ context.Context, a, b int) (int, error) { return a + b, nil }

func (c *calculator) Scale(p Point, factor int) Point {
	return Point{X: p.X * factor, Y: p.Y * factor}
}

func (c *calculator) Describe(s Shape) string {
	if s == nil {
		return "nothing"
	}
	return fmt.Sprintf("%T with area %.1f", s, s.Area())
}

func (c *calculator) Notify(msg string) {
	c.mu.Lock()
	c.notified = append(c.notified, msg)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *calculator) Fail(reason string) (int, error) {
	return 0, errors.New(reason)
}

func (c *calculator) Explode() {
	panic("kaboom")
}

func (c *calculator) Lookup(key string) (*Point, error) {
	if key == "origin" {
		return &Point{}, nil
	}
	return nil, nil
}

func (c *calculator) Tags(m map[string][]string) []string {
	var out []string
	for k, v := range m {
		for _, s := range v {
			out = append(out, k+"="+s)
		}
	}
	return out
}

func (c *calculator) notifications() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notified...)
}

type CalculatorStub struct {
	Add      func(ctx context.Context, a, b int) (int, error)
	Scale    func(p Point, factor int) (Point, error)
	Describe func(ctx context.Context, s Shape) (string, error)
	Notify   func(msg string) error
	Fail     func(reason string) (int, error)
	Explode  func(ctx context.Context) (struct{}, error)
	Lookup   func(key string) (*Point, error)
	Missing  func() (int, error) `rpc:"DoesNotExist"`
	Sum      func(a, b int) (int, error) `rpc:"Add"`
	Ignored  func() `rpc:"-"`

	Name     string
	internal func() error
}

// loopback hands calls straight to a dispatcher, the way a listener would
type loopback struct {
	dispatcher *rpc.Dispatcher
}

func (l *loopback) CallRpc(ctx context.Context, target string, request *contracts.RpcPacket, callType messaging.CallType) (reply *contracts.RpcPacket, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, &messaging.RemoteError{Target: target, Message: fmt.Sprintf("panic: %v", r)}
		}
	}()

	reply, err = l.dispatcher.Handle(ctx, "RPC_Test_caller", request)
	if callType == messaging.DoNotExpectReply {
		return nil, nil
	}
	if err != nil {
		return nil, &messaging.RemoteError{Target: target, Message: err.Error()}
	}
	return reply, nil
}

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) CallRpc(ctx context.Context, target string, request *contracts.RpcPacket, callType messaging.CallType) (*contracts.RpcPacket, error) {
	args := m.Called(ctx, target, request, callType)
	reply, _ := args.Get(0).(*contracts.RpcPacket)
	return reply, args.Error(1)
}
