package rpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/rpc"
)

func bindLoopback(t *testing.T, calc *calculator) *CalculatorStub {
	t.Helper()

	dispatcher, err := rpc.NewDispatcher[Calculator](calc)
	require.NoError(t, err)

	var stub CalculatorStub
	require.NoError(t, rpc.Bind(rpc.NewCaller(&loopback{dispatcher: dispatcher}, "RPC_Calculator_1"), &stub))
	return &stub
}

func TestBind_RoundTrip(t *testing.T) {
	calc := newCalculator()
	stub := bindLoopback(t, calc)
	ctx := context.Background()

	sum, err := stub.Add(ctx, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	p, err := stub.Scale(Point{X: 1, Y: -2}, 3)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 3, Y: -6}, p)

	desc, err := stub.Describe(ctx, Square{Side: 2})
	require.NoError(t, err)
	assert.Equal(t, "rpc_test.Square with area 4.0", desc)

	desc, err = stub.Describe(nil, nil) //nolint:staticcheck // nil context falls back to Background
	require.NoError(t, err)
	assert.Equal(t, "nothing", desc)

	origin, err := stub.Lookup("origin")
	require.NoError(t, err)
	assert.Equal(t, &Point{}, origin)

	missing, err := stub.Lookup("elsewhere")
	require.NoError(t, err)
	assert.Nil(t, missing)

	sum, err = stub.Sum(40, 2)
	require.NoError(t, err)
	assert.Equal(t, 42, sum)
}

func TestBind_FireAndForget(t *testing.T) {
	calc := newCalculator()
	stub := bindLoopback(t, calc)

	require.NoError(t, stub.Notify("hello"))

	select {
	case <-calc.done:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Equal(t, []string{"hello"}, calc.notifications())
}

func TestBind_CallTypes(t *testing.T) {
	invoker := new(mockInvoker)
	invoker.On("CallRpc", mock.Anything, "RPC_Calculator_1", mock.Anything, messaging.DoNotExpectReply).Return(nil, nil).Once()

	var stub CalculatorStub
	require.NoError(t, rpc.Bind(rpc.NewCaller(invoker, "RPC_Calculator_1"), &stub))

	require.NoError(t, stub.Notify("event"))
	invoker.AssertExpectations(t)

	call := invoker.Calls[0].Arguments.Get(2).(*contracts.RpcPacket)
	assert.NotEmpty(t, call.Body)
}

func TestBind_RemoteFailures(t *testing.T) {
	stub := bindLoopback(t, newCalculator())

	_, err := stub.Fail("out of paper")
	var remoteErr *messaging.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "out of paper", remoteErr.Message)

	_, err = stub.Explode(context.Background())
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "kaboom")

	n, err := stub.Missing()
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "DoesNotExist")
	assert.Zero(t, n)
}

func TestBind_SkipsFields(t *testing.T) {
	stub := bindLoopback(t, newCalculator())

	assert.Nil(t, stub.Ignored)
	assert.Nil(t, stub.internal)
	assert.Empty(t, stub.Name)
}

func TestBind_InvalidStubs(t *testing.T) {
	caller := rpc.NewCaller(new(mockInvoker), "RPC_Calculator_1")

	tests := []struct {
		name string
		stub any
	}{
		{name: "nil", stub: nil},
		{name: "not a pointer", stub: CalculatorStub{}},
		{name: "pointer to non-struct", stub: new(int)},
		{name: "no error result", stub: &struct{ F func() int }{}},
		{name: "first result not error", stub: &struct{ F func() (int, int) }{}},
		{name: "no results", stub: &struct{ F func() }{}},
		{name: "variadic", stub: &struct{ F func(...int) error }{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, rpc.Bind(caller, tt.stub), rpc.ErrInvalidStub)
		})
	}
}

func TestBind_LeavesStubUntouchedOnError(t *testing.T) {
	caller := rpc.NewCaller(new(mockInvoker), "RPC_Calculator_1")

	stub := struct {
		Good func() error
		Bad  func() int
	}{}
	require.ErrorIs(t, rpc.Bind(caller, &stub), rpc.ErrInvalidStub)
	assert.Nil(t, stub.Good)
}
