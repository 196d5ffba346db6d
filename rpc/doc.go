// Package rpc calls and serves Go methods over the messaging RPC transport.
//
// The caller side packs a method name and its arguments into a
// contracts.MethodCallContext, one gob blob per argument, and sends it with
// messaging.Service.CallRpc. Methods returning only an error are sent
// fire-and-forget; methods returning a value wait for the reply.
//
// Go cannot implement an interface at run time, so typed callers are stub
// structs of func fields filled once by Bind:
//
//	type CalculatorStub struct {
//		Add    func(ctx context.Context, a, b int) (int, error)
//		Notify func(msg string) error
//		Reset  func(ctx context.Context) error `rpc:"Clear"`
//	}
//
//	var calc CalculatorStub
//	if err := rpc.Bind(rpc.NewCaller(svc, "RPC_Calculator_1"), &calc); err != nil {
//		return err
//	}
//	sum, err := calc.Add(ctx, 1, 2)
//
// The listener side serves every method of an interface type on a live
// instance:
//
//	listener, err := rpc.NewListener[Calculator](svc, &calculator{})
//	if err != nil {
//		return err
//	}
//	err = listener.StartListening(ctx)
//
// An unknown method, an argument mismatch, a returned error or a panic in
// the instance fails only the call concerned; the caller gets a
// *messaging.RemoteError.
package rpc
