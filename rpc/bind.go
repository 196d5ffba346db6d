package rpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/glimte/mmate-rpc/messaging"
)

// TagName is the struct tag overriding the method name of a stub field
const TagName = "rpc"

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// Bind fills every exported func field of the struct stub points to with a
// function calling the method of the same name through caller. A field tag
// `rpc:"Name"` overrides the method name, `rpc:"-"` skips the field.
//
// A field may take a context.Context as its first parameter. It must return
// either only an error, making it a fire-and-forget call, or a value and an
// error, making it wait for the reply.
func Bind(caller *Caller, stub any) error {
	rv := reflect.ValueOf(stub)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: want a non-nil pointer to a struct, got %T", ErrInvalidStub, stub)
	}

	sv := rv.Elem()
	st := sv.Type()

	// validate everything before touching the stub
	funcs := make(map[int]reflect.Value, st.NumField())
	for i := 0; i < st.NumField(); i++ {
		field := st.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}

		name := field.Name
		if tag, ok := field.Tag.Lookup(TagName); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}

		fn, err := makeStubFunc(caller, name, field.Type)
		if err != nil {
			return fmt.Errorf("%w: field %s.%s: %w", ErrInvalidStub, st.Name(), field.Name, err)
		}
		funcs[i] = fn
	}

	for i, fn := range funcs {
		sv.Field(i).Set(fn)
	}
	return nil
}

func makeStubFunc(caller *Caller, method string, ft reflect.Type) (reflect.Value, error) {
	if ft.IsVariadic() {
		return reflect.Value{}, fmt.Errorf("variadic functions are not supported")
	}

	var resultType reflect.Type
	switch ft.NumOut() {
	case 1:
		if ft.Out(0) != errorType {
			return reflect.Value{}, fmt.Errorf("single result must be error, got %s", ft.Out(0))
		}
	case 2:
		if ft.Out(1) != errorType {
			return reflect.Value{}, fmt.Errorf("second result must be error, got %s", ft.Out(1))
		}
		resultType = ft.Out(0)
	default:
		return reflect.Value{}, fmt.Errorf("want (error) or (T, error) results, got %d results", ft.NumOut())
	}

	hasCtx := ft.NumIn() > 0 && ft.In(0) == contextType

	callType := messaging.DoNotExpectReply
	if resultType != nil {
		callType = messaging.ExpectReply
	}

	fn := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := in
		if hasCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			args = in[1:]
		}

		v, err := caller.invoke(ctx, method, args, callType, resultType)
		if resultType == nil {
			return []reflect.Value{errorValue(err)}
		}
		if err != nil {
			v = reflect.Zero(resultType)
		}
		return []reflect.Value{v, errorValue(err)}
	})
	return fn, nil
}

func errorValue(err error) reflect.Value {
	if err == nil {
		return reflect.Zero(errorType)
	}
	return reflect.ValueOf(&err).Elem()
}
