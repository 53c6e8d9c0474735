package handlers

import (
	"context"
	"iter"
	"reflect"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	boolType  = reflect.TypeOf(true)
)

// NormalizeResult turns a handler result into the sequence of values to reply
// with. Receive channels, iter.Seq, iter.Seq2 with an error second value, and
// futures of the form func() (T, error) are expanded; any other value,
// including slices and nil, is a single reply value.
func NormalizeResult(ctx context.Context, result any) iter.Seq2[any, error] {
	switch r := result.(type) {
	case nil:
		return single(nil)
	case iter.Seq2[any, error]:
		return r
	case iter.Seq[any]:
		return func(yield func(any, error) bool) {
			for v := range r {
				if !yield(v, nil) {
					return
				}
			}
		}
	case func() (any, error):
		return func(yield func(any, error) bool) {
			yield(r())
		}
	}

	v := reflect.ValueOf(result)
	switch v.Kind() {
	case reflect.Chan:
		if v.Type().ChanDir()&reflect.RecvDir != 0 && !v.IsNil() {
			return chanSeq(ctx, v)
		}
	case reflect.Func:
		if !v.IsNil() {
			if seq, ok := funcSeq(v); ok {
				return seq
			}
		}
	}
	return single(result)
}

// Values is a convenience for handlers that reply with a fixed list of values.
func Values(values ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, v := range values {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func single(v any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(v, nil)
	}
}

// chanSeq drains a receive channel until it is closed. A non-nil error
// received from the channel ends the sequence with that error.
func chanSeq(ctx context.Context, ch reflect.Value) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		cases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: ch},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		}
		for {
			chosen, val, ok := reflect.Select(cases)
			if chosen == 1 {
				yield(nil, ctx.Err())
				return
			}
			if !ok {
				return
			}
			item := val.Interface()
			if err, isErr := item.(error); isErr && err != nil {
				yield(nil, err)
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func funcSeq(fn reflect.Value) (iter.Seq2[any, error], bool) {
	typ := fn.Type()

	if typ.NumIn() == 0 && typ.NumOut() == 2 && typ.Out(1) == errorType {
		return func(yield func(any, error) bool) {
			out := fn.Call(nil)
			yield(out[0].Interface(), asError(out[1]))
		}, true
	}

	if typ.NumIn() != 1 || typ.NumOut() != 0 {
		return nil, false
	}
	yieldType := typ.In(0)
	if yieldType.Kind() != reflect.Func || yieldType.NumOut() != 1 || yieldType.Out(0) != boolType {
		return nil, false
	}

	switch yieldType.NumIn() {
	case 1:
		return func(yield func(any, error) bool) {
			fn.Call([]reflect.Value{reflect.MakeFunc(yieldType, func(args []reflect.Value) []reflect.Value {
				return []reflect.Value{reflect.ValueOf(yield(args[0].Interface(), nil))}
			})})
		}, true
	case 2:
		if yieldType.In(1) != errorType {
			return nil, false
		}
		return func(yield func(any, error) bool) {
			fn.Call([]reflect.Value{reflect.MakeFunc(yieldType, func(args []reflect.Value) []reflect.Value {
				return []reflect.Value{reflect.ValueOf(yield(args[0].Interface(), asError(args[1])))}
			})})
		}, true
	}
	return nil, false
}

func asError(v reflect.Value) error {
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil()) {
		return nil
	}
	err, _ := v.Interface().(error)
	return err
}
