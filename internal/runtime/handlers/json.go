package handlers

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
)

// TypedHandler serves a request whose body decodes into T.
type TypedHandler[T any, O any] func(ctx context.Context, in T, req *Request) (O, error)

// TypedStreamHandler serves a request with a sequence of replies.
type TypedStreamHandler[T any, O any] func(ctx context.Context, in T, req *Request) iter.Seq2[O, error]

// TypedEventHandler consumes an event whose body decodes into T.
type TypedEventHandler[T any] func(ctx context.Context, in T, req *Request) error

// Typed converts a typed handler into a HandlerFunc. T may be a value or a
// pointer type; pointers are allocated fresh for every request.
func Typed[T any, O any](handler TypedHandler[T, O]) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode := decoderFor[T]()
	return func(ctx context.Context, req *Request) (any, error) {
		in, err := decode(req)
		if err != nil {
			return nil, err
		}
		return handler(ctx, in, req)
	}, nil
}

// TypedStream converts a streaming handler into a HandlerFunc.
func TypedStream[T any, O any](handler TypedStreamHandler[T, O]) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode := decoderFor[T]()
	return func(ctx context.Context, req *Request) (any, error) {
		in, err := decode(req)
		if err != nil {
			return nil, err
		}
		seq := handler(ctx, in, req)
		if seq == nil {
			return Values(), nil
		}
		return iter.Seq2[any, error](func(yield func(any, error) bool) {
			for v, err := range seq {
				if !yield(v, err) || err != nil {
					return
				}
			}
		}), nil
	}, nil
}

// TypedEvent converts a typed event handler into a HandlerFunc.
func TypedEvent[T any](handler TypedEventHandler[T]) (HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode := decoderFor[T]()
	return func(ctx context.Context, req *Request) (any, error) {
		in, err := decode(req)
		if err != nil {
			return nil, err
		}
		return nil, handler(ctx, in, req)
	}, nil
}

func decoderFor[T any]() func(*Request) (T, error) {
	factory := prototypeFactory[T]()
	return func(req *Request) (T, error) {
		target, result := factory()
		if err := req.Decode(target); err != nil {
			var zero T
			return zero, fmt.Errorf("%w: decode %T payload: %v", errspkg.ErrMalformedMessage, zero, err)
		}
		return result(), nil
	}
}

// prototypeFactory returns a constructor for a fresh decode target and an
// accessor for the decoded T.
func prototypeFactory[T any]() func() (any, func() T) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Ptr {
		elem := typ.Elem()
		return func() (any, func() T) {
			ptr := reflect.New(elem).Interface()
			return ptr, func() T { return ptr.(T) }
		}
	}
	return func() (any, func() T) {
		value := new(T)
		return value, func() T { return *value }
	}
}
