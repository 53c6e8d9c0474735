package logging

import (
	"maps"
	"reflect"
	"slices"
)

// EntryLoggerAdapter is the subset of an entry-style logger (a logrus.Entry,
// for one) that NewEntryServiceLogger uses. T is the logger's own type, so
// loggers whose builders return a concrete type need no wrapper.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewEntryServiceLogger wraps an entry-style logger. Fields are applied in key
// order.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if isNilValue(entry) {
		panic("flowrpc: entry logger cannot be nil")
	}
	return entryLogger[T]{entry}
}

type entryLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (l entryLogger[T]) with(fields LogFields) T {
	e := l.entry
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		e = e.WithField(k, fields[k])
	}
	return e
}

func (l entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return entryLogger[T]{l.with(fields)}
}

func (l entryLogger[T]) Debug(msg string, fields LogFields) { l.with(fields).Debug(msg) }
func (l entryLogger[T]) Info(msg string, fields LogFields)  { l.with(fields).Info(msg) }
func (l entryLogger[T]) Trace(msg string, fields LogFields) { l.with(fields).Trace(msg) }

func (l entryLogger[T]) Error(msg string, err error, fields LogFields) {
	e := l.with(fields)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(msg)
}

func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
