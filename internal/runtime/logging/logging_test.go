package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	level  string
	msg    string
	fields map[string]any
	err    error
}

// sink collects records from every logger derived from the same root.
type sink struct {
	records []record
}

func (s *sink) add(level, msg string, err error, fields map[string]any) {
	s.records = append(s.records, record{level: level, msg: msg, fields: maps.Clone(fields), err: err})
}

// wmRecorder is a watermill.LoggerAdapter that keeps its With fields.
type wmRecorder struct {
	sink   *sink
	fields watermill.LogFields
}

func (r *wmRecorder) merged(fields watermill.LogFields) map[string]any {
	out := maps.Clone(map[string]any(r.fields))
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, fields)
	return out
}

func (r *wmRecorder) Error(msg string, err error, fields watermill.LogFields) {
	r.sink.add("error", msg, err, r.merged(fields))
}
func (r *wmRecorder) Info(msg string, fields watermill.LogFields) {
	r.sink.add("info", msg, nil, r.merged(fields))
}
func (r *wmRecorder) Debug(msg string, fields watermill.LogFields) {
	r.sink.add("debug", msg, nil, r.merged(fields))
}
func (r *wmRecorder) Trace(msg string, fields watermill.LogFields) {
	r.sink.add("trace", msg, nil, r.merged(fields))
}
func (r *wmRecorder) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &wmRecorder{sink: r.sink, fields: watermill.LogFields(r.merged(fields))}
}

// svcRecorder is a ServiceLogger that keeps its With fields.
type svcRecorder struct {
	sink   *sink
	fields LogFields
}

func (r *svcRecorder) With(fields LogFields) ServiceLogger {
	return &svcRecorder{sink: r.sink, fields: r.fields.Merge(fields)}
}
func (r *svcRecorder) Debug(msg string, fields LogFields) {
	r.sink.add("debug", msg, nil, r.fields.Merge(fields))
}
func (r *svcRecorder) Info(msg string, fields LogFields) {
	r.sink.add("info", msg, nil, r.fields.Merge(fields))
}
func (r *svcRecorder) Error(msg string, err error, fields LogFields) {
	r.sink.add("error", msg, err, r.fields.Merge(fields))
}
func (r *svcRecorder) Trace(msg string, fields LogFields) {
	r.sink.add("trace", msg, nil, r.fields.Merge(fields))
}

// entry mimics a logrus-style entry whose builders return the concrete type.
type entry struct {
	sink   *sink
	fields map[string]any
	err    error
}

func (e *entry) derive() *entry {
	return &entry{sink: e.sink, fields: maps.Clone(e.fields), err: e.err}
}

func (e *entry) log(level string, args ...any) {
	e.sink.add(level, fmt.Sprint(args...), e.err, e.fields)
}

func (e *entry) Error(args ...any) { e.log("error", args...) }
func (e *entry) Info(args ...any)  { e.log("info", args...) }
func (e *entry) Debug(args ...any) { e.log("debug", args...) }
func (e *entry) Trace(args ...any) { e.log("trace", args...) }

func (e *entry) WithError(err error) *entry {
	d := e.derive()
	d.err = err
	return d
}

func (e *entry) WithField(key string, value any) *entry {
	d := e.derive()
	if d.fields == nil {
		d.fields = map[string]any{}
	}
	d.fields[key] = value
	return d
}

func TestEntryServiceLogger(t *testing.T) {
	out := &sink{}
	logger := NewEntryServiceLogger(&entry{sink: out})

	logger.Info("connected", LogFields{FieldTopic: "requests"})
	scoped := logger.With(LogFields{FieldInstanceID: "inst-1"})
	scoped.Debug("reply routed", LogFields{FieldCorrelationID: "r1"})
	boom := errors.New("publish refused")
	scoped.Error("publish failed", boom, nil)
	scoped.Trace("tick", nil)
	assert.Equal(t, logger, logger.With(nil))

	require.Len(t, out.records, 4)
	assert.Equal(t, record{level: "info", msg: "connected", fields: map[string]any{FieldTopic: "requests"}}, out.records[0])
	assert.Equal(t, map[string]any{FieldInstanceID: "inst-1", FieldCorrelationID: "r1"}, out.records[1].fields)
	assert.Equal(t, "error", out.records[2].level)
	assert.Same(t, boom, out.records[2].err)
	assert.Equal(t, map[string]any{FieldInstanceID: "inst-1"}, out.records[3].fields)
}

func TestEntryServiceLoggerErrorWithoutCause(t *testing.T) {
	out := &sink{}
	NewEntryServiceLogger(&entry{sink: out}).Error("closing", nil, nil)

	require.Len(t, out.records, 1)
	assert.NoError(t, out.records[0].err)
}

func TestConstructorsRejectNil(t *testing.T) {
	assert.Panics(t, func() { NewEntryServiceLogger[*entry](nil) })
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillServiceLogger(t *testing.T) {
	out := &sink{}
	logger := NewWatermillServiceLogger(&wmRecorder{sink: out})

	logger.Debug("polling", LogFields{FieldSubscription: "replies-sub"})
	logger.With(LogFields{FieldPattern: "sum"}).Info("handled", nil)
	logger.Error("nack", errors.New("decode"), LogFields{FieldMessageID: "m1"})
	logger.Trace("idle", nil)

	require.Len(t, out.records, 4)
	assert.Equal(t, []string{"debug", "info", "error", "trace"}, levels(out))
	assert.Equal(t, map[string]any{FieldPattern: "sum"}, out.records[1].fields)
	assert.EqualError(t, out.records[2].err, "decode")
}

func TestWatermillAdapterRoundTrip(t *testing.T) {
	out := &sink{}
	adapter := NewWatermillAdapter(&svcRecorder{sink: out})

	adapter.Info("kafka connected", watermill.LogFields{"brokers": 3})
	adapter.With(watermill.LogFields{"topic": "replies"}).Debug("subscribed", nil)
	adapter.Error("consume failed", errors.New("rebalance"), nil)
	adapter.Trace("heartbeat", nil)

	require.Len(t, out.records, 4)
	assert.Equal(t, []string{"info", "debug", "error", "trace"}, levels(out))
	assert.Equal(t, 3, out.records[0].fields["brokers"])
	assert.Equal(t, "replies", out.records[1].fields["topic"])
}

func TestSlogServiceLoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.With(LogFields{FieldInstanceID: "inst-1"}).Info("Server listening", LogFields{FieldTopic: "requests"})
	logger.Error("reply publish failed", errors.New("topic missing"), nil)

	logged := buf.String()
	assert.Contains(t, logged, `"msg":"Server listening"`)
	assert.Contains(t, logged, `"instance_id":"inst-1"`)
	assert.Contains(t, logged, `"topic":"requests"`)
	assert.Contains(t, logged, "topic missing")
}

func TestNopServiceLoggerDiscards(t *testing.T) {
	logger := NewNopServiceLogger()
	assert.NotPanics(t, func() {
		logger.With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
	})
}

func TestFieldConversionsKeepNilForEmpty(t *testing.T) {
	assert.Nil(t, toWatermillFields(LogFields{}))
	assert.Nil(t, fromWatermillFields(nil))
	assert.Equal(t, LogFields{"a": 1}, fromWatermillFields(toWatermillFields(LogFields{"a": 1})))
}

func TestLogFieldsMerge(t *testing.T) {
	base := LogFields{"a": 1, "b": 2}
	merged := base.Merge(LogFields{"b": 3, "c": 4})

	assert.Equal(t, LogFields{"a": 1, "b": 3, "c": 4}, merged)
	assert.Equal(t, 2, base["b"])
	assert.Empty(t, LogFields(nil).Merge(nil))
}

func TestMessageFieldsSkipsEmptyValues(t *testing.T) {
	assert.Equal(t, LogFields{FieldPattern: "sum", FieldMessageID: "m1"}, MessageFields("sum", "", "m1"))
	assert.Empty(t, MessageFields("", "", ""))
}

func levels(s *sink) []string {
	out := make([]string, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.level)
	}
	return out
}
