package logging

import "github.com/ThreeDotsLabs/watermill"

// NewWatermillServiceLogger logs through a watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("flowrpc: watermill logger cannot be nil")
	}
	return fromWatermill{logger}
}

// NewWatermillAdapter goes the other way: transports built on watermill log
// through log.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("flowrpc: ServiceLogger cannot be nil")
	}
	return toWatermill{log}
}

type fromWatermill struct {
	watermill.LoggerAdapter
}

func (l fromWatermill) With(fields LogFields) ServiceLogger {
	return fromWatermill{l.LoggerAdapter.With(toWatermillFields(fields))}
}

func (l fromWatermill) Debug(msg string, fields LogFields) {
	l.LoggerAdapter.Debug(msg, toWatermillFields(fields))
}

func (l fromWatermill) Info(msg string, fields LogFields) {
	l.LoggerAdapter.Info(msg, toWatermillFields(fields))
}

func (l fromWatermill) Error(msg string, err error, fields LogFields) {
	l.LoggerAdapter.Error(msg, err, toWatermillFields(fields))
}

func (l fromWatermill) Trace(msg string, fields LogFields) {
	l.LoggerAdapter.Trace(msg, toWatermillFields(fields))
}

type toWatermill struct {
	ServiceLogger
}

func (l toWatermill) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return toWatermill{l.ServiceLogger.With(fromWatermillFields(fields))}
}

func (l toWatermill) Debug(msg string, fields watermill.LogFields) {
	l.ServiceLogger.Debug(msg, fromWatermillFields(fields))
}

func (l toWatermill) Info(msg string, fields watermill.LogFields) {
	l.ServiceLogger.Info(msg, fromWatermillFields(fields))
}

func (l toWatermill) Error(msg string, err error, fields watermill.LogFields) {
	l.ServiceLogger.Error(msg, err, fromWatermillFields(fields))
}

func (l toWatermill) Trace(msg string, fields watermill.LogFields) {
	l.ServiceLogger.Trace(msg, fromWatermillFields(fields))
}

// The two field types share a representation; empty sets become nil.
func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
