package logging

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
)

// LevelTrace sits below slog.LevelDebug, where watermill's slog adapter puts trace lines.
const LevelTrace = slog.LevelDebug - 4

// LogFields represents structured logging key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by the broker manager,
// publisher, workers and handlers. Its shape matches watermill's
// LoggerAdapter so either side can be adapted to the other.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// Component tags every line of logger with the component emitting it.
func Component(logger ServiceLogger, name string) ServiceLogger {
	return logger.With(LogFields{"component": name})
}

// NewSlogServiceLogger writes through log. Fields are emitted in key order.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("pipeline: slog logger cannot be nil")
	}
	return &slogServiceLogger{log: log}
}

// NewDiscardServiceLogger returns a ServiceLogger that drops every entry.
func NewDiscardServiceLogger() ServiceLogger {
	return &slogServiceLogger{log: slog.New(slog.DiscardHandler)}
}

type slogServiceLogger struct {
	log *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	attrs := fieldAttrs(fields)
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return &slogServiceLogger{log: s.log.With(args...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.emit(slog.LevelDebug, msg, fieldAttrs(fields))
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.emit(slog.LevelInfo, msg, fieldAttrs(fields))
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	attrs := fieldAttrs(fields)
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	s.emit(slog.LevelError, msg, attrs)
}

func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.emit(LevelTrace, msg, fieldAttrs(fields))
}

func (s *slogServiceLogger) emit(level slog.Level, msg string, attrs []slog.Attr) {
	ctx := context.Background()
	if !s.log.Enabled(ctx, level) {
		return
	}
	s.log.LogAttrs(ctx, level, msg, attrs...)
}

func fieldAttrs(fields LogFields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys)+1)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	return attrs
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("pipeline: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	return &watermillServiceLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, watermill.LogFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, watermill.LogFields(fields))
}

// NewWatermillAdapter exposes a ServiceLogger to code that expects watermill's
// LoggerAdapter.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("pipeline: ServiceLogger cannot be nil")
	}
	return watermillAdapter{base: log}
}

type watermillAdapter struct {
	base ServiceLogger
}

func (a watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, LogFields(fields))
}

func (a watermillAdapter) Info(msg string, fields watermill.LogFields) {
	a.base.Info(msg, LogFields(fields))
}

func (a watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	a.base.Debug(msg, LogFields(fields))
}

func (a watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	a.base.Trace(msg, LogFields(fields))
}

func (a watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillAdapter{base: a.base.With(LogFields(fields))}
}
