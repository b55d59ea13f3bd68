// Package log contains this module's logging related types, constants and functions.
//
// Every stateful type in the transport/auth/channel/sftp stack embeds
// [LoggerInjectable] so a caller can attach a single structured logger at
// the root and have it propagate to every subsystem without a global.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Null is a logger that discards everything. It is the default for any
// type embedding [LoggerInjectable] that never had a logger set.
var Null Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

var trace = sync.OnceValue(func() TraceLogger {
	return nullTrace{}
})

const (
	// KeyHost is the host name or address.
	KeyHost = "host"

	// KeyError is an error.
	KeyError = "error"

	// KeyBytes is the number of bytes.
	KeyBytes = "bytes"

	// KeyDuration is the duration of an operation.
	KeyDuration = "duration"

	// KeyFile is a file name.
	KeyFile = "file"

	// KeyProtocol is a network protocol or subsystem name, e.g. "ssh", "sftp".
	KeyProtocol = "protocol"

	// KeyComponent is a component name within the protocol stack, e.g. "kex", "auth".
	KeyComponent = "component"

	// KeyRequestID is an SFTP or SSH request identifier.
	KeyRequestID = "requestId"

	// KeyChannel is an SSH channel identifier.
	KeyChannel = "channel"

	// KeyMessage is an SSH or SFTP message type number.
	KeyMessage = "messageType"
)

// Logger is implemented by *slog.Logger and anything adaptable to it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// TraceLogger receives this module's most verbose internal diagnostics.
// Separate from [Logger] because trace logging is rarely wanted even when
// debug logging is.
type TraceLogger interface {
	Log(ctx context.Context, level slog.Level, msg string, keysAndValues ...any)
}

type nullTrace struct{}

func (nullTrace) Log(context.Context, slog.Level, string, ...any) {}

// SetTraceLogger installs a trace logger. Rare to need outside of developing
// this module itself.
func SetTraceLogger(l TraceLogger) {
	trace = sync.OnceValue(func() TraceLogger { return l })
}

// Trace emits a message to the current trace logger, if one has been set.
func Trace(ctx context.Context, msg string, keysAndValues ...any) {
	trace().Log(ctx, slog.LevelDebug, msg, keysAndValues...)
}

// ErrorAttr returns an error log attribute, safe to use with a nil error.
func ErrorAttr(err error) any {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

type withAttrs struct {
	logger Logger
	attrs  []any
}

func (w *withAttrs) kv(kv []any) []any { return append(append([]any{}, w.attrs...), kv...) }

func (w *withAttrs) Debug(msg string, kv ...any) { w.logger.Debug(msg, w.kv(kv)...) }
func (w *withAttrs) Info(msg string, kv ...any)  { w.logger.Info(msg, w.kv(kv)...) }
func (w *withAttrs) Warn(msg string, kv ...any)  { w.logger.Warn(msg, w.kv(kv)...) }
func (w *withAttrs) Error(msg string, kv ...any) { w.logger.Error(msg, w.kv(kv)...) }

// WithAttrs returns a logger that prepends the given attributes to every message.
func WithAttrs(logger Logger, attrs ...any) Logger {
	if logger == nil {
		return Null
	}
	return &withAttrs{logger: logger, attrs: attrs}
}

// LoggerInjectable is embedded in stateful types to give them a settable logger.
type LoggerInjectable struct {
	logger Logger
}

// Log is implemented by anything holding a [LoggerInjectable].
type Log interface {
	Log() Logger
}

type injectable interface {
	InjectLoggerTo(obj any, attrs ...any)
	SetLogger(logger Logger)
	Log() Logger
}

// InjectLogger sets the logger on obj if obj accepts one.
func InjectLogger(l Logger, obj any, attrs ...any) {
	o, ok := obj.(injectable)
	if !ok {
		Trace(context.Background(), "logger target is not injectable", "type", fmt.Sprintf("%T", obj))
		return
	}
	if len(attrs) > 0 {
		o.SetLogger(WithAttrs(l, attrs...))
	} else {
		o.SetLogger(l)
	}
}

// GetLogger returns obj's logger, or [Null] if it has none.
func GetLogger(obj any) Logger {
	if o, ok := obj.(Log); ok && o.Log() != nil {
		return o.Log()
	}
	return Null
}

// InjectLoggerTo propagates li's logger to obj, optionally adding attributes.
func (li *LoggerInjectable) InjectLoggerTo(obj any, attrs ...any) {
	if li.HasLogger() {
		InjectLogger(li.logger, obj, attrs...)
	}
}

// SetLogger sets the logger for the embedding object.
func (li *LoggerInjectable) SetLogger(logger Logger) {
	li.logger = logger
}

// HasLogger reports whether a non-null logger has been set.
func (li *LoggerInjectable) HasLogger() bool {
	return li.logger != nil && li.logger != Null
}

// Log returns the logger for the embedding object, or [Null].
func (li *LoggerInjectable) Log() Logger {
	if li.logger == nil {
		return Null
	}
	return li.logger
}

// LogWithAttrs returns the embedding object's logger with attrs prepended.
func (li *LoggerInjectable) LogWithAttrs(attrs ...any) Logger {
	return WithAttrs(li.Log(), attrs...)
}
