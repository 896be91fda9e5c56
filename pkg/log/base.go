package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

func (l *BaseLogger) derive(extra Fields) *BaseLogger {
	nl := &BaseLogger{
		level:     l.level,
		fields:    make(Fields, len(l.fields)+len(extra)),
		formatter: l.formatter,
		outputs:   l.outputs,
		redact:    l.redact,
		sampler:   l.sampler,
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range extra {
		nl.fields[k] = v
	}
	nl.slogLogger = slog.New(nl.handler())
	return nl
}

func (l *BaseLogger) handler() slog.Handler {
	h := newBridgeHandler(l).withRedactions(l.redact)
	h.sampler = l.sampler
	return h.WithAttrs(attrsFromMap(l.fields))
}

func (l *BaseLogger) emit(level Level, msg string, attrs []slog.Attr) {
	if l.level > level {
		return
	}
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

// Debug logs at debug level.
func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.emit(DebugLevel, msg, attrsFromFieldSlice(fields))
}

// Info logs at info level.
func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.emit(InfoLevel, msg, attrsFromFieldSlice(fields))
}

// Warn logs at warn level.
func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.emit(WarnLevel, msg, attrsFromFieldSlice(fields))
}

// Error logs at error level.
func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.emit(ErrorLevel, msg, attrsFromFieldSlice(fields))
}

// Fatal logs at fatal level and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.emit(FatalLevel, msg, attrsFromFieldSlice(fields))
	l.closeOutputs()
	os.Exit(1)
}

// Debugf logs with key/value pairs at debug level.
func (l *BaseLogger) Debugf(msg string, args ...interface{}) {
	l.emit(DebugLevel, msg, argsToAttrs(args))
}

// Infof logs with key/value pairs at info level.
func (l *BaseLogger) Infof(msg string, args ...interface{}) {
	l.emit(InfoLevel, msg, argsToAttrs(args))
}

// Warnf logs with key/value pairs at warn level.
func (l *BaseLogger) Warnf(msg string, args ...interface{}) {
	l.emit(WarnLevel, msg, argsToAttrs(args))
}

// Errorf logs with key/value pairs at error level.
func (l *BaseLogger) Errorf(msg string, args ...interface{}) {
	l.emit(ErrorLevel, msg, argsToAttrs(args))
}

// Fatalf logs with key/value pairs at fatal level and exits the process.
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) {
	l.emit(FatalLevel, msg, argsToAttrs(args))
	l.closeOutputs()
	os.Exit(1)
}

// WithField returns a child logger carrying key=value.
func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.derive(Fields{key: value})
}

// WithFields returns a child logger carrying all fields.
func (l *BaseLogger) WithFields(fields Fields) Logger {
	return l.derive(fields)
}

// WithError returns a child logger carrying the error text.
func (l *BaseLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.derive(Fields{"error": err.Error()})
}

// With returns a child logger carrying the given fields.
func (l *BaseLogger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	extra := make(Fields, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.derive(extra)
}

// WithContext returns a child logger carrying request-scoped values from ctx.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	extra := ContextExtractor(ctx)
	if len(extra) == 0 {
		return l
	}
	return l.derive(extra)
}

// WithComponent tags logs with a component name.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.derive(Fields{ComponentKey: component})
}

// SetLevel sets the minimum log level.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the current minimum log level.
func (l *BaseLogger) GetLevel() Level { return l.level }

func (l *BaseLogger) closeOutputs() {
	for _, o := range l.outputs {
		_ = o.Close()
	}
}

// ParseLevel converts a textual level ("debug", "INFO", "warning", ...) to a Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DebugLevel, nil
	case "", "info", "INFO":
		return InfoLevel, nil
	case "warn", "WARN", "warning", "WARNING":
		return WarnLevel, nil
	case "error", "ERROR":
		return ErrorLevel, nil
	case "fatal", "FATAL":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// WithContextRequestID stores a request id on ctx for WithContext to pick up.
func WithContextRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
