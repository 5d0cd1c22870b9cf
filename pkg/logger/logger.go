// Package logger is the structured logger shared by the studio packages. Request-scoped
// identifiers travel in the context and WithContext stamps them on every line.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Fields are extra key/value pairs attached to a single line.
type Fields map[string]interface{}

type ctxKey int

const (
	traceIDKey ctxKey = iota
	spanIDKey
	userIDKey
	requestIDKey
)

// contextFields lists the context values WithContext copies, in output order.
var contextFields = []struct {
	key   ctxKey
	field string
	keep  bool // emit even when empty
}{
	{traceIDKey, "traceID", true},
	{spanIDKey, "spanID", true},
	{requestIDKey, "requestID", false},
	{userIDKey, "userID", false},
}

func init() {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.DurationFieldUnit = time.Millisecond
}

type Logger struct {
	zl zerolog.Logger
}

// New writes JSON lines tagged with the service name. A nil w means stdout.
func New(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{zl: zerolog.New(w).With().Timestamp().Str("service", service).Logger()}
}

// NewConsole writes colored, human-readable lines for local runs.
func NewConsole(service string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return New(service, zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly})
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetLevel returns a logger filtered at level ("debug", "info", ...). Unknown names keep the
// current level.
func (l *Logger) SetLevel(level string) *Logger {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return l
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return l
	}
	return &Logger{zl: l.zl.Level(lvl)}
}

func (l *Logger) WithContext(ctx context.Context) *Logger {
	b := l.zl.With()
	for _, f := range contextFields {
		if v := stringFromContext(ctx, f.key); v != "" || f.keep {
			b = b.Str(f.field, v)
		}
	}
	return &Logger{zl: b.Logger()}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

func (l *Logger) Debug(msg string) { l.emit(l.zl.Debug(), msg, nil) }
func (l *Logger) Info(msg string)  { l.emit(l.zl.Info(), msg, nil) }
func (l *Logger) Warn(msg string)  { l.emit(l.zl.Warn(), msg, nil) }
func (l *Logger) Error(msg string) { l.emit(l.zl.Error(), msg, nil) }

func (l *Logger) Debugf(msg string, fields Fields) { l.emit(l.zl.Debug(), msg, fields) }
func (l *Logger) Infof(msg string, fields Fields)  { l.emit(l.zl.Info(), msg, fields) }
func (l *Logger) Warnf(msg string, fields Fields)  { l.emit(l.zl.Warn(), msg, fields) }
func (l *Logger) Errorf(msg string, fields Fields) { l.emit(l.zl.Error(), msg, fields) }

func (l *Logger) emit(e *zerolog.Event, msg string, fields Fields) {
	if e == nil {
		return
	}
	for k, v := range fields {
		if d, ok := v.(time.Duration); ok {
			e = e.Dur(k, d)
			continue
		}
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func ContextWithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func TraceIDFromContext(ctx context.Context) string   { return stringFromContext(ctx, traceIDKey) }
func SpanIDFromContext(ctx context.Context) string    { return stringFromContext(ctx, spanIDKey) }
func UserIDFromContext(ctx context.Context) string    { return stringFromContext(ctx, userIDKey) }
func RequestIDFromContext(ctx context.Context) string { return stringFromContext(ctx, requestIDKey) }

func stringFromContext(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
