// Package logging provides structured, context-aware logging for the gateway.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys carrying log fields.
type ContextKey string

const (
	TraceIDKey     ContextKey = "trace_id"
	AgentIDKey     ContextKey = "agent_id"
	ExecutionIDKey ContextKey = "execution_id"
)

// Logger wraps logrus.Logger with the fields every AEX component needs.
type Logger struct {
	*logrus.Logger
	service string
}

// New builds a Logger for service at the given level ("debug", "info", ...)
// and format ("json" or "text").
func New(service, level, format string) *Logger {
	base := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if format == "text" {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, service: service}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext returns an entry carrying the service name plus any trace,
// agent, or execution ID found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if v, ok := ctx.Value(TraceIDKey).(string); ok && v != "" {
		entry = entry.WithField("trace_id", v)
	}
	if v, ok := ctx.Value(AgentIDKey).(string); ok && v != "" {
		entry = entry.WithField("agent_id", v)
	}
	if v, ok := ctx.Value(ExecutionIDKey).(string); ok && v != "" {
		entry = entry.WithField("execution_id", v)
	}
	return entry
}

// WithFields returns an entry with the service name plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError returns an entry with the service name and err attached.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// WithTraceID attaches traceID to ctx for later retrieval by WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithAgentID attaches agentID to ctx.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithExecutionID attaches executionID to ctx.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// TraceIDFromContext returns the trace ID stored in ctx, if any.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// NewTraceID generates a fresh trace ID for a request that arrived without
// one.
func NewTraceID() string {
	return uuid.NewString()
}

// LogRequest logs one completed HTTP request at info level.
func (l *Logger) LogRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status_code": statusCode,
		"duration_ms": duration.Milliseconds(),
	}).Info("http request handled")
}
