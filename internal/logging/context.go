package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	tenantIDKey ctxKey = iota
	workflowIDKey
	runIDKey
	actionIDKey
)

// correlationKeys lists the context keys and the attribute each one becomes,
// in the order they are emitted.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{tenantIDKey, "tenant_id"},
	{workflowIDKey, "workflow_id"},
	{runIDKey, "run_id"},
	{actionIDKey, "action_id"},
}

// WithTenantID returns a context with the tenant ID set.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// WithWorkflowID returns a context with the workflow ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithActionID returns a context with the action ID set.
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// TenantID extracts the tenant ID from the context, or "" if absent.
func TenantID(ctx context.Context) string { return value(ctx, tenantIDKey) }

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string { return value(ctx, runIDKey) }

// ActionID extracts the action ID from the context, or "" if absent.
func ActionID(ctx context.Context) string { return value(ctx, actionIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithRun sets the tenant, workflow and run IDs on the context at once.
func WithRun(ctx context.Context, tenantID, workflowID, runID string) context.Context {
	ctx = WithTenantID(ctx, tenantID)
	ctx = WithWorkflowID(ctx, workflowID)
	return WithRunID(ctx, runID)
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, ck := range correlationKeys {
		if v := value(ctx, ck.key); v != "" {
			attrs = append(attrs, slog.String(ck.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// New builds a correlation-aware logger. format is "json" or "text";
// level is one of debug, info, warn, error (default info).
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "json") {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps a level name to an slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
