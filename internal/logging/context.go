package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	dedupKeyKey
	clusterJobIDKey
)

// WithRunID returns a context with the orchestration run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithDedupKey returns a context with the job deduplication key set.
func WithDedupKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, dedupKeyKey, key)
}

// WithClusterJobID returns a context with the scheduler-assigned job ID set.
func WithClusterJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clusterJobIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// DedupKey extracts the dedup key from the context, or "" if absent.
func DedupKey(ctx context.Context) string {
	v, _ := ctx.Value(dedupKeyKey).(string)
	return v
}

// ClusterJobID extracts the scheduler job ID from the context, or "" if absent.
func ClusterJobID(ctx context.Context) string {
	v, _ := ctx.Value(clusterJobIDKey).(string)
	return v
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
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := DedupKey(ctx); v != "" {
		r.AddAttrs(slog.String("dedup_key", v))
	}
	if v := ClusterJobID(ctx); v != "" {
		r.AddAttrs(slog.String("cluster_job_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
