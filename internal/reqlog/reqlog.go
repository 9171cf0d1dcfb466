// Package reqlog attaches a per-connection correlation id to a context and
// derives structured loggers from it, the way every inbound request is
// logged end to end without threading an id parameter through every call.
package reqlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type ctxKey struct{}

var idCtxKey = ctxKey{}

// New mints a fresh correlation id for an accepted connection.
func New() string {
	return uuid.NewString()
}

// WithID attaches a correlation id to ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idCtxKey, id)
}

// FromContext extracts the correlation id, if any.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idCtxKey).(string)
	return id, ok
}

// EnsureID returns ctx unchanged if it already carries an id, or a child
// context carrying a freshly minted one.
func EnsureID(ctx context.Context) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	id := New()
	return WithID(ctx, id), id
}

// Logger returns a slog.Logger tagged with ctx's correlation id, falling
// back to the process-wide default logger when ctx carries none.
func Logger(ctx context.Context) *slog.Logger {
	id, ok := FromContext(ctx)
	if !ok {
		return slog.Default()
	}
	return slog.Default().With("request_id", id)
}

// Span times a single named operation (one RPC dispatch, one ASR call) for
// structured logging; it carries no parent/child relationship since a
// daemon connection handles exactly one request at a time.
type Span struct {
	Name      string
	RequestID string
	start     time.Time
	end       time.Time
}

// StartSpan begins timing name, tagging it with ctx's correlation id.
func StartSpan(ctx context.Context, name string) *Span {
	id, _ := FromContext(ctx)
	return &Span{Name: name, RequestID: id, start: time.Now()}
}

// End marks the span complete.
func (s *Span) End() {
	s.end = time.Now()
}

// Duration returns the span's elapsed time, or zero if still open.
func (s *Span) Duration() time.Duration {
	if s.end.IsZero() {
		return 0
	}
	return s.end.Sub(s.start)
}

// LogValue implements slog.LogValuer for structured logging.
func (s *Span) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("span", s.Name),
		slog.String("request_id", s.RequestID),
		slog.Duration("duration", s.Duration()),
	)
}
