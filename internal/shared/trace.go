package shared

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}
type actorKey struct{}
type parentEventKey struct{}

// WithCorrelationID attaches a correlation_id to the context. All activity
// events, tasks, and checkpoints created under it thread the same id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationID extracts correlation_id from context. Returns "" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok {
		return v
	}
	return ""
}

// EnsureCorrelationID returns the context's correlation id, minting a new
// one and attaching it when absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// NewCorrelationID generates a new correlation_id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithActor attaches the acting identity (operator login or "system").
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor extracts the acting identity from context. Returns "" if absent.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// WithParentEventID attaches the causal parent activity event id.
func WithParentEventID(ctx context.Context, eventID int64) context.Context {
	return context.WithValue(ctx, parentEventKey{}, eventID)
}

// ParentEventID extracts the causal parent event id (0 if absent).
func ParentEventID(ctx context.Context) int64 {
	if v, ok := ctx.Value(parentEventKey{}).(int64); ok {
		return v
	}
	return 0
}

// SystemActor is the identity recorded for automatic mutations, such as an
// error-rate auto-disable. Everything else is an explicit human action.
const SystemActor = "system"
