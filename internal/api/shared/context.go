package shared

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type of request-scoped context keys set by the API layer.
type ContextKey string

const (
	// TraceIDKey holds the request's trace ID.
	TraceIDKey ContextKey = "traceID"

	// TraceIDHeader carries the trace ID in and out of the service.
	TraceIDHeader = "X-Request-ID"

	maxTraceIDLength = 128
)

// SetTraceID attaches id to ctx, generating a new one when id is empty or
// unreasonably long.
func SetTraceID(ctx context.Context, id string) context.Context {
	if id == "" || len(id) > maxTraceIDLength {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID returns the trace ID in ctx, or "" if none is set.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}
