package logger

import (
	"context"
	"log/slog"
	"os"
)

// InstanceHandler is a slog.Handler that stamps every record with the
// identity of the running process, so logs from several instances sharing a
// coordination store can be told apart.
type InstanceHandler struct {
	// The underlying handler (usually JSON)
	handler slog.Handler
	// Metadata added to every log record
	metadata []slog.Attr
}

// NewInstanceHandler wraps handler, adding instance_id and hostname to each record.
func NewInstanceHandler(handler slog.Handler, instanceID string) *InstanceHandler {
	metadata := make([]slog.Attr, 0, 2)
	if instanceID != "" {
		metadata = append(metadata, slog.String("instance_id", instanceID))
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		metadata = append(metadata, slog.String("hostname", host))
	}

	return &InstanceHandler{
		handler:  handler,
		metadata: metadata,
	}
}

// Enabled implements the slog.Handler interface.
func (h *InstanceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// WithAttrs implements the slog.Handler interface.
func (h *InstanceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &InstanceHandler{
		handler:  h.handler.WithAttrs(attrs),
		metadata: h.metadata,
	}
}

// WithGroup implements the slog.Handler interface.
func (h *InstanceHandler) WithGroup(name string) slog.Handler {
	return &InstanceHandler{
		handler:  h.handler.WithGroup(name),
		metadata: h.metadata,
	}
}

// Handle implements the slog.Handler interface.
func (h *InstanceHandler) Handle(ctx context.Context, record slog.Record) error {
	if len(h.metadata) == 0 {
		return h.handler.Handle(ctx, record)
	}

	// Clone the record to avoid modifying the original
	enhanced := record.Clone()
	enhanced.AddAttrs(h.metadata...)

	return h.handler.Handle(ctx, enhanced)
}
