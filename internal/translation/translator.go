package translation

import (
	"context"
	"log/slog"
)

// Request is one image translation call.
type Request struct {
	// Image is the raw image payload
	Image []byte

	// MIMEType is the sniffed content type of Image
	MIMEType string

	// Language is the display name of the target language, e.g. "Vietnamese"
	Language string

	// APIKey is the credential selected for this call
	APIKey string

	// IdempotencyKey identifies the job ("taskID/index") so repeated calls
	// for the same job can be correlated in logs and labels
	IdempotencyKey string
}

// LogValue keeps the payload and the API key out of logs.
func (r Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("mime_type", r.MIMEType),
		slog.String("language", r.Language),
		slog.Int("image_bytes", len(r.Image)),
		slog.String("idempotency_key", r.IdempotencyKey),
	)
}

// Result is a successful translation.
type Result struct {
	Text       string
	TokensUsed int
}

// Translator translates the text found in an image.
type Translator interface {
	// Translate performs a single bounded call. Errors wrap ErrTransient or
	// ErrPermanent so callers can decide whether to retry.
	Translate(ctx context.Context, req Request) (Result, error)
}
