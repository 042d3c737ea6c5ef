package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/glyph-api/internal/redact"
	"github.com/phrazzld/glyph-api/internal/translation"
	"google.golang.org/genai"
)

// classify maps an error from the genai SDK onto the translation error
// classes. The upstream message is redacted because it can echo the key.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", translation.ErrTransient, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", translation.ErrTransient, ctx.Err())
	}

	apiErr, ok := asAPIError(err)
	if !ok {
		// Network failures and anything else unrecognised are worth a retry
		return fmt.Errorf("%w: %s", translation.ErrTransient, redact.Error(err))
	}

	msg := redact.String(apiErr.Message)
	status := strings.ToUpper(apiErr.Status)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		return fmt.Errorf("%w: %s", translation.ErrQuota, msg)
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden,
		status == "UNAUTHENTICATED" || status == "PERMISSION_DENIED",
		apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
		return fmt.Errorf("%w: %s", translation.ErrInvalidCredential, msg)
	case apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %d %s", translation.ErrTransient, apiErr.Code, msg)
	default:
		return fmt.Errorf("%w: %d %s", translation.ErrPermanent, apiErr.Code, msg)
	}
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}
