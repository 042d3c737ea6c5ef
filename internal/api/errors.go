package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/phrazzld/glyph-api/internal/api/shared"
	"github.com/phrazzld/glyph-api/internal/coord"
	"github.com/phrazzld/glyph-api/internal/poll"
	"github.com/phrazzld/glyph-api/internal/task"
)

var (
	// ErrValidation marks a request rejected before any task is created.
	ErrValidation = errors.New("validation failed")

	// ErrTooLarge marks an upload over the per-file or total size limit.
	ErrTooLarge = fmt.Errorf("%w: payload too large", ErrValidation)
)

// validationError carries a client-safe message.
type validationError struct {
	msg string
	err error
}

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return e.err }

func invalid(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...), err: ErrValidation}
}

func tooLarge(format string, args ...interface{}) error {
	return &validationError{msg: fmt.Sprintf(format, args...), err: ErrTooLarge}
}

// MapErrorToStatusCode maps domain errors to HTTP status codes.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge

	case errors.Is(err, ErrValidation),
		errors.Is(err, task.ErrNoImages),
		errors.Is(err, poll.ErrInvalidFingerprint):
		return http.StatusBadRequest

	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound

	case errors.Is(err, coord.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a message that is safe to show clients.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var verr *validationError
	if errors.As(err, &verr) {
		return verr.msg
	}

	switch {
	case errors.Is(err, task.ErrNoImages):
		return "No file(s) provided"
	case errors.Is(err, poll.ErrInvalidFingerprint):
		return "Invalid since parameter"
	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, coord.ErrUnavailable):
		return "Service temporarily unavailable"
	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the mapped status and safe message for err. A
// non-empty fallback replaces the generic message of unmapped errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := MapErrorToStatusCode(err)
	msg := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && fallback != "" {
		msg = fallback
	}

	var opts []shared.ResponseOption
	if status == http.StatusServiceUnavailable {
		opts = append(opts, shared.WithHeader("Retry-After", "5"))
	}
	shared.RespondWithErrorAndLog(w, r, status, msg, err, opts...)
}
