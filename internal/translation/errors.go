package translation

import (
	"errors"
	"fmt"
)

// Error classes. Every error returned by a Translator wraps exactly one of
// ErrTransient or ErrPermanent.
var (
	// ErrTransient marks failures that may succeed on retry, such as timeouts
	// and 5xx responses
	ErrTransient = errors.New("transient translation failure")

	// ErrPermanent marks failures that will not succeed on retry, such as a
	// rejected payload
	ErrPermanent = errors.New("permanent translation failure")

	// ErrQuota is a transient failure caused by the credential running out of
	// quota
	ErrQuota = fmt.Errorf("%w: quota exceeded", ErrTransient)

	// ErrInvalidCredential is a permanent failure caused by a rejected API key
	ErrInvalidCredential = fmt.Errorf("%w: invalid credential", ErrPermanent)

	// ErrContentBlocked is returned when the service refuses the image on
	// safety grounds
	ErrContentBlocked = fmt.Errorf("%w: content blocked", ErrPermanent)

	// ErrEmptyResponse is returned when the service answers without text
	ErrEmptyResponse = fmt.Errorf("%w: empty response", ErrTransient)
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
