package credential

import "errors"

var (
	// ErrQuotaExhausted is returned when every credential is over quota,
	// cooling down or disabled.
	ErrQuotaExhausted = errors.New("all credentials exhausted")

	// ErrNoCredentials is returned when the key file holds no usable keys.
	ErrNoCredentials = errors.New("no credentials configured")

	// ErrUnknownCredential is returned when an outcome names an unknown key.
	ErrUnknownCredential = errors.New("unknown credential")
)
