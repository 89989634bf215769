package service

import "errors"

// Validation errors. They are returned before any upstream connection is
// attempted, so the caller can still produce a reply of its own.
var (
	// ErrMissingTarget is returned when a call names no target and no base is configured.
	ErrMissingTarget = errors.New("no target given and no base configured")

	// ErrInvalidTarget is returned for targets that are not http(s) URLs.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrStreamBody is returned when a body override is an io.Reader.
	ErrStreamBody = errors.New("body override must not be a stream")

	// ErrInvalidBody is returned when a structured body override cannot be encoded.
	ErrInvalidBody = errors.New("body override cannot be encoded")
)

// IsValidation reports whether err was raised while validating a forward
// call, as opposed to during the upstream exchange.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingTarget) ||
		errors.Is(err, ErrInvalidTarget) ||
		errors.Is(err, ErrStreamBody) ||
		errors.Is(err, ErrInvalidBody)
}
