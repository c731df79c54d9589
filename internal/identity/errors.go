package identity

import "errors"

var (
	// ErrNotConfigured is returned by New when no backend URL is set.
	ErrNotConfigured = errors.New("identity: backend url not configured")

	// ErrRequestFailed wraps transport-level failures.
	ErrRequestFailed = errors.New("identity: request failed")

	// ErrUnexpectedStatus is returned for any non-200 response.
	ErrUnexpectedStatus = errors.New("identity: unexpected status")

	// ErrMalformedResponse is returned when the body cannot be understood.
	ErrMalformedResponse = errors.New("identity: malformed response")
)
