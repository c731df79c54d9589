package auth

import "errors"

var (
	// ErrTokenInvalid is returned for any token that fails validation.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrMissingSource is returned when minting a token without a source name.
	ErrMissingSource = errors.New("controller source is required")
)
