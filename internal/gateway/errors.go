package gateway

import "errors"

// Domain-specific errors for the connection gateway.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAuthRejected is returned when the identity backend refuses the credentials.
	ErrAuthRejected = errors.New("gateway: authentication rejected")

	// ErrAuthBackendUnavailable is returned when the identity backend cannot be
	// reached, answers with a non-200 status, or returns a malformed body.
	ErrAuthBackendUnavailable = errors.New("gateway: identity backend unavailable")

	// ErrAuthTimeout is returned when a pending device outlives its grace window.
	ErrAuthTimeout = errors.New("gateway: authentication grace period expired")

	// ErrMissingCredentials is returned when a pending device sends something
	// other than a complete credential frame.
	ErrMissingCredentials = errors.New("gateway: missing credentials")

	// ErrAuthInternal is returned when authentication fails for a reason that
	// is neither the device's nor the backend's fault.
	ErrAuthInternal = errors.New("gateway: internal authentication error")

	// ErrDeadTarget is returned when a write to a registered session fails.
	// The session has already been evicted when this is returned.
	ErrDeadTarget = errors.New("gateway: target transport is dead")

	// ErrUnknownTarget is returned when no device is registered under the identity.
	ErrUnknownTarget = errors.New("gateway: target not connected")

	// ErrSessionClosed is returned when writing to a session that was closed.
	ErrSessionClosed = errors.New("gateway: session closed")

	// ErrNotPending is returned when an authentication step is attempted on a
	// session that is no longer awaiting credentials.
	ErrNotPending = errors.New("gateway: session is not awaiting credentials")

	// ErrInvalidIdentity is returned when admitting a session under an empty key.
	ErrInvalidIdentity = errors.New("gateway: identity cannot be empty")

	// ErrInvalidCommand is returned for controller commands without a command string.
	ErrInvalidCommand = errors.New("gateway: command is required")
)

// WebSocket close codes sent to devices and observers.
const (
	CloseNormal             = 1000
	CloseGoingAway          = 1001
	CloseInternalError      = 1011
	CloseMissingCredentials = 4000
	CloseBackendUnavailable = 4001
	CloseAuthRejected       = 4002
	CloseAuthTimeout        = 4003
)

// ReasonTimeout is the close reason and REJECTED reason for a device that
// never authenticated.
const ReasonTimeout = "timeout"
