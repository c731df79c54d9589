package upstream

import "errors"

var (
	// ErrDisabled is returned by New when upstream callbacks are disabled.
	ErrDisabled = errors.New("upstream: callbacks disabled")

	// ErrNotConfigured is returned by New when enabled without a URL.
	ErrNotConfigured = errors.New("upstream: callback url not configured")

	// ErrDeliveryFailed wraps the final error after retries are exhausted.
	ErrDeliveryFailed = errors.New("upstream: delivery failed")
)
