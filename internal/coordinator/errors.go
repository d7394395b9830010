package coordinator

import "errors"

var (
	// ErrRateLimited is retryable; the caller should back off a window.
	ErrRateLimited = errors.New("message rate limit exceeded")

	// ErrTargetNotConnected means the relay target connection ID does not
	// resolve to a live connection.
	ErrTargetNotConnected = errors.New("target connection not found")
)
