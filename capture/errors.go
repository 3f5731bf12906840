package capture

import (
	"errors"
	"strings"
)

// Sentinel errors returned by Start.
var (
	// ErrAlreadyRunning indicates an active capture job exists for the streamer.
	ErrAlreadyRunning = errors.New("capture already running for streamer")
	// ErrCoolingDown indicates a capture completed recently and restarts are
	// suppressed for the cooldown window.
	ErrCoolingDown = errors.New("capture in post-completion cooldown")
)

// ErrorClass represents whether a capture failure should be retried.
type ErrorClass int

const (
	// ErrorClassRetryable indicates the attempt should be retried (transient errors).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates retrying cannot succeed (permanent errors).
	ErrorClassFatal
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	if ec == ErrorClassFatal {
		return "fatal"
	}
	return "retryable"
}

// ClassifyCaptureError classifies capture process failures.
//
// Fatal errors (non-retryable):
// - Authentication/authorization errors (subscriber-only, 401/403)
// - Invalid input (unknown quality, unsupported URL)
// - Missing capture binary
//
// Retryable errors (transient):
// - Network errors (connection reset, timeout, DNS failures)
// - Server errors (500, 502, 503, 504)
// - Rate limiting (429)
// - Segment/playlist errors mid-stream
//
// Unmatched errors are treated as retryable so a flaky stream edge does not
// end a recording prematurely.
func ClassifyCaptureError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRetryable
	}
	lower := strings.ToLower(err.Error())

	// Retryable server errors first, before generic patterns.
	if strings.Contains(lower, "500") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "504") ||
		strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "bad gateway") ||
		strings.Contains(lower, "service unavailable") ||
		strings.Contains(lower, "gateway timeout") {
		return ErrorClassRetryable
	}

	authPatterns := []string{
		"subscriber-only",
		"only available to subscribers",
		"login required",
		"authentication required",
		"401",
		"403",
		"access denied",
		"unauthorized",
		"forbidden",
	}
	for _, pattern := range authPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	invalidInputPatterns := []string{
		"executable file not found",
		"no such file or directory",
		"unsupported url",
		"invalid url",
		"is not a valid stream quality",
	}
	for _, pattern := range invalidInputPatterns {
		if strings.Contains(lower, pattern) {
			return ErrorClassFatal
		}
	}

	return ErrorClassRetryable
}

// IsFatalError checks if a capture failure should not be retried.
func IsFatalError(err error) bool {
	return ClassifyCaptureError(err) == ErrorClassFatal
}
