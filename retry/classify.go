package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"strings"
)

// Recoverable marks errors that know whether retrying may help.
type Recoverable interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether an operation that failed with err is worth
// retrying. Errors implementing Recoverable decide for themselves; for
// everything else heuristics over common error types and messages apply.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var recoverable Recoverable
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}

	switch {
	case errors.Is(err, context.Canceled):
		// Cancellation is intentional.
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, io.ErrUnexpectedEOF):
		// Truncated response body, typically a dropped connection.
		return true
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() || netErr.Temporary() {
			return true
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return IsRecoverable(urlErr.Err)
	}

	return hasRecoverablePattern(err.Error())
}

// Message patterns from network stacks and object-store services that
// indicate a retryable condition. Throttling responses ("SlowDown", 429,
// 503) are the common case when many ranks checkpoint at once.
var recoverablePatterns = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"temporary failure",
	"rate limit",
	"throttl",
	"slow down",
	"slowdown",
	"too many requests",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"operation aborted",
	"server busy",
}

func hasRecoverablePattern(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range recoverablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) IsRecoverable() bool { return true }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsRecoverable reports true regardless of its shape.
func Transient(err error) error {
	return &transientError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) IsRecoverable() bool { return false }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so IsRecoverable reports false, stopping any retry
// loop immediately.
func Permanent(err error) error {
	return &permanentError{err: err}
}
