package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a failed completion call. The governor uses the
// kind to decide between retrying, switching models, and failing the
// invocation outright.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"      // deadline exceeded, retryable
	KindRateLimited ErrorKind = "rate_limited" // 429, retryable
	KindServer      ErrorKind = "server"       // 5xx, retryable
	KindNetwork     ErrorKind = "network"      // transport failure, retryable
	KindAuth        ErrorKind = "auth"         // 401/403, not retryable
	KindBadRequest  ErrorKind = "bad_request"  // 4xx other than 429, not retryable
	KindMalformed   ErrorKind = "malformed"    // unparseable response body
)

// Error is a classified provider failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// Retryable reports whether the same call may succeed on a later attempt.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindServer, KindNetwork:
		return true
	}
	return false
}

// IsRetryable reports whether err is a transient provider failure.
// Context cancellation is never retryable: the caller asked to stop.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// KindOf extracts the error kind, defaulting to network for transport
// errors and bad_request for everything else.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindBadRequest
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindServer
	case status == 401 || status == 403:
		return KindAuth
	default:
		return KindBadRequest
	}
}
