package portal

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAuth means the session has no auth headers to build a client from
	ErrNoAuth = errors.New("session has no auth headers")

	// ErrTokenExpired means the portal rejected the auth token. The client is
	// stopped before this is returned.
	ErrTokenExpired = errors.New("token expired")

	// ErrSessionStopped means an operation was attempted on a stopped client
	ErrSessionStopped = errors.New("session stopped")

	// ErrNotOpen means an operation was attempted before Open
	ErrNotOpen = errors.New("client not open")

	// ErrTransient wraps unexpected page driver failures. The client is
	// stopped before this is returned.
	ErrTransient = errors.New("transient network error")

	// ErrRejected means the portal answered with success=false where no
	// recoverable outcome exists
	ErrRejected = errors.New("request rejected by portal")

	// ErrChallengeTimeout means a captcha image round trip timed out
	ErrChallengeTimeout = errors.New("captcha request timed out")
)

// RequestError carries the endpoint a failure happened on
type RequestError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err leaves the client stopped
func IsFatal(err error) bool {
	return errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTransient) || errors.Is(err, ErrSessionStopped)
}
