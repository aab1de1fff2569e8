// Package transport defines the HTTP request capability the session and
// workflow packages depend on, together with a default net/http backed
// implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Adapter performs HTTP exchanges against the brokerage API and returns the
// raw JSON body. Implementations must treat the status codes listed in
// AcceptedStatus as "response received, inspect body" and report anything
// else as a *Error.
type Adapter interface {
	// Post sends payload to url. When asJSON is true the payload is a JSON
	// document; otherwise it is a form-encoded body.
	Post(ctx context.Context, url string, payload []byte, asJSON bool) ([]byte, error)
	// Get fetches url and returns the response body.
	Get(ctx context.Context, url string) ([]byte, error)
}

// Error describes a request-level failure: network error, timeout, or a
// status code outside the accepted set.
type Error struct {
	// Op is the operation that failed, "post" or "get".
	Op string
	// URL is the request target.
	URL string
	// StatusCode records the HTTP status when a response was received.
	StatusCode int
	// Err is the underlying error, when any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: received %d", e.Op, e.URL, e.StatusCode)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a transport Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
