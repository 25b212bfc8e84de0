package dynamicauth

import (
	"context"
	"errors"
	"fmt"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
)

// Sentinel errors. Cancellation is matched with errors.Is through every
// layer: callers must be able to tell "user cancelled" apart from a
// transport or protocol failure.
var (
	// ErrCancelled indicates the user cancelled the flow: declined to open
	// the browser, declined to continue with the next flow, or cancelled
	// the callback wait.
	ErrCancelled = errors.New("authentication cancelled")

	// ErrClientInvalidated indicates the authorization server rejected the
	// client credentials. New credentials have been obtained; the caller
	// should retry the operation.
	ErrClientInvalidated = errors.New("client credentials invalidated, please retry")

	// ErrAllFlowsFailed indicates every configured flow was attempted
	// without obtaining a token.
	ErrAllFlowsFailed = errors.New("no authentication flow succeeded")
)

// FlowError is a protocol or transport failure during an OAuth exchange.
// It carries enough context (endpoint, HTTP status, response body, OAuth
// error code) to diagnose the failure. Terminal for the current attempt,
// not for the provider.
type FlowError struct {
	// Endpoint is the URL the failing request was sent to.
	Endpoint string

	// Status is the HTTP status code, 0 if the request never completed.
	Status int

	// Code is the OAuth error code from the response body, if any.
	Code string

	// Description is the OAuth error description from the response body.
	Description string

	// Body is the raw response body, truncated for logging.
	Body string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface
func (e *FlowError) Error() string {
	switch {
	case e.Code != "":
		if e.Description != "" {
			return fmt.Sprintf("token request to %s failed: %s: %s", e.Endpoint, e.Code, e.Description)
		}
		return fmt.Sprintf("token request to %s failed: %s", e.Endpoint, e.Code)
	case e.Status != 0:
		return fmt.Sprintf("token request to %s failed with status %d: %s", e.Endpoint, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("request to %s failed: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("request to %s failed", e.Endpoint)
	}
}

// Unwrap returns the underlying error
func (e *FlowError) Unwrap() error {
	return e.Err
}

// IsCancellation reports whether err is a user cancellation, including a
// cancelled or timed-out caller context. A context deadline buried inside a
// transport failure (an http.Client timeout surfaces as a FlowError wrapping
// context.DeadlineExceeded) is a transport error, not a cancellation.
func IsCancellation(err error) bool {
	if errors.Is(err, ErrCancelled) {
		return true
	}
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isFlowCancellation classifies an error from a nested exchange against the
// caller's own context: only the explicit sentinel, or an error returned
// while ctx is no longer live, counts as cancellation.
func isFlowCancellation(ctx context.Context, err error) bool {
	return errors.Is(err, ErrCancelled) || ctx.Err() != nil
}

// IsInvalidClient reports whether err carries the OAuth invalid_client code.
func IsInvalidClient(err error) bool {
	var flowErr *FlowError
	return errors.As(err, &flowErr) && flowErr.Code == ErrorCodeInvalidClient
}

// ConsistencyError indicates internal state that should be impossible, such
// as a stored token with no derivable session. It signals a defect, never a
// user-facing condition.
type ConsistencyError struct {
	Detail string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency violation: " + e.Detail
}
