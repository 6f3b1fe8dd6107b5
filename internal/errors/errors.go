// Package errors defines the sentinel errors shared by the OAuth proxy
// and its HTTP handlers.
package errors

import (
	"errors"
	"fmt"
)

// Authorization flow errors. These are user-correctable: the caller
// restarts the flow or reauthorizes.
var (
	ErrInvalidGrant        = errors.New("invalid grant")
	ErrUnknownCode         = errors.New("unknown or expired authorization code")
	ErrUpstreamCodeMissing = errors.New("authorization code has no upstream code attached")
	ErrUnknownClient       = errors.New("unknown client")
)

// Signed token errors. Expired and invalid are distinct so callers can
// decide whether a refresh is worth attempting.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenRevoked = errors.New("token revoked")
)

// Upstream provider errors. Never retried automatically.
var (
	ErrUpstreamTokenExchange = errors.New("upstream token exchange failed")
	ErrUpstreamRefresh       = errors.New("upstream token refresh failed")
	ErrUpstreamAPI           = errors.New("upstream API request failed")
)

// ErrConfiguration is returned at startup when required settings are
// missing or malformed.
var ErrConfiguration = errors.New("configuration error")

// UpstreamError carries the upstream provider's HTTP status and response
// body verbatim so failures can be diagnosed without re-running the flow.
// It unwraps to one of the upstream sentinels above.
type UpstreamError struct {
	Kind   error
	Status int
	Body   []byte
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%v: %s", e.Kind, e.Body)
	}

	return fmt.Sprintf("%v: status %d: %s", e.Kind, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Kind }
