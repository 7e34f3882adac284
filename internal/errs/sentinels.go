// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthenticated indicates no stored credential exists yet (connect first).
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrTokenRefreshFailed indicates the authorization server rejected a refresh grant.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// ErrCodeExchangeFailed indicates the authorization code could not be exchanged for tokens.
	ErrCodeExchangeFailed = errors.New("code exchange failed")

	// ErrRemoteQueryFailed indicates the ledger query endpoint returned an error.
	ErrRemoteQueryFailed = errors.New("remote query failed")

	// ErrMalformedRemoteRecord indicates a remote payload lacks a required field.
	ErrMalformedRemoteRecord = errors.New("malformed remote record")

	// ErrInvalidState indicates a missing, expired or forged OAuth state parameter.
	ErrInvalidState = errors.New("invalid state")

	// ErrRateLimited indicates the caller exceeded the forced-sync budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrHierarchyCycle indicates a parent chain that loops back on itself.
	ErrHierarchyCycle = errors.New("account hierarchy cycle")

	// ErrLockBusy indicates the sync lock is held elsewhere and could not be taken in time.
	ErrLockBusy = errors.New("sync lock busy")
)

// UpstreamError keeps the status and body returned by an external endpoint.
// Status is 0 when the request never produced a response.
type UpstreamError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Err, e.Body)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Err, e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream builds an UpstreamError for op wrapping the given sentinel.
func Upstream(op string, sentinel error, status int, body string) *UpstreamError {
	return &UpstreamError{Op: op, Status: status, Body: body, Err: sentinel}
}

// RateLimitError carries the wait before the next allowed attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry in %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
