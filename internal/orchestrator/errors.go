// internal/orchestrator/errors.go
package orchestrator

import "errors"

// Sentinel errors returned by orchestrator operations. Callers branch with
// errors.Is; the wrapped chain carries the underlying cause.
var (
	// ErrConnectionFailed means the browser could not be acquired or the
	// target never produced a usable page.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrLoginFailed means credentials were supplied but the login flow did
	// not visibly succeed.
	ErrLoginFailed = errors.New("login failed")

	// ErrSectionNotFound means a locator resolved to zero elements; the page
	// was left untouched.
	ErrSectionNotFound = errors.New("section not found")

	// ErrDetectionFailed means the rendered page could not be analyzed at
	// all. Degraded-but-nonempty detection results are not an error.
	ErrDetectionFailed = errors.New("section detection failed")

	// ErrInvalidHandle means the handle does not name a live connection.
	ErrInvalidHandle = errors.New("invalid site handle")

	// ErrNavigationTimeout means the page did not reach a ready state within
	// the configured navigation timeout.
	ErrNavigationTimeout = errors.New("navigation timed out")
)
