// Package syncerr holds the error classes shared by the sync engines and the
// management surface.
package syncerr

import "errors"

var (
	// ErrMalformedInput rejects a request before any upstream call is made.
	ErrMalformedInput = errors.New("malformed input")
	// ErrPersistence marks a failed write-through; cursors stay where they were.
	ErrPersistence = errors.New("persistence failure")
	// ErrSyncInProgress is returned when the same job is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
)
