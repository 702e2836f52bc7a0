// README: Error categories shared by all modules; module sentinels wrap one of these.
package types

import "errors"

var (
	// ErrValidation marks malformed or out-of-range input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks an unknown offer or booking id.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a failure the caller may retry after re-reading state.
	ErrConflict = errors.New("conflict")
	// ErrState marks an operation the offer's lifecycle no longer permits.
	ErrState = errors.New("state error")
	// ErrForbidden marks a caller acting on something it does not own.
	ErrForbidden = errors.New("forbidden")
)
