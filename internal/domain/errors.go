package domain

import "errors"

// Error taxonomy for the draft lifecycle. Pure computation (diff, merge) only
// ever raises ErrShapeMismatch; permission and conflict classification happens
// in the ledger, coordinator and reconciler.
var (
	// ErrShapeMismatch indicates two snapshots with incompatible field sets
	// were diffed. Caller bug, never retried.
	ErrShapeMismatch = errors.New("snapshot shape mismatch")

	// ErrPermissionDenied indicates the actor lacks the capability required
	// for the fields being changed.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflictDetected indicates a delta's baseline has diverged from the
	// current mirror value for a field the delta modifies.
	ErrConflictDetected = errors.New("conflict detected")

	// ErrValidationFailed indicates a malformed delta field or value,
	// rejected before any persistence.
	ErrValidationFailed = errors.New("validation failed")

	// ErrTransientStorage wraps retryable storage failures. Draft state is
	// idempotent, so retrying after this error is safe.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrNotFound indicates the referenced record or session does not exist.
	ErrNotFound = errors.New("not found")
)
