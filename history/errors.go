/*
errors.go - Centralized error types for the history ledger

PURPOSE:
  All error types in one place. Backends, the transfer state machine and
  the transaction manager return (or wrap) these so callers can classify
  failures with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Precondition errors - rejected commands, never retried
     (AlreadyPending, NotPending, NotAuthorized, ResourceExists, ...)
  2. Concurrency/transient errors - the whole unit of work is retried
     (ConcurrentModification, Transient)
  3. Defects - surfaced to operators, never retried
     (AllocationFailure, Conflict, ConsistencyMismatch)

SEE ALSO:
  - txn/manager.go: Retry policy built on IsRetryable
  - api/handlers.go: HTTP status mapping
*/
package history

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAllocationFailure is returned when the id allocator cannot issue an id.
	// Nothing may be committed without one.
	ErrAllocationFailure = errors.New("id allocation failed")

	// ErrConflict is returned when an entry id already exists.
	// This indicates an allocator defect.
	ErrConflict = errors.New("entry id already exists")

	// ErrAlreadyPending is returned when a transfer is requested while one is pending.
	ErrAlreadyPending = errors.New("transfer already pending")

	// ErrNotPending is returned when resolving a transfer that is not pending.
	ErrNotPending = errors.New("no pending transfer")

	// ErrConcurrentModification is returned when optimistic concurrency
	// detects another commit on the same resource ledger.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrConsistencyMismatch is returned in dual-write-verify mode when the
	// two backends would commit different state.
	ErrConsistencyMismatch = errors.New("backend consistency mismatch")

	// ErrTransient marks backend failures that may succeed on retry.
	ErrTransient = errors.New("transient backend failure")

	// ErrInvalidEntry is returned when an entry violates the per-type field rules.
	ErrInvalidEntry = errors.New("invalid history entry")

	// ErrResourceNotFound is returned when a command targets an unknown resource.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceExists is returned when creating a resource that exists.
	ErrResourceExists = errors.New("resource already exists")

	// ErrNotAuthorized is returned when the actor may not perform the command.
	ErrNotAuthorized = errors.New("registrar not authorized")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConflictError reports a duplicate entry id.
type ConflictError struct {
	ID int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entry %d already exists", e.ID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// AllocationError wraps the allocator's underlying failure.
type AllocationError struct {
	Cause error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("id allocation failed: %v", e.Cause)
}

func (e *AllocationError) Unwrap() []error {
	return []error{ErrAllocationFailure, e.Cause}
}

// AlreadyPendingError reports the transfer that is still pending.
type AlreadyPendingError struct {
	Resource       ResourceRef
	RequestEntryID int64
}

func (e *AlreadyPendingError) Error() string {
	return fmt.Sprintf("transfer of %s already pending (entry %d)", e.Resource, e.RequestEntryID)
}

func (e *AlreadyPendingError) Unwrap() error {
	return ErrAlreadyPending
}

// NotPendingError reports a resolve with nothing to resolve.
type NotPendingError struct {
	Resource ResourceRef
}

func (e *NotPendingError) Error() string {
	return fmt.Sprintf("no pending transfer for %s", e.Resource)
}

func (e *NotPendingError) Unwrap() error {
	return ErrNotPending
}

// ConcurrentModificationError names the resource whose tail moved.
type ConcurrentModificationError struct {
	Resource ResourceRef
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s: expected tail %d, found %d",
		e.Resource, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return ErrConcurrentModification
}

// ConsistencyMismatchError lists where the two backends diverged.
type ConsistencyMismatchError struct {
	Primary   string
	Secondary string
	Diffs     []string
}

func (e *ConsistencyMismatchError) Error() string {
	return fmt.Sprintf("%s and %s diverged: %s", e.Primary, e.Secondary, strings.Join(e.Diffs, "; "))
}

func (e *ConsistencyMismatchError) Unwrap() error {
	return ErrConsistencyMismatch
}

// TransientError wraps a backend failure classified as retryable.
type TransientError struct {
	Backend string
	Cause   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Backend, e.Cause)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Cause}
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidEntry
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole unit of work might succeed on retry.
// Allocation failures and mismatches are never retryable, even when they
// wrap a transient cause.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAllocationFailure) || errors.Is(err, ErrConsistencyMismatch) {
		return false
	}
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTransient)
}

// IsClientError returns true if the command was rejected on its merits.
func IsClientError(err error) bool {
	return errors.Is(err, ErrAlreadyPending) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrResourceExists) ||
		errors.Is(err, ErrNotAuthorized)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound)
}

// Class returns a stable label for the error's category, used to compare
// outcomes across backends and as a metrics label.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConsistencyMismatch):
		return "consistency_mismatch"
	case errors.Is(err, ErrAllocationFailure):
		return "allocation_failure"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrNotPending):
		return "not_pending"
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrResourceNotFound):
		return "not_found"
	case errors.Is(err, ErrResourceExists):
		return "exists"
	case errors.Is(err, ErrInvalidEntry):
		return "invalid"
	}
	return "error"
}
