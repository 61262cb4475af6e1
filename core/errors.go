package core

import (
	"errors"
	"fmt"
)

// ValidationError indicates a malformed alert: required identity fields are
// missing or ill-formed. Raised before fingerprinting, never reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert: field %q %s", e.Field, e.Reason)
}

// AlreadyMergedError indicates a merge precondition failure: one side of the
// merge is already in the merged state. This is the error a submission loses
// a fingerprint race with; callers recover by re-running resolution, the
// engine itself never retries.
type AlreadyMergedError struct {
	AlertID     string
	DuplicateOf string
}

func (e *AlreadyMergedError) Error() string {
	if e.DuplicateOf != "" {
		return fmt.Sprintf("alert %s is already merged into %s", e.AlertID, e.DuplicateOf)
	}
	return fmt.Sprintf("alert %s is already merged", e.AlertID)
}

// InvalidMergeError indicates programming-level misuse of the merge
// coordinator, such as merging an alert into itself. Never retried.
type InvalidMergeError struct {
	OriginalID  string
	DuplicateID string
	Reason      string
}

func (e *InvalidMergeError) Error() string {
	return fmt.Sprintf("cannot merge %s into %s: %s", e.DuplicateID, e.OriginalID, e.Reason)
}

// StoreUnavailableError wraps a storage-layer failure: the transaction layer
// could not read or commit. Surfaced as-is so callers can apply their own
// retry policy; the engine never fabricates an outcome on store failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("alert store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates the requested alert does not exist in the store.
type NotFoundError struct {
	AlertID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert %s not found", e.AlertID)
}

// IsRetryable reports whether re-running submit from scratch can resolve the
// error. True only for the merge-race case.
func IsRetryable(err error) bool {
	var merged *AlreadyMergedError
	return errors.As(err, &merged)
}
