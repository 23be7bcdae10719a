package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInFlight rejects a start while the same target has unresolved work.
	ErrAlreadyInFlight = errors.New("already in flight")
	// ErrTimedOut means the watcher gave up; the operation may still land.
	ErrTimedOut = errors.New("confirmation timed out; awaiting reconciliation")
	// ErrAwaitingReconciliation blocks resume until reconciliation resolves the
	// outstanding operation.
	ErrAwaitingReconciliation = errors.New("awaiting reconciliation")
	ErrNotResumable           = errors.New("not resumable")
	ErrUnknownAction          = errors.New("unknown action")
	ErrConfigMissing          = errors.New("config not loaded")
)

// RevertedError is the ledger's terminal rejection of a step.
type RevertedError struct {
	Method string
	Reason string
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

// PartialBatchError reports a batch halted at Index. Items before Index keep
// their effect; nothing at or after it was attempted past the halt.
type PartialBatchError struct {
	JobID string
	Index int
	Item  string
	Err   error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("batch %s halted at item %d (%s): %v", e.JobID, e.Index, e.Item, e.Err)
}

func (e *PartialBatchError) Unwrap() error { return e.Err }

// ValidationError is a malformed request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
