package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned by stores when a uniqueness constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate record")
	// ErrStaleUpdate is returned when a conditional update matched no row.
	ErrStaleUpdate = errors.New("record changed concurrently")
	// ErrLedgerIDImmutable is returned when a different ledger id is attached to a transaction.
	ErrLedgerIDImmutable = errors.New("ledger transaction id already set")
)

// InvalidStateError reports a status outside the canonical set.
type InvalidStateError struct {
	State TxStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid transaction state %q", string(e.State))
}

// InvalidTransitionError reports an illegal lifecycle edge.
type InvalidTransitionError struct {
	From TxStatus
	To   TxStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transaction transition %s -> %s", e.From, e.To)
}

// ValidationError is a client input error; it is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError is a non-retryable conflict surfaced to the caller.
type ConflictError struct {
	Reason string
	// InProgress is set when the conflicting operation is still running.
	InProgress bool
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsIntegrity reports lifecycle violations, which indicate a bug or corrupted data.
func IsIntegrity(err error) bool {
	var s *InvalidStateError
	var t *InvalidTransitionError
	return errors.As(err, &s) || errors.As(err, &t)
}
