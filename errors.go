package cobase

import (
	"errors"
	"fmt"
)

var (
	ErrClosed    = errors.New("cobase: closed")
	ErrReadOnly  = errors.New("cobase: table is read-only")
	ErrDuplicate = errors.New("cobase: table already open")
	ErrNoTable   = errors.New("cobase: no such table")

	// ErrVersionsExhausted is the panic value of Ledger.Next once the
	// 48-bit version range is used up.
	ErrVersionsExhausted = errors.New("cobase: version range exhausted")

	errSourceType = errors.New("source value has an unexpected type")
)

// ValidationError reports an id that can never name an entity.
type ValidationError struct {
	Table string
	ID    ID
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cobase: %s: invalid id %q: %v", e.Table, e.ID.String(), e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AccessError is returned by Guarded tables when the permission check
// rejects a call. It is never retried.
type AccessError struct {
	Table  string
	Action Action
	ID     ID
	Err    error
}

func (e *AccessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cobase: %s %s %q denied: %v", e.Action, e.Table, e.ID.String(), e.Err)
	}
	return fmt.Sprintf("cobase: %s %s %q denied", e.Action, e.Table, e.ID.String())
}

func (e *AccessError) Unwrap() error { return e.Err }

// RecomputeError wraps a failed transform or source read.
type RecomputeError struct {
	Table string
	ID    ID
	Err   error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("cobase: recompute %s %q: %v", e.Table, e.ID.String(), e.Err)
}

func (e *RecomputeError) Unwrap() error { return e.Err }
