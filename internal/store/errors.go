package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrUnavailable        = errors.New("store unavailable")
)

// PreconditionError reports a lost conditional write: either the stored
// etag no longer matches the caller's, or a create-if-absent found an
// existing row. It is a signal, not a fault — callers decide whether to
// abandon the candidate or refetch and retry.
type PreconditionError struct {
	ItemID   string
	Expected string
	Current  string
}

func (e *PreconditionError) Error() string {
	if e.Current == "" {
		return fmt.Sprintf("precondition failed for %s: expected etag %q, document gone or already present", e.ItemID, e.Expected)
	}
	return fmt.Sprintf("precondition failed for %s: expected etag %q, current %q", e.ItemID, e.Expected, e.Current)
}

func (e *PreconditionError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// UnavailableError wraps a transient store failure that survived the
// adapter's internal retries.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
