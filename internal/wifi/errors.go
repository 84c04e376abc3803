package wifi

import (
	"errors"
	"fmt"
)

type StoreErrorKind string

const (
	StoreIOFailure      StoreErrorKind = "io_failure"
	StoreLockContention StoreErrorKind = "lock_contention"
)

// StoreError pairs a machine-checkable kind with the underlying cause.
type StoreError struct {
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile store: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("profile store: %s", e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StoreKind extracts the kind from err, or "" if err is not a StoreError.
func StoreKind(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
