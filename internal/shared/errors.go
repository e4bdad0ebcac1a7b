package shared

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a proposal was rejected and must be resolved by the caller.
	ErrValidation = errors.New("validation failed")
	// ErrPrecondition indicates the caller broke an input contract, e.g. unsorted periods.
	ErrPrecondition = errors.New("precondition failed")
	// ErrBusy indicates a recalculation run is already in flight for the client.
	ErrBusy = errors.New("recalculation in progress")
	// ErrConflict indicates the operation would leave derived state stale.
	ErrConflict = errors.New("conflict")
	// ErrPersistence indicates the underlying store rejected or could not take a write.
	ErrPersistence = errors.New("persistence failure")
)

// Persistence tags err as a persistence failure while keeping the driver error reachable.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
