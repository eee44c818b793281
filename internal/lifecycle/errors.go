package lifecycle

import (
	"errors"
	"fmt"

	"task-lifecycle/internal/models"
)

var (
	// ErrTaskNotFound is returned when a task id does not resolve to a stored task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidTask is returned by CreateTask for incomplete input.
	ErrInvalidTask = errors.New("invalid task")

	// ErrStoreUnavailable marks a failure of the whole store rather than of one task.
	ErrStoreUnavailable = errors.New("task store unavailable")

	// ErrBatchInProgress is returned when another batch run holds the run lock.
	ErrBatchInProgress = errors.New("batch execution already in progress")
)

// TransitionError reports a status change rejected by the transition table.
// Error returns Reason unchanged so it can be used as API error text.
type TransitionError struct {
	TaskID int64
	From   models.Status
	To     models.Status
	Reason string
}

func (e *TransitionError) Error() string {
	return e.Reason
}

// StorageError wraps a failure of the task store or ledger.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsIllegalTransition reports whether err carries a *TransitionError.
func IsIllegalTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// IsStorageFailure reports whether err is a storage failure rather than a domain rejection.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se) || errors.Is(err, ErrStoreUnavailable)
}

// classify leaves domain errors untouched and wraps everything else as a StorageError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidTask) || IsIllegalTransition(err) || IsStorageFailure(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
