package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrEngineHalted is returned once a storage failure has stopped dispatch.
	ErrEngineHalted = errors.New("sync engine halted after storage failure")

	// ErrInvalidTransition is returned when a terminal ledger entry would change state.
	ErrInvalidTransition = errors.New("invalid ledger state transition")

	// ErrEntryNotFound is returned when an outcome is recorded for an id that
	// was never attempted.
	ErrEntryNotFound = errors.New("ledger entry not found")

	ErrSchedulerRunning    = errors.New("scheduler already running")
	ErrSchedulerNotRunning = errors.New("scheduler not running")

	// ErrTaskRunning is returned when a task run is requested while the same
	// task is still in flight.
	ErrTaskRunning = errors.New("task already running")

	// ErrUnknownTask is returned when a trigger names no registered task.
	ErrUnknownTask = errors.New("unknown task")

	// ErrCycleInterrupted ends a poll cycle whose deadline expired between
	// groups. The rest of the batch is left for the next cycle.
	ErrCycleInterrupted = errors.New("poll cycle interrupted")
)

// TransportError is a failed call to the remote queue: unreachable host,
// timeout, unexpected status or malformed response.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Recoverable reports whether retrying the same call could succeed.
func (e *TransportError) Recoverable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	}
	return false
}

// StorageError wraps any failure of the local ledger. It is never recovered
// locally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it is nil or already a StorageError.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is or wraps a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// DispatchError describes a group that was dead-lettered.
type DispatchError struct {
	GroupID  string
	Class    FailureClass
	Reason   string
	Attempts int
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("group %s dead-lettered after %d attempt(s) [%s]: %s", e.GroupID, e.Attempts, e.Class, e.Reason)
}
