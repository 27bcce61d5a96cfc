package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("queue entry not found")
	ErrDuplicateAdmission = errors.New("appointment is already active in this queue")
	ErrIllegalTransition  = errors.New("illegal status transition")
	ErrPaymentRequired    = errors.New("payment must be completed before the visit starts")
	ErrPersistence        = errors.New("queue could not be persisted")
	ErrInvalidDepartment  = errors.New("invalid department")
	ErrInvalidQueueKey    = errors.New("invalid queue key")
	ErrInvalidAdmission   = errors.New("invalid admission")
)

// TransitionError is returned when an event's precondition does not hold.
// It matches ErrIllegalTransition with errors.Is.
type TransitionError struct {
	Current Status
	Event   Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition: cannot apply %s to an entry in status %s", e.Event, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// PersistenceError wraps a failed durable read or write. It matches
// ErrPersistence with errors.Is and is the only retryable queue error.
type PersistenceError struct {
	Op  string
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("queue %s: %s: %v", e.Key, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// Retryable reports whether the caller may retry the whole operation.
func Retryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
