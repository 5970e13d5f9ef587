package dqtype

import (
	"fmt"
	"time"
)

// ArgumentError is returned when an enqueue is attempted with a unit that
// can't be persisted, like a nil unit or one whose type isn't registered.
type ArgumentError struct {
	Message string
}

func (e *ArgumentError) Error() string { return "invalid job argument: " + e.Message }

// Is implements the interface used by errors.Is to determine if errors are
// equivalent. It returns true for any other ArgumentError without regard to
// the message so it's possible to detect this type of error with:
//
//	errors.Is(err, &ArgumentError{})
func (e *ArgumentError) Is(target error) bool {
	_, ok := target.(*ArgumentError)
	return ok
}

// DeserializationError is returned when a stored payload can't be turned back
// into a Performer, most commonly because its type isn't registered in the
// decoding process even after the load hook was given a chance.
type DeserializationError struct {
	// Err is an underlying cause like malformed JSON. May be nil.
	Err error

	// Tag is the payload tag that was read.
	Tag PayloadTag

	// TypeName is the stored type name, exactly as persisted.
	TypeName string
}

func (e *DeserializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job failed to load: %s type %q: %s", e.Tag, e.TypeName, e.Err)
	}
	return fmt.Sprintf("job failed to load: unknown %s type %q", e.Tag, e.TypeName)
}

// Is implements the interface used by errors.Is. It matches any other
// DeserializationError.
func (e *DeserializationError) Is(target error) bool {
	_, ok := target.(*DeserializationError)
	return ok
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// LockError is returned when a worker fails to acquire a job's lock because
// another worker holds a lock on it that isn't yet stale.
type LockError struct {
	JobID      int64
	MaxLockAge time.Duration
	WorkerName string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("job %d: lock could not be acquired by %q: job is locked by another worker within the last %s",
		e.JobID, e.WorkerName, e.MaxLockAge)
}

// Is implements the interface used by errors.Is. It matches any other
// LockError.
func (e *LockError) Is(target error) bool {
	_, ok := target.(*LockError)
	return ok
}
