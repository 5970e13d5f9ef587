package delayq

import (
	"errors"

	"github.com/delayq/delayq/dqtype"
)

// ErrNotFound is returned when a job looked up by ID doesn't exist.
var ErrNotFound = dqtype.ErrNotFound

// ArgumentError is returned when an enqueue is attempted with a unit that
// can't be persisted. It can be detected with:
//
//	errors.Is(err, &delayq.ArgumentError{})
type ArgumentError = dqtype.ArgumentError

// DeserializationError is returned when a stored payload can't be loaded,
// usually because its type isn't registered in the working process. Jobs
// failing this way are rescheduled with the error's message recorded.
type DeserializationError = dqtype.DeserializationError

// LockError is returned by LockExclusively when another worker holds a fresh
// lock on the job.
type LockError = dqtype.LockError

// UnknownMethodError is returned when a MethodCall is performed for a method
// that hasn't been bound in the working process' registry.
type UnknownMethodError struct {
	// Name is the method's name like "Story#Save".
	Name string
}

func (e *UnknownMethodError) Error() string {
	return "method " + e.Name + " is not bound; bind it with RegisterClassMethod or RegisterInstanceMethod"
}

// Is implements the interface used by errors.Is. It matches any other
// UnknownMethodError.
func (e *UnknownMethodError) Is(target error) bool {
	_, ok := target.(*UnknownMethodError)
	return ok
}

var (
	errMissingConfig       = errors.New("missing config")
	errMissingDatabasePool = errors.New("driver must have non-nil database pool to use non-transactional methods like Enqueue and WorkOff (try EnqueueTx instead)")
	errMissingDriver       = errors.New("missing database driver (try wrapping a database pool with dqpgxv5.New or dqsqlite.New)")
)
