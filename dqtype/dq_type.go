// Package dqtype stores the lowest level delayq primitives so they can be
// shared amongst the top-level delayq package, database drivers, and internal
// utilities without import cycles.
package dqtype

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a query by ID does not match any existing rows.
// Drivers also return it from JobLock when no row satisfied the lock
// condition.
var ErrNotFound = errors.New("not found")

// JobRow contains the properties of a job that are persisted to the database.
type JobRow struct {
	// ID of the job. Assigned by a database sequence on insert.
	ID int64

	// Attempts is the number of failed attempts so far. Reset to zero each
	// time a recurring job completes successfully.
	Attempts int

	// CreatedAt is when the job record was created.
	CreatedAt time.Time

	// FailedAt is set when the job has exhausted its attempts and is kept
	// around for inspection. Jobs with FailedAt set are never selected again.
	FailedAt *time.Time

	// Handler is the encoded payload. It's opaque to the store.
	Handler []byte

	// LastError is the message and trace of the most recent failure.
	LastError *string

	// LockedAt is when the current lock was taken. Non-nil if and only if
	// LockedBy is non-nil.
	LockedAt *time.Time

	// LockedBy is the identity of the worker holding the lock.
	LockedBy *string

	// Priority orders jobs. Lower values are worked sooner and negative values
	// are allowed.
	Priority int

	// ReoccurIn is the recurrence rule for recurring jobs. It's a decimal
	// number of seconds, one of the named calendar rules, or a cron
	// expression. Nil for one-off jobs.
	ReoccurIn *string

	// RunAt is the earliest time the job is eligible to run.
	RunAt time.Time
}

// Locked returns true if the job currently carries a lock, stale or not.
func (j *JobRow) Locked() bool { return j.LockedBy != nil }

// Performer is a unit of deferred work. Implementations are registered in a
// payload registry so that a worker can rebuild them from their stored form.
type Performer interface {
	// Perform runs the work. A returned error (or a panic) counts as a failed
	// attempt and makes the job eligible for retry.
	Perform(ctx context.Context) error
}

// DisplayNamer may optionally be implemented by a Performer to provide the
// human readable name reported for its jobs.
type DisplayNamer interface {
	DisplayName() string
}

// PayloadTag distinguishes the shape a payload was encoded from.
type PayloadTag string

const (
	// PayloadTagObject marks a payload registered as a pointer type.
	PayloadTagObject PayloadTag = "object"

	// PayloadTagStruct marks a payload registered as a value type.
	PayloadTagStruct PayloadTag = "struct"
)

// TimeGenerator generates a current time in UTC. In test environments it's
// implemented by dqtest.TimeStub which lets the current time be stubbed.
type TimeGenerator interface {
	// NowUTC returns the current time. This may be a stubbed time if the time
	// has been actively stubbed in a test.
	NowUTC() time.Time

	// NowUTCOrNil returns the stubbed time if the current time is stubbed,
	// and nil otherwise. Callers pass the result down to drivers so they can
	// fall back to the database's clock when time isn't stubbed.
	NowUTCOrNil() *time.Time
}
