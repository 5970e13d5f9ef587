package delayq

import (
	"fmt"
	"strconv"
	"time"
)

// EnqueueOpts are optional settings for a new job.
type EnqueueOpts struct {
	// Priority is the priority of the job. Lower values are worked first and
	// negative values are allowed, so a job with priority -5 is worked before
	// one with priority 0.
	//
	// Defaults to 0.
	Priority int

	// RunAt is a time at which to schedule the job. The job is guaranteed not
	// to run before this time, but may run after it depending on how busy
	// workers are.
	//
	// Defaults to the current time.
	RunAt time.Time
}

// ScheduleOpts are settings for a new recurring job. Exactly one of Every or
// Rule must be set.
type ScheduleOpts struct {
	// Every is a fixed interval at which the job recurs. The next run time is
	// calculated from the previous one rather than when the job finished, so
	// the schedule doesn't drift. Must be a whole number of seconds of at
	// least one second.
	Every time.Duration

	// Priority is the priority of the job. See EnqueueOpts.Priority.
	Priority int

	// Rule is a recurrence rule: RecurLastOfMonth, RecurFirstOfMonth, or a
	// cron expression. See ParseRecurrence.
	Rule string

	// RunAt is when the job first runs.
	//
	// Defaults to the current time.
	RunAt time.Time
}

// Returns the stored form of the recurrence rule.
func (o *ScheduleOpts) reoccurIn() (string, error) {
	switch {
	case o.Every != 0 && o.Rule != "":
		return "", &ArgumentError{Message: "only one of Every or Rule may be set"}

	case o.Every != 0:
		if o.Every < time.Second || o.Every%time.Second != 0 {
			return "", &ArgumentError{Message: fmt.Sprintf("Every must be a whole number of seconds of at least one second, but was %s", o.Every)}
		}
		return strconv.FormatInt(int64(o.Every/time.Second), 10), nil

	case o.Rule != "":
		if _, err := ParseRecurrence(o.Rule, nil); err != nil {
			return "", &ArgumentError{Message: err.Error()}
		}
		return o.Rule, nil
	}

	return "", &ArgumentError{Message: "one of Every or Rule must be set to schedule a recurring job"}
}
