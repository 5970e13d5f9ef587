package timeutil

import (
	"context"
	"time"
)

// SecondsAsDuration is a simple shortcut for converting seconds represented as
// a float to a `time.Duration`.
func SecondsAsDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// Sleep sleeps for the given duration or until the context is done, whichever
// comes first. Returns the context's error if it finished early.
func Sleep(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
