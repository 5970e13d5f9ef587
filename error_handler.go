package delayq

import (
	"context"

	"github.com/delayq/delayq/dqtype"
)

// ErrorHandler is invoked when a job returns an error or panics, before the
// failed attempt is recorded. It's a good place to report failures to an
// exception tracker.
type ErrorHandler interface {
	// HandleError is invoked when a job's Perform returns an error.
	HandleError(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult

	// HandlePanic is invoked when a job's Perform panics. trace is the stack
	// of the panicking goroutine.
	HandlePanic(ctx context.Context, job *dqtype.JobRow, panicVal any, trace string) *ErrorHandlerResult
}

// ErrorHandlerResult is returned from an ErrorHandler. A nil result leaves the
// job to the configured retry policy.
type ErrorHandlerResult struct {
	// SetFailed fails the job immediately as if it had run out of attempts.
	// It's marked failed, or destroyed if DestroyFailedJobs is set.
	SetFailed bool
}
