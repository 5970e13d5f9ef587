package delayq

import (
	"math"
	"time"

	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/util/timeutil"
)

// ClientRetryPolicy is an interface that can be implemented to provide a
// retry policy for how delayq deals with failed jobs. Jobs are rescheduled
// until they reach the client's MaxAttempts, at which point they're either
// marked failed or destroyed.
type ClientRetryPolicy interface {
	// NextRetry calculates when a job that's just failed should next run.
	// job.Attempts already counts the failure that's being retried.
	NextRetry(job *dqtype.JobRow, now time.Time) time.Time
}

// DefaultClientRetryPolicy is delayq's default retry policy.
type DefaultClientRetryPolicy struct{}

// NextRetry reschedules using a polynomial backoff of `ATTEMPTS^4 + 5`
// seconds, so after the first failure a job is retried in 6 seconds, then 21
// seconds after the second, 86 seconds after the third, and so on. With the
// default of 25 attempts a job is retried for roughly 20 days before it's
// given up on.
//
// At degenerately high attempt counts the backoff is capped at the maximum
// time.Duration, about 292 years.
func (p *DefaultClientRetryPolicy) NextRetry(job *dqtype.JobRow, now time.Time) time.Time {
	return now.Add(p.retryDuration(job.Attempts))
}

// The maximum value of a duration before it overflows. About 292 years.
const maxDuration time.Duration = 1<<63 - 1

// Same as the above, but changed to a float represented in seconds.
var maxDurationSeconds = maxDuration.Seconds() //nolint:gochecknoglobals

// Gets a number of retry seconds for the given attempt count. If the number of
// seconds would overflow time.Duration, returns the maximum number of seconds
// that fit in one instead.
func (p *DefaultClientRetryPolicy) retrySeconds(attempts int) float64 {
	retrySeconds := math.Pow(float64(attempts), 4) + 5
	return min(retrySeconds, maxDurationSeconds)
}

// Gets the retry delay for the given attempt count. The float form of
// maxDuration rounds up to 2^63, which doesn't convert back to a duration, so
// the cap is applied on this side of the conversion.
func (p *DefaultClientRetryPolicy) retryDuration(attempts int) time.Duration {
	retrySeconds := p.retrySeconds(attempts)
	if retrySeconds >= maxDurationSeconds {
		return maxDuration
	}
	return timeutil.SecondsAsDuration(retrySeconds)
}
