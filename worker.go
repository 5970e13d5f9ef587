package delayq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/util/timeutil"
)

// WorkOffResult is the result of a WorkOff run.
type WorkOffResult struct {
	// Failed is the number of jobs that ran and failed, including those that
	// couldn't be loaded.
	Failed int

	// Succeeded is the number of jobs that ran successfully.
	Succeeded int
}

// Total is the number of jobs run, successfully or not.
func (r *WorkOffResult) Total() int { return r.Failed + r.Succeeded }

type workerConfig struct {
	BatchSize    int
	MaxLockAge   time.Duration
	MaxPriority  *int
	MinPriority  *int
	PollInterval time.Duration
	WorkerName   string
}

// worker is a single worker identity. It finds available jobs, locks them
// under its name, and hands them off to the job executor one at a time.
type worker struct {
	baseservice.BaseService

	config   *workerConfig
	exec     dqdriver.Executor
	executor *jobExecutor
}

// Run works jobs until ctx is cancelled, sleeping for PollInterval whenever
// a pass finds nothing to do. On the way out it releases any lock still held
// under the worker's name.
func (w *worker) Run(ctx context.Context) error {
	w.Logger.InfoContext(ctx, w.Name+": Worker started", slog.String("worker_name", w.config.WorkerName))

	defer func() {
		numCleared, err := w.exec.JobClearLocks(context.WithoutCancel(ctx), &dqdriver.JobClearLocksParams{LockedBy: w.config.WorkerName})
		if err != nil {
			w.Logger.ErrorContext(ctx, w.Name+": Error clearing locks on stop",
				slog.String("error", err.Error()),
				slog.String("worker_name", w.config.WorkerName),
			)
		}

		w.Logger.InfoContext(ctx, w.Name+": Worker stopped",
			slog.Int("num_cleared", numCleared),
			slog.String("worker_name", w.config.WorkerName),
		)
	}()

	for {
		res, err := w.WorkOff(ctx, w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil //nolint:nilerr
			}
			if errors.Is(err, dqdriver.ErrClosedPool) {
				return err
			}

			w.Logger.ErrorContext(ctx, w.Name+": Error working jobs", slog.String("error", err.Error()))
		}

		if res.Total() > 0 {
			w.Logger.InfoContext(ctx, w.Name+": Worked jobs",
				slog.Int("num_failed", res.Failed),
				slog.Int("num_succeeded", res.Succeeded),
			)

			// Check for more work immediately unless the batch was cut short.
			if err == nil {
				continue
			}
		}

		if err := timeutil.Sleep(ctx, w.config.PollInterval); err != nil {
			return nil //nolint:nilerr
		}
	}
}

// WorkOff runs up to num jobs, returning counts of how they went. It stops
// early once no more jobs are available. A job lost to another worker between
// selection and locking is skipped and doesn't count toward num.
func (w *worker) WorkOff(ctx context.Context, num int) (*WorkOffResult, error) {
	res := &WorkOffResult{}

	for res.Total() < num {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		ran, succeeded, err := w.reserveAndRunOne(ctx)
		if err != nil {
			return res, err
		}
		if !ran {
			break
		}

		if succeeded {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}

	return res, nil
}

// Finds a batch of candidates and runs the first one that can be locked.
// Returns false for ran if none could be.
func (w *worker) reserveAndRunOne(ctx context.Context) (bool, bool, error) {
	jobs, err := w.exec.JobFindAvailable(ctx, &dqdriver.JobFindAvailableParams{
		Max:         w.config.BatchSize,
		MaxLockAge:  w.config.MaxLockAge,
		MaxPriority: w.config.MaxPriority,
		MinPriority: w.config.MinPriority,
		Now:         w.Time.NowUTCOrNil(),
	})
	if err != nil {
		return false, false, fmt.Errorf("error finding available jobs: %w", err)
	}

	for _, job := range jobs {
		// The lock rechecks that the job is still runnable and swaps in the
		// current row, since another worker may have worked it since selection.
		if err := lockExclusively(ctx, w.exec, job, &lockOpts{
			MaxLockAge: w.config.MaxLockAge,
			Now:        w.Time.NowUTCOrNil(),
			Runnable:   true,
			WorkerName: w.config.WorkerName,
		}); err != nil {
			var lockErr *LockError
			if errors.As(err, &lockErr) {
				w.Logger.DebugContext(ctx, w.Name+": Job locked by another worker or no longer runnable; skipping", slog.Int64("job_id", job.ID))
				continue
			}
			return false, false, err
		}

		succeeded, err := w.executor.Execute(ctx, w.exec, job)
		return true, succeeded, err
	}

	return false, false, nil
}

type lockOpts struct {
	MaxLockAge time.Duration
	Now        *time.Time

	// Runnable also requires that the job is due and not failed.
	Runnable bool

	WorkerName string
}

// Locks job under opts.WorkerName, replacing job with the row as it was
// locked. Returns a LockError if another worker holds a lock on it that's
// younger than MaxLockAge, if the job no longer exists, or with Runnable set,
// if it's no longer due or has failed. job is left unchanged on error.
func lockExclusively(ctx context.Context, exec dqdriver.Executor, job *dqtype.JobRow, opts *lockOpts) error {
	lockedJob, err := exec.JobLock(ctx, &dqdriver.JobLockParams{
		ID:         job.ID,
		LockedBy:   opts.WorkerName,
		MaxLockAge: opts.MaxLockAge,
		Now:        opts.Now,
		Runnable:   opts.Runnable,
	})
	if err != nil {
		if errors.Is(err, dqtype.ErrNotFound) {
			return &LockError{JobID: job.ID, MaxLockAge: opts.MaxLockAge, WorkerName: opts.WorkerName}
		}
		return fmt.Errorf("error locking job: %w", err)
	}

	*job = *lockedJob

	return nil
}
