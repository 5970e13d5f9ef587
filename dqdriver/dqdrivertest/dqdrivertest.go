// Package dqdrivertest contains a conformance suite that every delayq driver
// runs to verify that its executor implements the store contract the same
// way as the others.
package dqdrivertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/util/ptrutil"
)

// Exercise runs the conformance suite. driverWithExec is invoked once per
// subtest and must return a driver along with an executor bound to a migrated,
// empty schema that no other test is using.
func Exercise[TTx any](ctx context.Context, t *testing.T,
	driverWithExec func(ctx context.Context, t *testing.T) (dqdriver.Driver[TTx], dqdriver.Executor),
) {
	t.Helper()

	setup := func(t *testing.T) (dqdriver.Executor, time.Time) {
		t.Helper()

		_, exec := driverWithExec(ctx, t)

		// Both databases store microsecond precision.
		return exec, time.Now().UTC().Truncate(time.Microsecond)
	}

	t.Run("Begin", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		tx, err := exec.Begin(ctx)
		if errors.Is(err, dqdriver.ErrSubTxNotSupported) {
			t.Skip("driver doesn't support subtransactions on this executor")
		}
		require.NoError(t, err)

		_, err = tx.JobInsert(ctx, &dqdriver.JobInsertParams{Handler: []byte(`{}`), Now: &now})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		count, err := exec.JobCount(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("JobClearLocks", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		job1 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker1"), Now: &now})
		job2 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker1"), Now: &now})
		job3 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker2"), Now: &now})

		numCleared, err := exec.JobClearLocks(ctx, &dqdriver.JobClearLocksParams{LockedBy: "worker1"})
		require.NoError(t, err)
		require.Equal(t, 2, numCleared)

		for _, job := range []*dqtype.JobRow{job1, job2} {
			updatedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
			require.NoError(t, err)
			require.Nil(t, updatedJob.LockedAt)
			require.Nil(t, updatedJob.LockedBy)
		}

		otherJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job3.ID})
		require.NoError(t, err)
		require.Equal(t, "worker2", *otherJob.LockedBy)
	})

	t.Run("JobCount", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		count, err := exec.JobCount(ctx)
		require.NoError(t, err)
		require.Zero(t, count)

		insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
		insertJob(ctx, t, exec, &dqdriver.JobInsertParams{FailedAt: &now, Now: &now})

		count, err = exec.JobCount(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})

	t.Run("JobDelete", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})

		deletedJob, err := exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID})
		require.NoError(t, err)
		require.Equal(t, job.ID, deletedJob.ID)

		_, err = exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
		require.ErrorIs(t, err, dqtype.ErrNotFound)

		_, err = exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID})
		require.ErrorIs(t, err, dqtype.ErrNotFound)
	})

	t.Run("JobDeleteLockedByGuard", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker2"), Now: &now})

		_, err := exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID, LockedBy: ptrutil.Ptr("worker1")})
		require.ErrorIs(t, err, dqtype.ErrNotFound)

		_, err = exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
		require.NoError(t, err)

		deletedJob, err := exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID, LockedBy: ptrutil.Ptr("worker2")})
		require.NoError(t, err)
		require.Equal(t, job.ID, deletedJob.ID)
	})

	t.Run("JobFindAvailable", func(t *testing.T) {
		t.Parallel()

		t.Run("DequeueOrder", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job1 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, Priority: 0, RunAt: ptrutil.Ptr(now.Add(-1 * time.Minute))})
			job2 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, Priority: -5, RunAt: ptrutil.Ptr(now.Add(-1 * time.Minute))})
			job3 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, Priority: 0, RunAt: ptrutil.Ptr(now.Add(-2 * time.Minute))})
			job4 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, Priority: 0, RunAt: ptrutil.Ptr(now.Add(-1 * time.Minute))})

			jobs := findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 10, MaxLockAge: 4 * time.Hour, Now: &now})
			requireJobIDs(t, []int64{job2.ID, job3.ID, job1.ID, job4.ID}, jobs)
		})

		t.Run("Max", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			for range 5 {
				insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
			}

			jobs := findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 3, MaxLockAge: 4 * time.Hour, Now: &now})
			require.Len(t, jobs, 3)
		})

		t.Run("ExcludesFutureAndFailed", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
			insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, RunAt: ptrutil.Ptr(now.Add(time.Minute))})
			insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, FailedAt: &now})

			jobs := findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 10, MaxLockAge: 4 * time.Hour, Now: &now})
			requireJobIDs(t, []int64{job.ID}, jobs)
		})

		t.Run("PriorityBounds", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			var inBounds []int64
			for priority := -10; priority <= 10; priority++ {
				job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, Priority: priority})
				if priority >= -5 && priority <= 5 {
					inBounds = append(inBounds, job.ID)
				}
			}

			jobs := findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{
				Max:         100,
				MaxLockAge:  4 * time.Hour,
				MaxPriority: ptrutil.Ptr(5),
				MinPriority: ptrutil.Ptr(-5),
				Now:         &now,
			})
			requireJobIDs(t, inBounds, jobs)

			jobs = findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 100, MaxLockAge: 4 * time.Hour, MinPriority: ptrutil.Ptr(8), Now: &now})
			require.Len(t, jobs, 3)
		})

		t.Run("LockStaleness", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{
				LockedAt: ptrutil.Ptr(now.Add(-5 * time.Minute)),
				LockedBy: ptrutil.Ptr("worker1"),
				Now:      &now,
			})

			jobs := findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 1, MaxLockAge: 6 * time.Minute, Now: &now})
			require.Empty(t, jobs)

			jobs = findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 1, MaxLockAge: 4 * time.Minute, Now: &now})
			requireJobIDs(t, []int64{job.ID}, jobs)
		})

		t.Run("DoesNotMutate", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})

			findAvailable(ctx, t, exec, &dqdriver.JobFindAvailableParams{Max: 1, MaxLockAge: 4 * time.Hour, Now: &now})

			fetchedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
			require.NoError(t, err)
			require.Nil(t, fetchedJob.LockedBy)
			require.Zero(t, fetchedJob.Attempts)
		})
	})

	t.Run("JobGetByID", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})

		fetchedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
		require.NoError(t, err)
		require.Equal(t, job.ID, fetchedJob.ID)

		_, err = exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID + 1000})
		require.ErrorIs(t, err, dqtype.ErrNotFound)
	})

	t.Run("JobInsert", func(t *testing.T) {
		t.Parallel()

		t.Run("Defaults", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job, err := exec.JobInsert(ctx, &dqdriver.JobInsertParams{Handler: []byte(`{"tag":"object"}`), Now: &now})
			require.NoError(t, err)
			require.NotZero(t, job.ID)
			require.Zero(t, job.Attempts)
			require.WithinDuration(t, now, job.CreatedAt, time.Millisecond)
			require.Nil(t, job.FailedAt)
			require.JSONEq(t, `{"tag":"object"}`, string(job.Handler))
			require.Nil(t, job.LastError)
			require.Nil(t, job.LockedAt)
			require.Nil(t, job.LockedBy)
			require.Zero(t, job.Priority)
			require.Nil(t, job.ReoccurIn)
			require.WithinDuration(t, now, job.RunAt, time.Millisecond)
		})

		t.Run("AllFields", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			runAt := now.Add(time.Hour)

			job, err := exec.JobInsert(ctx, &dqdriver.JobInsertParams{
				Attempts:  3,
				FailedAt:  &now,
				Handler:   []byte(`{}`),
				LastError: ptrutil.Ptr("oops"),
				LockedAt:  &now,
				LockedBy:  ptrutil.Ptr("worker1"),
				Now:       &now,
				Priority:  -3,
				ReoccurIn: ptrutil.Ptr("last_of_month"),
				RunAt:     &runAt,
			})
			require.NoError(t, err)
			require.Equal(t, 3, job.Attempts)
			require.WithinDuration(t, now, *job.FailedAt, time.Millisecond)
			require.Equal(t, "oops", *job.LastError)
			require.WithinDuration(t, now, *job.LockedAt, time.Millisecond)
			require.Equal(t, "worker1", *job.LockedBy)
			require.Equal(t, -3, job.Priority)
			require.Equal(t, "last_of_month", *job.ReoccurIn)
			require.WithinDuration(t, runAt, job.RunAt, time.Millisecond)
		})

		t.Run("SequentialIDs", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job1 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
			job2 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
			require.Greater(t, job2.ID, job1.ID)
		})
	})

	t.Run("JobList", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		job1 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})
		job2 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{FailedAt: &now, Now: &now})
		job3 := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{FailedAt: &now, Now: &now})

		jobs, err := exec.JobList(ctx, &dqdriver.JobListParams{Max: 10})
		require.NoError(t, err)
		requireJobIDs(t, []int64{job1.ID, job2.ID, job3.ID}, jobs)

		jobs, err = exec.JobList(ctx, &dqdriver.JobListParams{FailedOnly: true, Max: 10})
		require.NoError(t, err)
		requireJobIDs(t, []int64{job2.ID, job3.ID}, jobs)

		jobs, err = exec.JobList(ctx, &dqdriver.JobListParams{Max: 1})
		require.NoError(t, err)
		requireJobIDs(t, []int64{job1.ID}, jobs)
	})

	t.Run("JobLock", func(t *testing.T) {
		t.Parallel()

		t.Run("Unlocked", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})

			lockedJob, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now})
			require.NoError(t, err)
			require.Equal(t, "worker1", *lockedJob.LockedBy)
			require.WithinDuration(t, now, *lockedJob.LockedAt, time.Millisecond)
		})

		t.Run("FreshLockHeldByOther", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{
				LockedAt: ptrutil.Ptr(now.Add(-5 * time.Minute)),
				LockedBy: ptrutil.Ptr("worker1"),
				Now:      &now,
			})

			_, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker2", MaxLockAge: 4 * time.Hour, Now: &now})
			require.ErrorIs(t, err, dqtype.ErrNotFound)

			unchangedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
			require.NoError(t, err)
			require.Equal(t, "worker1", *unchangedJob.LockedBy)
			require.WithinDuration(t, now.Add(-5*time.Minute), *unchangedJob.LockedAt, time.Millisecond)
		})

		t.Run("StaleLockHeldByOther", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{
				LockedAt: ptrutil.Ptr(now.Add(-5 * time.Minute)),
				LockedBy: ptrutil.Ptr("worker1"),
				Now:      &now,
			})

			lockedJob, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker2", MaxLockAge: time.Minute, Now: &now})
			require.NoError(t, err)
			require.Equal(t, "worker2", *lockedJob.LockedBy)
			require.WithinDuration(t, now, *lockedJob.LockedAt, time.Millisecond)
		})

		t.Run("ReentrantForHolder", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{
				LockedAt: ptrutil.Ptr(now.Add(-5 * time.Minute)),
				LockedBy: ptrutil.Ptr("worker1"),
				Now:      &now,
			})

			lockedJob, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now})
			require.NoError(t, err)
			require.Equal(t, "worker1", *lockedJob.LockedBy)
			require.WithinDuration(t, now, *lockedJob.LockedAt, time.Millisecond)
		})

		t.Run("DoesNotExist", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			_, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: 123_456, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now})
			require.ErrorIs(t, err, dqtype.ErrNotFound)
		})

		t.Run("RunnableReturnsCurrentRow", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Attempts: 3, Now: &now, RunAt: ptrutil.Ptr(now.Add(-time.Minute))})

			lockedJob, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now, Runnable: true})
			require.NoError(t, err)
			require.Equal(t, 3, lockedJob.Attempts)
			require.Equal(t, "worker1", *lockedJob.LockedBy)
		})

		t.Run("RunnableRejectsFailed", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{FailedAt: &now, Now: &now})

			_, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now, Runnable: true})
			require.ErrorIs(t, err, dqtype.ErrNotFound)

			// Without Runnable only the lock matters.
			_, err = exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now})
			require.NoError(t, err)
		})

		t.Run("RunnableRejectsNotYetDue", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now, RunAt: ptrutil.Ptr(now.Add(time.Hour))})

			_, err := exec.JobLock(ctx, &dqdriver.JobLockParams{ID: job.ID, LockedBy: "worker1", MaxLockAge: 4 * time.Hour, Now: &now, Runnable: true})
			require.ErrorIs(t, err, dqtype.ErrNotFound)

			unchangedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
			require.NoError(t, err)
			require.Nil(t, unchangedJob.LockedBy)
		})
	})

	t.Run("JobUpdate", func(t *testing.T) {
		t.Parallel()

		t.Run("NoFlagsLeavesRowUnchanged", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{
				Attempts:  2,
				LastError: ptrutil.Ptr("oops"),
				LockedAt:  &now,
				LockedBy:  ptrutil.Ptr("worker1"),
				Now:       &now,
			})

			updatedJob, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{ID: job.ID, Attempts: 5, RunAt: now.Add(time.Hour)})
			require.NoError(t, err)
			require.Equal(t, 2, updatedJob.Attempts)
			require.Equal(t, "oops", *updatedJob.LastError)
			require.Equal(t, "worker1", *updatedJob.LockedBy)
			require.WithinDuration(t, job.RunAt, updatedJob.RunAt, time.Millisecond)
		})

		t.Run("AllFlags", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker1"), Now: &now})

			updatedJob, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{
				ID:                job.ID,
				AttemptsDoUpdate:  true,
				Attempts:          1,
				FailedAtDoUpdate:  true,
				FailedAt:          &now,
				LastErrorDoUpdate: true,
				LastError:         ptrutil.Ptr("oops"),
				RunAtDoUpdate:     true,
				RunAt:             now.Add(6 * time.Second),
				Unlock:            true,
			})
			require.NoError(t, err)
			require.Equal(t, 1, updatedJob.Attempts)
			require.WithinDuration(t, now, *updatedJob.FailedAt, time.Millisecond)
			require.Equal(t, "oops", *updatedJob.LastError)
			require.Nil(t, updatedJob.LockedAt)
			require.Nil(t, updatedJob.LockedBy)
			require.WithinDuration(t, now.Add(6*time.Second), updatedJob.RunAt, time.Millisecond)
		})

		t.Run("DoesNotExist", func(t *testing.T) {
			t.Parallel()

			exec, _ := setup(t)

			_, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{ID: 123_456, Unlock: true})
			require.ErrorIs(t, err, dqtype.ErrNotFound)
		})

		t.Run("LockedByGuard", func(t *testing.T) {
			t.Parallel()

			exec, now := setup(t)

			job := insertJob(ctx, t, exec, &dqdriver.JobInsertParams{LockedAt: &now, LockedBy: ptrutil.Ptr("worker2"), Now: &now})

			_, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{ID: job.ID, AttemptsDoUpdate: true, Attempts: 1, LockedBy: ptrutil.Ptr("worker1"), Unlock: true})
			require.ErrorIs(t, err, dqtype.ErrNotFound)

			unchangedJob, err := exec.JobGetByID(ctx, &dqdriver.JobGetByIDParams{ID: job.ID})
			require.NoError(t, err)
			require.Zero(t, unchangedJob.Attempts)
			require.Equal(t, "worker2", *unchangedJob.LockedBy)

			updatedJob, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{ID: job.ID, AttemptsDoUpdate: true, Attempts: 1, LockedBy: ptrutil.Ptr("worker2"), Unlock: true})
			require.NoError(t, err)
			require.Equal(t, 1, updatedJob.Attempts)
			require.Nil(t, updatedJob.LockedBy)
		})
	})

	t.Run("Migration", func(t *testing.T) {
		t.Parallel()

		exec, _ := setup(t)

		migrations, err := exec.MigrationGetAll(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, migrations)
		require.Equal(t, 1, migrations[0].Version)

		exists, err := exec.TableExists(ctx, dqdriver.TableJob)
		require.NoError(t, err)
		require.True(t, exists)

		exists, err = exec.TableExists(ctx, "does_not_exist")
		require.NoError(t, err)
		require.False(t, exists)
	})

	t.Run("TableTruncate", func(t *testing.T) {
		t.Parallel()

		exec, now := setup(t)

		insertJob(ctx, t, exec, &dqdriver.JobInsertParams{Now: &now})

		require.NoError(t, exec.TableTruncate(ctx, dqdriver.TableJob))

		count, err := exec.JobCount(ctx)
		require.NoError(t, err)
		require.Zero(t, count)
	})
}

func findAvailable(ctx context.Context, t *testing.T, exec dqdriver.Executor, params *dqdriver.JobFindAvailableParams) []*dqtype.JobRow {
	t.Helper()

	jobs, err := exec.JobFindAvailable(ctx, params)
	require.NoError(t, err)
	return jobs
}

func insertJob(ctx context.Context, t *testing.T, exec dqdriver.Executor, params *dqdriver.JobInsertParams) *dqtype.JobRow {
	t.Helper()

	if params.Handler == nil {
		params.Handler = []byte(`{"tag":"object","type":"dqdrivertest.Job","fields":{}}`)
	}

	job, err := exec.JobInsert(ctx, params)
	require.NoError(t, err)
	return job
}

func requireJobIDs(t *testing.T, expectedIDs []int64, jobs []*dqtype.JobRow) {
	t.Helper()

	actualIDs := make([]int64, len(jobs))
	for i, job := range jobs {
		actualIDs[i] = job.ID
	}
	require.Equal(t, expectedIDs, actualIDs, "jobs: %s", spew.Sdump(jobs))
}
