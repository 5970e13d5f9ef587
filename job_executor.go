package delayq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/delayq/delayq/dqdriver"
	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/util/ptrutil"
)

const spanNamePerform = "delayq.job.perform"

// Settings of the client that determine how a job's outcome is recorded.
type jobExecutorConfig struct {
	DestroyFailedJobs  bool
	ErrorHandler       ErrorHandler
	MaxAttempts        int
	RecurrenceLocation *time.Location
	Registry           *Registry
	RetryPolicy        ClientRetryPolicy
}

// jobExecutor runs a single locked job and records its outcome: deleting it,
// rescheduling it for its next recurrence, or rescheduling it for a retry.
type jobExecutor struct {
	baseservice.BaseService

	config *jobExecutorConfig
	tracer trace.Tracer
}

type jobExecutorResult struct {
	Err        error
	PanicTrace string
	PanicVal   any
}

// ErrorMessage is the error message stored to the job's last_error. It's the
// error's message, followed by the panic trace if the job panicked.
func (r *jobExecutorResult) ErrorMessage() string {
	if r.PanicTrace != "" {
		return r.Err.Error() + "\n" + r.PanicTrace
	}
	return r.Err.Error()
}

// Execute runs job, which should already be locked by the caller, and records
// the outcome. Returns true if the job succeeded. A returned error means the
// outcome couldn't be recorded, so the job stays locked until its lock goes
// stale or is cleared.
//
// Outcomes are only written while job is still locked by the worker that
// locked it. If the lock went stale and another worker took the job over in
// the meantime, the outcome is discarded and left to the new holder.
func (e *jobExecutor) Execute(ctx context.Context, exec dqdriver.Executor, job *dqtype.JobRow) (bool, error) {
	start := e.Time.NowUTC()

	// Outcomes are recorded even if shutdown starts while the job is running.
	outcomeCtx := context.WithoutCancel(ctx)

	unit, err := e.config.Registry.Decode(job.Handler)
	if err != nil {
		e.Logger.ErrorContext(ctx, e.Name+": Job failed to load",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)

		if _, err := e.reschedule(outcomeCtx, exec, job, err.Error(), false, job.LockedBy); err != nil {
			return false, e.lockLostOrErr(outcomeCtx, job, err)
		}
		return false, nil
	}

	name := e.config.Registry.Name(unit)

	res := e.perform(ctx, job, unit, name)

	logAttrs := []any{
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", e.Time.NowUTC().Sub(start)),
		slog.Int64("job_id", job.ID),
		slog.String("name", name),
	}

	ctx = outcomeCtx

	if res.Err != nil {
		if res.PanicVal != nil {
			e.Logger.ErrorContext(ctx, e.Name+": Job panicked", append(logAttrs, slog.String("panic_val", fmt.Sprintf("%v", res.PanicVal)))...)
		} else {
			e.Logger.ErrorContext(ctx, e.Name+": Job errored", append(logAttrs, slog.String("error", res.Err.Error()))...)
		}

		setFailed := e.config.ErrorHandler != nil && e.invokeErrorHandler(ctx, job, res)

		if _, err := e.reschedule(ctx, exec, job, res.ErrorMessage(), setFailed, job.LockedBy); err != nil {
			return false, e.lockLostOrErr(ctx, job, err)
		}
		return false, nil
	}

	if job.ReoccurIn == nil {
		if _, err := exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID, LockedBy: job.LockedBy}); err != nil {
			return true, e.lockLostOrErr(ctx, job, fmt.Errorf("error deleting completed job: %w", err))
		}

		e.Logger.InfoContext(ctx, e.Name+": Job completed", logAttrs...)
		return true, nil
	}

	schedule, err := ParseRecurrence(*job.ReoccurIn, e.config.RecurrenceLocation)
	if err != nil {
		// Surfaced through last_error like any other failure.
		e.Logger.ErrorContext(ctx, e.Name+": Job has invalid recurrence rule", append(logAttrs, slog.String("error", err.Error()))...)

		if _, err := e.reschedule(ctx, exec, job, err.Error(), false, job.LockedBy); err != nil {
			return false, e.lockLostOrErr(ctx, job, err)
		}
		return false, nil
	}

	nextRunAt := schedule.Next(job.RunAt, e.Time.NowUTC())

	if _, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{
		ID:               job.ID,
		AttemptsDoUpdate: true,
		Attempts:         0,
		RunAtDoUpdate:    true,
		RunAt:            nextRunAt,
		Unlock:           true,
		LockedBy:         job.LockedBy,
	}); err != nil {
		return true, e.lockLostOrErr(ctx, job, fmt.Errorf("error rescheduling recurring job: %w", err))
	}

	e.Logger.InfoContext(ctx, e.Name+": Job completed and rescheduled", append(logAttrs, slog.Time("next_run_at", nextRunAt))...)
	return true, nil
}

// Performs the unit within a span, recovering any panic into a result.
func (e *jobExecutor) perform(ctx context.Context, job *dqtype.JobRow, unit dqtype.Performer, name string) (res *jobExecutorResult) {
	ctx, span := e.tracer.Start(ctx, spanNamePerform,
		trace.WithAttributes(
			attribute.Int("delayq.job.attempts", job.Attempts),
			attribute.Int64("delayq.job.id", job.ID),
			attribute.String("delayq.job.name", name),
			attribute.Int("delayq.job.priority", job.Priority),
			attribute.Bool("delayq.job.recurring", job.ReoccurIn != nil),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	defer func() {
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}()

	defer func() {
		if recovery := recover(); recovery != nil {
			res = &jobExecutorResult{
				Err:        &panicError{value: recovery},
				PanicTrace: string(debug.Stack()),
				PanicVal:   recovery,
			}
		}
	}()

	return &jobExecutorResult{Err: unit.Perform(ctx)}
}

// Invokes the configured ErrorHandler for a failed result, returning true if
// it asked for the job to be failed immediately. A panicking handler is
// logged and otherwise ignored.
func (e *jobExecutor) invokeErrorHandler(ctx context.Context, job *dqtype.JobRow, res *jobExecutorResult) bool {
	invokeAndHandlePanic := func(funcName string, errorHandler func() *ErrorHandlerResult) *ErrorHandlerResult {
		defer func() {
			if panicVal := recover(); panicVal != nil {
				e.Logger.ErrorContext(ctx, e.Name+": ErrorHandler invocation panicked",
					slog.String("function_name", funcName),
					slog.String("panic_val", fmt.Sprintf("%v", panicVal)),
				)
			}
		}()

		return errorHandler()
	}

	var errorHandlerRes *ErrorHandlerResult
	if res.PanicVal != nil {
		errorHandlerRes = invokeAndHandlePanic("HandlePanic", func() *ErrorHandlerResult {
			return e.config.ErrorHandler.HandlePanic(ctx, job, res.PanicVal, res.PanicTrace)
		})
	} else {
		errorHandlerRes = invokeAndHandlePanic("HandleError", func() *ErrorHandlerResult {
			return e.config.ErrorHandler.HandleError(ctx, job, res.Err)
		})
	}

	return errorHandlerRes != nil && errorHandlerRes.SetFailed
}

// Returns nil for an outcome write that matched no row, which means the job
// was deleted or its lock was taken over by another worker while it ran.
// Other errors are returned as is.
func (e *jobExecutor) lockLostOrErr(ctx context.Context, job *dqtype.JobRow, err error) error {
	if !errors.Is(err, dqtype.ErrNotFound) {
		return err
	}

	e.Logger.WarnContext(ctx, e.Name+": Job deleted or lock lost while running; outcome discarded",
		slog.Int64("job_id", job.ID),
		slog.String("locked_by", ptrutil.ValOrDefault(job.LockedBy, "")),
	)
	return nil
}

// Records a failed attempt for job. The job is rescheduled according to the
// retry policy unless it's out of attempts (or setFailed is true), in which
// case it's either marked failed or destroyed. Returns the updated row, or nil
// if it was destroyed. With lockedBy set, writes only apply while the job is
// still locked by that worker.
func (e *jobExecutor) reschedule(ctx context.Context, exec dqdriver.Executor, job *dqtype.JobRow, message string, setFailed bool, lockedBy *string) (*dqtype.JobRow, error) {
	var (
		attempts = job.Attempts + 1
		now      = e.Time.NowUTC()
	)

	logAttrs := []any{
		slog.Int("attempts", attempts),
		slog.Int64("job_id", job.ID),
	}

	if setFailed || attempts >= e.config.MaxAttempts {
		if e.config.DestroyFailedJobs {
			if _, err := exec.JobDelete(ctx, &dqdriver.JobDeleteParams{ID: job.ID, LockedBy: lockedBy}); err != nil {
				return nil, fmt.Errorf("error destroying failed job: %w", err)
			}

			e.Logger.WarnContext(ctx, e.Name+": Job out of attempts; destroyed", logAttrs...)
			return nil, nil
		}

		updatedJob, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{
			ID:                job.ID,
			AttemptsDoUpdate:  true,
			Attempts:          attempts,
			FailedAtDoUpdate:  true,
			FailedAt:          &now,
			LastErrorDoUpdate: true,
			LastError:         &message,
			LockedBy:          lockedBy,
			Unlock:            true,
		})
		if err != nil {
			return nil, fmt.Errorf("error marking job failed: %w", err)
		}

		e.Logger.WarnContext(ctx, e.Name+": Job out of attempts; marked failed", logAttrs...)
		return updatedJob, nil
	}

	retryJob := *job
	retryJob.Attempts = attempts

	nextRunAt := e.config.RetryPolicy.NextRetry(&retryJob, now)

	updatedJob, err := exec.JobUpdate(ctx, &dqdriver.JobUpdateParams{
		ID:                job.ID,
		AttemptsDoUpdate:  true,
		Attempts:          attempts,
		LastErrorDoUpdate: true,
		LastError:         &message,
		RunAtDoUpdate:     true,
		RunAt:             nextRunAt,
		LockedBy:          lockedBy,
		Unlock:            true,
	})
	if err != nil {
		return nil, fmt.Errorf("error rescheduling job: %w", err)
	}

	e.Logger.InfoContext(ctx, e.Name+": Job rescheduled", append(logAttrs, slog.Time("next_run_at", nextRunAt))...)
	return updatedJob, nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	if err, ok := e.value.(error); ok {
		return "job panicked: " + err.Error()
	}
	return fmt.Sprintf("job panicked: %v", e.value)
}

func (e *panicError) Unwrap() error {
	err, _ := e.value.(error)
	return err
}
