package delayq

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delayq/delayq/dqtype"
	"github.com/delayq/delayq/internal/baseservice"
	"github.com/delayq/delayq/internal/dqtest"
)

func TestJobExecutorResult_ErrorMessage(t *testing.T) {
	t.Parallel()

	require.Equal(t, "did not work", (&jobExecutorResult{Err: errors.New("did not work")}).ErrorMessage())
	require.Equal(t, "job panicked: boom\ngoroutine 1 [running]:",
		(&jobExecutorResult{Err: &panicError{value: "boom"}, PanicTrace: "goroutine 1 [running]:", PanicVal: "boom"}).ErrorMessage())
}

func TestPanicError(t *testing.T) {
	t.Parallel()

	require.EqualError(t, &panicError{value: "boom"}, "job panicked: boom")
	require.EqualError(t, &panicError{value: 123}, "job panicked: 123")

	err := &panicError{value: fs.ErrNotExist}
	require.EqualError(t, err, "job panicked: file does not exist")
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestJobExecutor_InvokeErrorHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	setup := func(t *testing.T, errorHandler ErrorHandler) *jobExecutor {
		t.Helper()

		return baseservice.Init(dqtest.BaseServiceArchetype(t), &jobExecutor{
			config: &jobExecutorConfig{ErrorHandler: errorHandler},
		})
	}

	job := &dqtype.JobRow{ID: 123}

	t.Run("NilResultDoesNotFail", func(t *testing.T) {
		t.Parallel()

		errorHandler := newTestErrorHandler()
		executor := setup(t, errorHandler)

		require.False(t, executor.invokeErrorHandler(ctx, job, &jobExecutorResult{Err: errors.New("did not work")}))
		require.True(t, errorHandler.HandleErrorCalled)
	})

	t.Run("SetFailed", func(t *testing.T) {
		t.Parallel()

		errorHandler := newTestErrorHandler()
		errorHandler.HandleErrorFunc = func(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult {
			return &ErrorHandlerResult{SetFailed: true}
		}
		executor := setup(t, errorHandler)

		require.True(t, executor.invokeErrorHandler(ctx, job, &jobExecutorResult{Err: errors.New("did not work")}))
	})

	t.Run("PanicResultGoesToHandlePanic", func(t *testing.T) {
		t.Parallel()

		errorHandler := newTestErrorHandler()
		errorHandler.HandlePanicFunc = func(ctx context.Context, job *dqtype.JobRow, panicVal any, trace string) *ErrorHandlerResult {
			require.Equal(t, "boom", panicVal)
			require.Equal(t, "goroutine 1 [running]:", trace)
			return &ErrorHandlerResult{SetFailed: true}
		}
		executor := setup(t, errorHandler)

		require.True(t, executor.invokeErrorHandler(ctx, job, &jobExecutorResult{
			Err:        &panicError{value: "boom"},
			PanicTrace: "goroutine 1 [running]:",
			PanicVal:   "boom",
		}))
		require.False(t, errorHandler.HandleErrorCalled)
		require.True(t, errorHandler.HandlePanicCalled)
	})

	t.Run("HandlerPanicIgnored", func(t *testing.T) {
		t.Parallel()

		errorHandler := newTestErrorHandler()
		errorHandler.HandleErrorFunc = func(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult {
			panic("handler panic")
		}
		executor := setup(t, errorHandler)

		require.False(t, executor.invokeErrorHandler(ctx, job, &jobExecutorResult{Err: errors.New("did not work")}))
	})
}
