package delayq

import (
	"context"
	"sync"

	"github.com/delayq/delayq/dqtype"
)

type testErrorHandler struct {
	mu sync.Mutex

	HandleErrorCalled bool
	HandleErrorFunc   func(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult

	HandlePanicCalled bool
	HandlePanicFunc   func(ctx context.Context, job *dqtype.JobRow, panicVal any, trace string) *ErrorHandlerResult
}

// Test handler with no-ops for both error handling functions.
func newTestErrorHandler() *testErrorHandler {
	return &testErrorHandler{
		HandleErrorFunc: func(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult { return nil },
		HandlePanicFunc: func(ctx context.Context, job *dqtype.JobRow, panicVal any, trace string) *ErrorHandlerResult {
			return nil
		},
	}
}

func (h *testErrorHandler) HandleError(ctx context.Context, job *dqtype.JobRow, err error) *ErrorHandlerResult {
	h.mu.Lock()
	h.HandleErrorCalled = true
	h.mu.Unlock()
	return h.HandleErrorFunc(ctx, job, err)
}

func (h *testErrorHandler) HandlePanic(ctx context.Context, job *dqtype.JobRow, panicVal any, trace string) *ErrorHandlerResult {
	h.mu.Lock()
	h.HandlePanicCalled = true
	h.mu.Unlock()
	return h.HandlePanicFunc(ctx, job, panicVal, trace)
}
