package slogtest

import (
	"log/slog"
	"testing"
)

func TestSlogTestHandler(t *testing.T) {
	t.Parallel()

	logger := NewLogger(t, nil)
	logger.Info("Client: Job succeeded", slog.Int64("job_id", 1))
	logger.With("worker_name", "worker1").WithGroup("job").Warn("Client: Job failed", slog.Int("attempts", 2))
	logger.Debug("not emitted at default level")
}
