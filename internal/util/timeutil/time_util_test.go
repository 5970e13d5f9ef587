package timeutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSecondsAsDuration(t *testing.T) {
	t.Parallel()

	require.Equal(t, 300*time.Second, SecondsAsDuration(300))
	require.Equal(t, 1500*time.Millisecond, SecondsAsDuration(1.5))
	require.Equal(t, time.Duration(0), SecondsAsDuration(0))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	t.Run("Elapses", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, Sleep(context.Background(), time.Millisecond))
	})

	t.Run("CancelledContext", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	})
}
