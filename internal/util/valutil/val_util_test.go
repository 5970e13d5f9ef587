package valutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValOrDefault(t *testing.T) {
	t.Parallel()

	require.Equal(t, 5, ValOrDefault(0, 5))
	require.Equal(t, 3, ValOrDefault(3, 5))
	require.Equal(t, 4*time.Hour, ValOrDefault(time.Duration(0), 4*time.Hour))
	require.Equal(t, "worker1", ValOrDefault("worker1", "default"))
}

func TestValOrDefaultFunc(t *testing.T) {
	t.Parallel()

	var invoked bool
	defaultFunc := func() string { invoked = true; return "default" }

	require.Equal(t, "worker1", ValOrDefaultFunc("worker1", defaultFunc))
	require.False(t, invoked)

	require.Equal(t, "default", ValOrDefaultFunc("", defaultFunc))
	require.True(t, invoked)
}
