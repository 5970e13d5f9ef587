package delayq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/delayq/delayq/dqdriver"
)

func TestJobListParams(t *testing.T) {
	t.Parallel()

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, &dqdriver.JobListParams{Max: 100}, NewJobListParams().toDriverParams())
	})

	t.Run("FailedAndFirst", func(t *testing.T) {
		t.Parallel()

		params := NewJobListParams()
		failedParams := params.Failed().First(10)

		require.Equal(t, &dqdriver.JobListParams{FailedOnly: true, Max: 10}, failedParams.toDriverParams())

		// Original is unchanged.
		require.Equal(t, &dqdriver.JobListParams{Max: 100}, params.toDriverParams())
	})

	t.Run("FirstOutOfRange", func(t *testing.T) {
		t.Parallel()

		require.PanicsWithValue(t, "count must be > 0", func() { NewJobListParams().First(0) })
		require.PanicsWithValue(t, "count must be <= 10000", func() { NewJobListParams().First(10001) })
	})
}
