package delayq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleOpts_reoccurIn(t *testing.T) {
	t.Parallel()

	t.Run("Every", func(t *testing.T) {
		t.Parallel()

		reoccurIn, err := (&ScheduleOpts{Every: 5 * time.Minute}).reoccurIn()
		require.NoError(t, err)
		require.Equal(t, "300", reoccurIn)
	})

	t.Run("EveryNotWholeSeconds", func(t *testing.T) {
		t.Parallel()

		_, err := (&ScheduleOpts{Every: 1500 * time.Millisecond}).reoccurIn()
		require.ErrorIs(t, err, &ArgumentError{})
		require.EqualError(t, err, "invalid job argument: Every must be a whole number of seconds of at least one second, but was 1.5s")
	})

	t.Run("EveryNegative", func(t *testing.T) {
		t.Parallel()

		_, err := (&ScheduleOpts{Every: -time.Second}).reoccurIn()
		require.ErrorIs(t, err, &ArgumentError{})
	})

	t.Run("Rule", func(t *testing.T) {
		t.Parallel()

		for _, rule := range []string{RecurFirstOfMonth, RecurLastOfMonth, "0 9 * * 1"} {
			reoccurIn, err := (&ScheduleOpts{Rule: rule}).reoccurIn()
			require.NoError(t, err)
			require.Equal(t, rule, reoccurIn)
		}
	})

	t.Run("RuleInvalid", func(t *testing.T) {
		t.Parallel()

		_, err := (&ScheduleOpts{Rule: "fortnightly"}).reoccurIn()
		require.ErrorIs(t, err, &ArgumentError{})
		require.ErrorContains(t, err, `invalid recurrence rule "fortnightly"`)
	})

	t.Run("BothSet", func(t *testing.T) {
		t.Parallel()

		_, err := (&ScheduleOpts{Every: time.Minute, Rule: RecurLastOfMonth}).reoccurIn()
		require.EqualError(t, err, "invalid job argument: only one of Every or Rule may be set")
	})

	t.Run("NeitherSet", func(t *testing.T) {
		t.Parallel()

		_, err := (&ScheduleOpts{}).reoccurIn()
		require.EqualError(t, err, "invalid job argument: one of Every or Rule must be set to schedule a recurring job")
	})
}
