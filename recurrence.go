package delayq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/delayq/delayq/internal/util/timeutil"
)

const (
	// RecurFirstOfMonth is a recurrence rule that runs a job on the first day
	// of the month following the one it last ran in, keeping its time of day.
	RecurFirstOfMonth = "first_of_month"

	// RecurLastOfMonth is a recurrence rule that runs a job on the last day of
	// each month, keeping its time of day.
	RecurLastOfMonth = "last_of_month"
)

// RecurrenceSchedule calculates the next run time of a recurring job after it
// completes successfully.
type RecurrenceSchedule interface {
	// Next returns the next time the job should run given the run time it was
	// just worked for and the current time.
	Next(previousRunAt, now time.Time) time.Time
}

// ParseRecurrence parses a recurrence rule as stored in a job's ReoccurIn. A
// rule is one of:
//
//   - A non-negative decimal number of seconds, added to the previous run
//     time.
//   - RecurLastOfMonth or RecurFirstOfMonth, evaluated in location.
//   - A standard five field cron expression (or a descriptor like
//     "@hourly"), evaluated in location unless it carries its own
//     CRON_TZ= prefix.
//
// location defaults to UTC when nil.
func ParseRecurrence(rule string, location *time.Location) (RecurrenceSchedule, error) {
	if location == nil {
		location = time.UTC
	}

	switch rule {
	case "":
		return nil, fmt.Errorf("recurrence rule must not be empty")
	case RecurFirstOfMonth:
		return &firstOfMonthSchedule{location: location}, nil
	case RecurLastOfMonth:
		return &lastOfMonthSchedule{location: location}, nil
	}

	if seconds, err := strconv.ParseUint(rule, 10, 64); err == nil {
		if float64(seconds) > maxDurationSeconds {
			return nil, fmt.Errorf("recurrence interval %q is too large", rule)
		}
		return &intervalSchedule{interval: timeutil.SecondsAsDuration(float64(seconds))}, nil
	}

	schedule, err := cron.ParseStandard(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence rule %q: %w", rule, err)
	}

	return &cronSchedule{location: location, schedule: schedule}, nil
}

// Adds a fixed interval to the previous run time. The current time doesn't
// factor in, so a job that fell behind will run repeatedly until it catches
// up.
type intervalSchedule struct {
	interval time.Duration
}

func (s *intervalSchedule) Next(previousRunAt, now time.Time) time.Time {
	return previousRunAt.Add(s.interval)
}

type firstOfMonthSchedule struct {
	location *time.Location
}

func (s *firstOfMonthSchedule) Next(previousRunAt, now time.Time) time.Time {
	var (
		hour, minute, sec = previousRunAt.In(s.location).Clock()
		year, month, _    = now.In(s.location).Date()
	)

	// time.Date normalizes month 13 into January of the following year.
	return time.Date(year, month+1, 1, hour, minute, sec, previousRunAt.Nanosecond(), s.location).UTC()
}

type lastOfMonthSchedule struct {
	location *time.Location
}

func (s *lastOfMonthSchedule) Next(previousRunAt, now time.Time) time.Time {
	var (
		hour, minute, sec = previousRunAt.In(s.location).Clock()
		year, month, day  = now.In(s.location).Date()
	)

	// Already on (or somehow past) the last day, so move to next month's.
	if day >= daysInMonth(year, month) {
		year, month, _ = time.Date(year, month+1, 1, 0, 0, 0, 0, s.location).Date()
	}

	return time.Date(year, month, daysInMonth(year, month), hour, minute, sec, previousRunAt.Nanosecond(), s.location).UTC()
}

// Day zero of the next month is the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

type cronSchedule struct {
	location *time.Location
	schedule cron.Schedule
}

func (s *cronSchedule) Next(previousRunAt, now time.Time) time.Time {
	return s.schedule.Next(now.In(s.location)).UTC()
}
