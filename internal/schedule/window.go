package schedule

import (
	"fmt"
	"time"
)

// Window is the half-open summarization interval [Start, End) behind an
// occurrence, in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// SummaryWindow derives the lookback interval summarized for one occurrence.
//
// The window always ends at the occurrence. With a fixed lookback the start
// is a plain duration subtraction; with a previous-occurrence lookback the
// start is the interval implied by the cadence, counted in calendar days on
// the schedule's local clock (a daily-weekday schedule looks back one
// calendar day, not one business day).
//
// This is a pure function of (schedule, occurrenceAt): the scanner and any
// replay tooling derive identical windows for identical inputs.
func SummaryWindow(s Schedule, occurrenceAt time.Time) (Window, error) {
	end := occurrenceAt.UTC()

	if s.Lookback.Mode == LookbackFixed {
		return Window{Start: end.Add(-s.Lookback.Fixed), End: end}, nil
	}

	loc, err := s.Location()
	if err != nil {
		return Window{}, err
	}
	local := occurrenceAt.In(loc)
	y, m, d := local.Date()

	var day time.Time
	switch s.Cadence.Kind {
	case CadenceDaily:
		day = time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
	case CadenceWeekly:
		day = time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, -7)
	case CadenceMonthly:
		day, err = previousNthWeekday(y, m, s.Cadence.Weekday, s.Cadence.Ordinal, loc)
		if err != nil {
			return Window{}, err
		}
	case CadenceInterval:
		day = time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, -s.Cadence.stepDays())
	default:
		return Window{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCadence, s.Cadence.Kind)
	}

	start := resolveLocal(day.Year(), day.Month(), day.Day(), local.Hour(), local.Minute(), loc)
	return Window{Start: start.UTC(), End: end}, nil
}

// previousNthWeekday walks back month by month to the closest month before
// (year, month) that has an nth occurrence of wd.
func previousNthWeekday(year int, month time.Month, wd time.Weekday, nth int, loc *time.Location) (time.Time, error) {
	for i := 1; i <= maxMonthScan; i++ {
		m := time.Date(year, time.Month(int(month)-i), 1, 0, 0, 0, 0, loc)
		if dom := nthWeekdayOfMonth(m.Year(), m.Month(), wd, nth); dom != 0 {
			return time.Date(m.Year(), m.Month(), dom, 0, 0, 0, 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("no month with a %d-th %s within %d months", nth, wd, maxMonthScan)
}
