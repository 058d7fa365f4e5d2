package schedule

import (
	"fmt"
	"time"
)

// Defensive bound when advancing month by month looking for an Nth weekday.
// 5th-ordinal months are never more than a few months apart; this only trips
// on a programming error.
const maxMonthScan = 60

// NextOccurrence returns the first instant strictly after `after` at which
// the cadence fires, evaluated on the local wall clock of loc and returned
// in UTC.
//
// The strict inequality guarantees progress: callers enumerate occurrences by
// passing each result (plus any positive delta) back in as `after`.
//
// DST transitions resolve deterministically: a wall-clock time repeated by a
// fall-back transition maps to the later of the two instants, and a
// wall-clock time skipped by a spring-forward transition maps to a valid
// instant just past the gap.
func NextOccurrence(c Cadence, at TimeOfDay, loc *time.Location, epoch time.Time, after time.Time) (time.Time, error) {
	if err := c.Validate(); err != nil {
		return time.Time{}, err
	}
	if err := at.Validate(); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}

	local := after.In(loc)
	y, m, d := local.Date()
	cursor := time.Date(y, m, d, 0, 0, 0, 0, loc)

	switch c.Kind {
	case CadenceDaily:
		// Every weekday; Saturday and Sunday are skipped.
		for i := 0; i <= 7; i++ {
			day := cursor.AddDate(0, 0, i)
			if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
				continue
			}
			t := resolveLocal(day.Year(), day.Month(), day.Day(), at.Hour, at.Minute, loc)
			if t.After(after) {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("daily cadence found no weekday within 7 days of %s", after)

	case CadenceWeekly:
		offset := (int(c.Weekday) - int(cursor.Weekday()) + 7) % 7
		day := cursor.AddDate(0, 0, offset)
		t := resolveLocal(day.Year(), day.Month(), day.Day(), at.Hour, at.Minute, loc)
		if !t.After(after) {
			day = day.AddDate(0, 0, 7)
			t = resolveLocal(day.Year(), day.Month(), day.Day(), at.Hour, at.Minute, loc)
		}
		return t.UTC(), nil

	case CadenceMonthly:
		for i := 0; i < maxMonthScan; i++ {
			month := time.Date(y, time.Month(int(m)+i), 1, 0, 0, 0, 0, loc)
			dom := nthWeekdayOfMonth(month.Year(), month.Month(), c.Weekday, c.Ordinal)
			if dom == 0 {
				// No Nth occurrence this month (e.g. a missing 5th Monday).
				continue
			}
			t := resolveLocal(month.Year(), month.Month(), dom, at.Hour, at.Minute, loc)
			if t.After(after) {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("monthly cadence %s found no occurrence within %d months", c, maxMonthScan)

	case CadenceInterval:
		step := c.stepDays()
		ey, em, ed := epoch.In(loc).Date()
		epochDay := time.Date(ey, em, ed, 0, 0, 0, 0, loc)

		// Round the cursor up to the next multiple of step from the epoch.
		k := 0
		if diff := calendarDays(epochDay, cursor); diff > 0 {
			k = (diff + step - 1) / step
		}
		for i := 0; i < 2; i++ {
			day := epochDay.AddDate(0, 0, (k+i)*step)
			t := resolveLocal(day.Year(), day.Month(), day.Day(), at.Hour, at.Minute, loc)
			if t.After(after) {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("interval cadence %s made no progress from %s", c, after)

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidCadence, c.Kind)
	}
}

// resolveLocal maps a local wall-clock time to an absolute instant.
//
// A wall-clock time skipped by a spring-forward transition does not exist;
// time.Date then returns an instant whose clock reading differs from the
// request, typically one before the gap. We measure the wall-clock drift and
// roll the instant forward by it, which lands on the requested reading
// shifted just past the jump (02:30 in a 02:00-03:00 gap becomes 03:30).
// For wall-clock times repeated by a fall-back transition we probe for the
// repeat and pick the later instant.
func resolveLocal(year int, month time.Month, day, hour, min int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, min, 0, 0, loc)
	if t.Hour() != hour || t.Minute() != min || t.Day() != day {
		want := time.Date(year, month, day, hour, min, 0, 0, time.UTC)
		got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
		if drift := want.Sub(got); drift > 0 {
			return t.Add(drift)
		}
		return t
	}
	later := t.Add(time.Hour)
	if later.Hour() == hour && later.Minute() == min && later.Day() == day {
		// Ambiguous local time: the hour repeats. Take the later instant.
		return later
	}
	return t
}

// nthWeekdayOfMonth returns the day-of-month of the nth given weekday,
// or 0 if the month has no nth occurrence.
func nthWeekdayOfMonth(year int, month time.Month, wd time.Weekday, nth int) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + (nth-1)*7
	if day > daysInMonth(year, month) {
		return 0
	}
	return day
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// calendarDays counts calendar days between two local midnights.
// DST makes some days 23 or 25 hours long; rounding absorbs that.
func calendarDays(from, to time.Time) int {
	h := to.Sub(from).Hours()
	if h >= 0 {
		return int((h + 12) / 24)
	}
	return -int((-h + 12) / 24)
}
