package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCadence is wrapped by all cadence validation failures.
var ErrInvalidCadence = errors.New("invalid cadence")

// CadenceKind enumerates the supported recurrence shapes.
type CadenceKind string

const (
	// CadenceDaily fires every weekday (Saturday and Sunday are skipped).
	CadenceDaily CadenceKind = "daily"
	// CadenceWeekly fires once a week on Weekday.
	CadenceWeekly CadenceKind = "weekly"
	// CadenceMonthly fires on the Ordinal-th Weekday of each month.
	// Months without an Ordinal-th occurrence are skipped entirely.
	CadenceMonthly CadenceKind = "monthly"
	// CadenceInterval fires every Every units counted from the schedule epoch.
	CadenceInterval CadenceKind = "interval"
)

// IntervalUnit is the step unit for CadenceInterval.
type IntervalUnit string

const (
	UnitDays  IntervalUnit = "days"
	UnitWeeks IntervalUnit = "weeks"
)

// Cadence describes how occurrences repeat.
//
// Only the fields relevant to Kind are meaningful:
//   - Weekly:   Weekday
//   - Monthly:  Weekday + Ordinal (1..5)
//   - Interval: Every + Unit
//
// Use the constructors; Validate rejects inconsistent combinations.
type Cadence struct {
	Kind    CadenceKind
	Weekday time.Weekday
	Ordinal int
	Every   int
	Unit    IntervalUnit
}

func Daily() Cadence { return Cadence{Kind: CadenceDaily} }

func WeeklyOn(wd time.Weekday) Cadence {
	return Cadence{Kind: CadenceWeekly, Weekday: wd}
}

func MonthlyOn(wd time.Weekday, ordinal int) Cadence {
	return Cadence{Kind: CadenceMonthly, Weekday: wd, Ordinal: ordinal}
}

func EveryN(n int, unit IntervalUnit) Cadence {
	return Cadence{Kind: CadenceInterval, Every: n, Unit: unit}
}

func (c Cadence) Validate() error {
	switch c.Kind {
	case CadenceDaily:
		return nil
	case CadenceWeekly:
		if c.Weekday < time.Sunday || c.Weekday > time.Saturday {
			return fmt.Errorf("%w: weekly weekday out of range: %d", ErrInvalidCadence, c.Weekday)
		}
		return nil
	case CadenceMonthly:
		if c.Weekday < time.Sunday || c.Weekday > time.Saturday {
			return fmt.Errorf("%w: monthly weekday out of range: %d", ErrInvalidCadence, c.Weekday)
		}
		if c.Ordinal < 1 || c.Ordinal > 5 {
			return fmt.Errorf("%w: monthly ordinal must be 1..5, got %d", ErrInvalidCadence, c.Ordinal)
		}
		return nil
	case CadenceInterval:
		if c.Every < 1 {
			return fmt.Errorf("%w: interval must be >= 1, got %d", ErrInvalidCadence, c.Every)
		}
		if c.Unit != UnitDays && c.Unit != UnitWeeks {
			return fmt.Errorf("%w: unknown interval unit %q", ErrInvalidCadence, c.Unit)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCadence, c.Kind)
	}
}

// stepDays returns the interval step in calendar days. Interval kind only.
func (c Cadence) stepDays() int {
	if c.Unit == UnitWeeks {
		return c.Every * 7
	}
	return c.Every
}

// String renders a compact form for logs, e.g. "weekly:tue" or "every:2weeks".
func (c Cadence) String() string {
	switch c.Kind {
	case CadenceDaily:
		return "daily"
	case CadenceWeekly:
		return "weekly:" + strings.ToLower(c.Weekday.String()[:3])
	case CadenceMonthly:
		return fmt.Sprintf("monthly:%d:%s", c.Ordinal, strings.ToLower(c.Weekday.String()[:3]))
	case CadenceInterval:
		return fmt.Sprintf("every:%d%s", c.Every, c.Unit)
	default:
		return string(c.Kind)
	}
}
