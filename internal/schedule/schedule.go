package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// TimeOfDay is a local wall-clock time.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) Validate() error {
	if t.Hour < 0 || t.Hour > 23 {
		return fmt.Errorf("%w: hour out of range: %d", ErrInvalidSchedule, t.Hour)
	}
	if t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("%w: minute out of range: %d", ErrInvalidSchedule, t.Minute)
	}
	return nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q (expected HH:MM)", ErrInvalidSchedule, s)
	}
	tod := TimeOfDay{Hour: h, Minute: m}
	if err := tod.Validate(); err != nil {
		return TimeOfDay{}, err
	}
	return tod, nil
}

// LookbackMode selects how the summary window start is derived.
type LookbackMode string

const (
	// LookbackPreviousOccurrence spans back to the interval implied by the
	// cadence (1 calendar day for daily, 7 for weekly, and so on).
	LookbackPreviousOccurrence LookbackMode = "previous"
	// LookbackFixed spans back a fixed duration.
	LookbackFixed LookbackMode = "fixed"
)

// Lookback describes the summarization window behind each occurrence.
// The zero value means "since the previous occurrence".
type Lookback struct {
	Mode  LookbackMode
	Fixed time.Duration
}

func (l Lookback) Validate() error {
	switch l.Mode {
	case "", LookbackPreviousOccurrence:
		return nil
	case LookbackFixed:
		if l.Fixed <= 0 {
			return fmt.Errorf("%w: fixed lookback must be > 0", ErrInvalidSchedule)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown lookback mode %q", ErrInvalidSchedule, l.Mode)
	}
}

// Schedule is a user-owned digest schedule.
//
// Epoch anchors interval cadences; it is set once at creation and never
// shifted by edits, so interval occurrences stay on the original grid.
type Schedule struct {
	ID      string
	OwnerID string

	Cadence  Cadence
	At       TimeOfDay
	Timezone string // IANA identifier, e.g. "Europe/Berlin"

	Lookback Lookback
	LeadTime time.Duration

	// Channel names the notifier backend ("email", "telegram").
	Channel string

	Enabled bool
	Epoch   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Schedule) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidSchedule)
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidSchedule)
	}
	if err := s.Cadence.Validate(); err != nil {
		return err
	}
	if err := s.At.Validate(); err != nil {
		return err
	}
	if err := s.Lookback.Validate(); err != nil {
		return err
	}
	if s.LeadTime < 0 {
		return fmt.Errorf("%w: lead time must be >= 0", ErrInvalidSchedule)
	}
	if _, err := s.Location(); err != nil {
		return err
	}
	if s.Cadence.Kind == CadenceInterval && s.Epoch.IsZero() {
		return fmt.Errorf("%w: interval cadence requires an epoch", ErrInvalidSchedule)
	}
	return nil
}

// Location resolves the schedule's IANA timezone.
func (s Schedule) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return nil, fmt.Errorf("%w: timezone required", ErrInvalidSchedule)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, tz, err)
	}
	return loc, nil
}

// TriggerAt returns when generation for the given occurrence should start.
func (s Schedule) TriggerAt(occurrenceAt time.Time) time.Time {
	return occurrenceAt.Add(-s.LeadTime)
}
