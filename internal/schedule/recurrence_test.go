package schedule

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%q): %v", name, err)
	}
	return loc
}

func TestNextOccurrenceTable(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	// 2026-01-01 is a Thursday.
	tests := []struct {
		name    string
		cadence Cadence
		at      TimeOfDay
		loc     *time.Location
		epoch   time.Time
		after   time.Time
		want    time.Time
	}{
		{
			name:    "daily skips weekend",
			cadence: Daily(),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			// Friday 10:00, past the 09:00 slot.
			after: time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC), // Monday
		},
		{
			name:    "daily same day before slot",
			cadence: Daily(),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			after:   time.Date(2026, 1, 9, 8, 59, 0, 0, time.UTC),
			want:    time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "weekly later this week",
			cadence: WeeklyOn(time.Tuesday),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			after:   time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC), // Monday
			want:    time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "weekly wraps to next week",
			cadence: WeeklyOn(time.Tuesday),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			after:   time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC), // exactly at the slot
			want:    time.Date(2026, 1, 13, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "monthly first monday rolls to next month",
			cadence: MonthlyOn(time.Monday, 1),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			after:   time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
			want:    time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC), // Feb 1 is a Sunday
		},
		{
			name:    "monthly fifth monday skips short months",
			cadence: MonthlyOn(time.Monday, 5),
			at:      TimeOfDay{Hour: 9},
			loc:     time.UTC,
			after:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			// Jan and Feb 2026 have four Mondays; March has five.
			want: time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC),
		},
		{
			name:    "interval stays on epoch grid",
			cadence: EveryN(2, UnitWeeks),
			at:      TimeOfDay{Hour: 8},
			loc:     time.UTC,
			epoch:   time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
			after:   time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC),
			want:    time.Date(2026, 1, 19, 8, 0, 0, 0, time.UTC),
		},
		{
			name:    "interval fires on epoch day",
			cadence: EveryN(2, UnitWeeks),
			at:      TimeOfDay{Hour: 8},
			loc:     time.UTC,
			epoch:   time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC),
			after:   time.Date(2026, 1, 5, 7, 0, 0, 0, time.UTC),
			want:    time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
		},
		{
			name:    "spring forward gap normalizes past the jump",
			cadence: WeeklyOn(time.Sunday),
			at:      TimeOfDay{Hour: 2, Minute: 30},
			loc:     ny,
			after:   time.Date(2026, 3, 7, 0, 0, 0, 0, time.UTC),
			// 2026-03-08 02:30 does not exist in New York; 02:30 EST
			// normalizes to 03:30 EDT, which is 07:30 UTC.
			want: time.Date(2026, 3, 8, 7, 30, 0, 0, time.UTC),
		},
		{
			name:    "fall back ambiguity takes the later instant",
			cadence: WeeklyOn(time.Sunday),
			at:      TimeOfDay{Hour: 1, Minute: 30},
			loc:     ny,
			after:   time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC),
			// 2026-11-01 01:30 happens twice in New York; the later (EST)
			// instant is 06:30 UTC.
			want: time.Date(2026, 11, 1, 6, 30, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NextOccurrence(tt.cadence, tt.at, tt.loc, tt.epoch, tt.after)
			if err != nil {
				t.Fatalf("NextOccurrence error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextOccurrence = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextOccurrenceDeterministic(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "Europe/Berlin")
	after := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

	a, err := NextOccurrence(WeeklyOn(time.Friday), TimeOfDay{Hour: 17}, loc, time.Time{}, after)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	b, err := NextOccurrence(WeeklyOn(time.Friday), TimeOfDay{Hour: 17}, loc, time.Time{}, after)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("same inputs gave %s and %s", a, b)
	}
}

func TestNextOccurrenceStrictProgress(t *testing.T) {
	t.Parallel()
	cadences := []Cadence{
		Daily(),
		WeeklyOn(time.Wednesday),
		MonthlyOn(time.Friday, 2),
		EveryN(3, UnitDays),
	}
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, c := range cadences {
		c := c
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			cursor := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 20; i++ {
				occ, err := NextOccurrence(c, TimeOfDay{Hour: 10}, time.UTC, epoch, cursor)
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if !occ.After(cursor) {
					t.Fatalf("step %d: occurrence %s not after cursor %s", i, occ, cursor)
				}
				cursor = occ
			}
		})
	}
}

func TestNextOccurrenceRejectsInvalid(t *testing.T) {
	t.Parallel()
	if _, err := NextOccurrence(Cadence{Kind: "hourly"}, TimeOfDay{Hour: 9}, time.UTC, time.Time{}, time.Now()); err == nil {
		t.Fatal("expected error for unknown cadence kind")
	}
	if _, err := NextOccurrence(Daily(), TimeOfDay{Hour: 24}, time.UTC, time.Time{}, time.Now()); err == nil {
		t.Fatal("expected error for invalid time of day")
	}
}

func TestResolveLocalDSTGap(t *testing.T) {
	t.Parallel()
	ny := mustLoc(t, "America/New_York")

	// 02:30 on 2026-03-08 falls inside the 02:00-03:00 spring-forward gap.
	got := resolveLocal(2026, time.March, 8, 2, 30, ny)
	want := time.Date(2026, 3, 8, 3, 30, 0, 0, ny)
	if !got.Equal(want) {
		t.Fatalf("gap time resolved to %s, want %s", got, want)
	}

	// The resolved instant must sit past the jump, never before it.
	gapEnd := time.Date(2026, 3, 8, 3, 0, 0, 0, ny)
	if got.Before(gapEnd) {
		t.Fatalf("gap time resolved before the transition: %s", got)
	}

	// A valid wall-clock reading on the same day is untouched.
	plain := resolveLocal(2026, time.March, 8, 12, 0, ny)
	if !plain.Equal(time.Date(2026, 3, 8, 12, 0, 0, 0, ny)) {
		t.Fatalf("plain time shifted: %s", plain)
	}
}

func TestNthWeekdayOfMonth(t *testing.T) {
	t.Parallel()
	// March 2026 starts on a Sunday.
	if got := nthWeekdayOfMonth(2026, time.March, time.Monday, 5); got != 30 {
		t.Fatalf("5th Monday of Mar 2026 = %d, want 30", got)
	}
	if got := nthWeekdayOfMonth(2026, time.February, time.Monday, 5); got != 0 {
		t.Fatalf("5th Monday of Feb 2026 = %d, want 0 (absent)", got)
	}
}
