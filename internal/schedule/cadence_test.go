package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestCadenceValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cadence Cadence
		wantErr bool
	}{
		{name: "daily", cadence: Daily()},
		{name: "weekly", cadence: WeeklyOn(time.Tuesday)},
		{name: "monthly", cadence: MonthlyOn(time.Friday, 3)},
		{name: "interval days", cadence: EveryN(3, UnitDays)},
		{name: "interval weeks", cadence: EveryN(2, UnitWeeks)},
		{name: "monthly ordinal zero", cadence: MonthlyOn(time.Friday, 0), wantErr: true},
		{name: "monthly ordinal six", cadence: MonthlyOn(time.Friday, 6), wantErr: true},
		{name: "interval zero", cadence: EveryN(0, UnitDays), wantErr: true},
		{name: "interval bad unit", cadence: Cadence{Kind: CadenceInterval, Every: 2, Unit: "months"}, wantErr: true},
		{name: "unknown kind", cadence: Cadence{Kind: "hourly"}, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cadence.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCadence) {
					t.Fatalf("error = %v, want ErrInvalidCadence", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	t.Parallel()
	got, err := ParseTimeOfDay("17:05")
	if err != nil {
		t.Fatalf("ParseTimeOfDay: %v", err)
	}
	if got.Hour != 17 || got.Minute != 5 {
		t.Fatalf("got %s, want 17:05", got)
	}

	for _, bad := range []string{"24:00", "12:60", "noon", ""} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("ParseTimeOfDay(%q) should fail", bad)
		}
	}
}

func TestScheduleTriggerAt(t *testing.T) {
	t.Parallel()
	s := testSchedule(Daily(), "UTC", Lookback{})
	s.LeadTime = 15 * time.Minute
	occ := time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC)
	if got := s.TriggerAt(occ); !got.Equal(occ.Add(-15 * time.Minute)) {
		t.Fatalf("TriggerAt = %s, want %s", got, occ.Add(-15*time.Minute))
	}

	s.LeadTime = 0
	if got := s.TriggerAt(occ); !got.Equal(occ) {
		t.Fatalf("zero lead time should trigger at the occurrence, got %s", got)
	}
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	ok := testSchedule(WeeklyOn(time.Monday), "Europe/Berlin", Lookback{})
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}

	bad := ok
	bad.Timezone = "Mars/Olympus"
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("bad timezone: error = %v, want ErrInvalidSchedule", err)
	}

	bad = ok
	bad.LeadTime = -time.Minute
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("negative lead time: error = %v, want ErrInvalidSchedule", err)
	}

	bad = testSchedule(EveryN(2, UnitDays), "UTC", Lookback{})
	bad.Epoch = time.Time{}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("interval without epoch: error = %v, want ErrInvalidSchedule", err)
	}
}
