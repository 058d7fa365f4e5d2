// Package scanner periodically sweeps enabled schedules, materializes
// delivery rows for upcoming occurrences, and arms their trigger timers.
//
// The sweep is idempotent: re-running it with the same clock reading creates
// no duplicate deliveries and re-arms nothing unless a trigger actually
// moved. Failures are isolated per schedule so one misconfigured cadence
// cannot starve everyone else's digests.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jotchain/internal/delivery"
	"jotchain/internal/eventbus"
	"jotchain/internal/schedule"
	"jotchain/internal/storage"
	logx "jotchain/pkg/logx"
)

// Store is the slice of the storage API the scanner needs.
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error)
	ListPendingDeliveries(ctx context.Context) ([]delivery.Delivery, error)
	UpsertDelivery(ctx context.Context, d delivery.Delivery) (storage.UpsertOutcome, error)
}

// Dispatcher arms the one-shot trigger timer for a delivery.
type Dispatcher interface {
	ScheduleAt(id string, at time.Time)
}

// Config controls the sweep.
type Config struct {
	// Horizon bounds how far ahead occurrences are materialized.
	Horizon time.Duration
	// MaxPerSchedule caps occurrences per schedule per sweep. This bounds
	// pathological configs (e.g. a 1-day interval swept with a long horizon)
	// and guarantees termination.
	MaxPerSchedule int
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 24 * time.Hour
	}
	if c.MaxPerSchedule <= 0 {
		c.MaxPerSchedule = 32
	}
	return c
}

type Service struct {
	cfg      Config
	store    Store
	dispatch Dispatcher
	log      logx.Logger
	bus      eventbus.Bus
}

func New(cfg Config, store Store, dispatch Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), store: store, dispatch: dispatch, log: log, bus: bus}
}

// ScanResult summarizes one sweep for logs and the event bus.
type ScanResult struct {
	Schedules int `json:"schedules"`
	Created   int `json:"created"`
	Rearmed   int `json:"rearmed"`
	Errors    int `json:"errors"`
}

// Scan sweeps every enabled schedule once, materializing deliveries whose
// occurrence falls within [now, now+horizon].
func (s *Service) Scan(ctx context.Context, now time.Time) (ScanResult, error) {
	scheds, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return ScanResult{}, fmt.Errorf("list schedules: %w", err)
	}

	res := ScanResult{Schedules: len(scheds)}
	for _, sc := range scheds {
		created, rearmed, err := s.scanSchedule(ctx, sc, now)
		if err != nil {
			// Per-schedule isolation: log, count, move on.
			res.Errors++
			s.log.Error("schedule scan failed",
				logx.String("schedule", sc.ID),
				logx.String("owner", sc.OwnerID),
				logx.String("cadence", sc.Cadence.String()),
				logx.Err(err))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.EventScanScheduleError, Data: sc.ID})
			}
			continue
		}
		res.Created += created
		res.Rearmed += rearmed
	}

	s.log.Debug("scan completed",
		logx.Int("schedules", res.Schedules),
		logx.Int("created", res.Created),
		logx.Int("rearmed", res.Rearmed),
		logx.Int("errors", res.Errors))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.EventScanCompleted, Data: res})
	}
	return res, nil
}

func (s *Service) scanSchedule(ctx context.Context, sc schedule.Schedule, now time.Time) (created, rearmed int, err error) {
	if err := sc.Validate(); err != nil {
		return 0, 0, err
	}
	loc, err := sc.Location()
	if err != nil {
		return 0, 0, err
	}

	horizonEnd := now.Add(s.cfg.Horizon)
	cursor := now
	for i := 0; i < s.cfg.MaxPerSchedule; i++ {
		occ, err := schedule.NextOccurrence(sc.Cadence, sc.At, loc, sc.Epoch, cursor)
		if err != nil {
			return created, rearmed, err
		}
		if occ.After(horizonEnd) {
			break
		}

		win, err := schedule.SummaryWindow(sc, occ)
		if err != nil {
			return created, rearmed, err
		}

		out, err := s.store.UpsertDelivery(ctx, delivery.Delivery{
			ID:           uuid.NewString(),
			ScheduleID:   sc.ID,
			OwnerID:      sc.OwnerID,
			OccurrenceAt: occ,
			TriggerAt:    sc.TriggerAt(occ),
			WindowStart:  win.Start,
			WindowEnd:    win.End,
		})
		if err != nil {
			return created, rearmed, err
		}

		d := out.Delivery
		// Arm when the row is new, its trigger moved, or a pending trigger
		// is already behind us (missed while the service was down).
		stale := d.Status == delivery.StatusPending && !d.TriggerAt.After(now)
		if out.Created || out.TriggerChanged || stale {
			s.dispatch.ScheduleAt(d.ID, d.TriggerAt)
			if out.Created {
				created++
			} else {
				rearmed++
			}
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryArmed, Data: d.ID})
			}
		}

		// Strict progress: step past the occurrence before asking again.
		cursor = occ.Add(time.Second)
	}
	return created, rearmed, nil
}

// Recover re-arms timers for every pending delivery. Called once at startup;
// triggers already in the past fire immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pend, err := s.store.ListPendingDeliveries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending deliveries: %w", err)
	}
	for _, d := range pend {
		s.dispatch.ScheduleAt(d.ID, d.TriggerAt)
	}
	if len(pend) > 0 {
		s.log.Info("recovered pending deliveries", logx.Int("count", len(pend)))
	}
	return len(pend), nil
}
