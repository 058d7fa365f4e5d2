package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"jotchain/internal/delivery"
	"jotchain/internal/journal"
	"jotchain/internal/schedule"
	logx "jotchain/pkg/logx"
)

// Store is the persistence API used by the scanner and the delivery job.
type Store interface {
	// Schedules.
	PutSchedule(ctx context.Context, s schedule.Schedule) error
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListEnabledSchedules(ctx context.Context) ([]schedule.Schedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error

	// Deliveries. UpsertDelivery is keyed by (ScheduleID, OccurrenceAt) and
	// never touches rows that moved past pending. TransitionDelivery is the
	// compare-and-swap described on Transition.
	UpsertDelivery(ctx context.Context, d delivery.Delivery) (UpsertOutcome, error)
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	ListPendingDeliveries(ctx context.Context) ([]delivery.Delivery, error)
	TransitionDelivery(ctx context.Context, t Transition) (delivery.Delivery, bool, error)

	// Journal entries.
	AddEntry(ctx context.Context, e journal.Entry) error
	ListEntries(ctx context.Context, ownerID string, start, end time.Time) ([]journal.Entry, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
