package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jotchain/internal/delivery"
	"jotchain/internal/eventbus"
	"jotchain/internal/journal"
	"jotchain/internal/schedule"
	"jotchain/internal/storage"
	logx "jotchain/pkg/logx"
)

// Store is the slice of the storage API the delivery job needs.
type Store interface {
	GetDelivery(ctx context.Context, id string) (delivery.Delivery, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListEntries(ctx context.Context, ownerID string, start, end time.Time) ([]journal.Entry, error)
	TransitionDelivery(ctx context.Context, t storage.Transition) (delivery.Delivery, bool, error)
}

// Deferrer re-arms a trigger timer when a job fires early (clock drift, or a
// scanner moved the trigger after the timer was set).
type Deferrer interface {
	ScheduleAt(id string, at time.Time)
}

// EligibilityFunc reports whether an owner may receive digests right now
// (active account, configured recipient). Nil means every owner is eligible.
type EligibilityFunc func(ctx context.Context, ownerID string) bool

// Runner executes one delivery end to end: claim, generate, send, finalize.
//
// Every status change is a compare-and-swap against the version the runner
// last observed. A swap that reports ok=false means another worker (or a
// scanner refresh) got there first; the runner backs off silently, because
// whoever won is responsible for the rest of the lifecycle.
type Runner struct {
	store  Store
	gen    Generator
	notify Notifiers
	defr   Deferrer
	log    logx.Logger
	bus    eventbus.Bus

	eligible EligibilityFunc

	// now is swappable for tests.
	now func() time.Time
}

// SetEligibility installs an owner gate checked before a delivery is
// claimed. Deliveries for ineligible owners are skipped.
func (r *Runner) SetEligibility(fn EligibilityFunc) { r.eligible = fn }

func NewRunner(store Store, gen Generator, notify Notifiers, defr Deferrer, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		store:  store,
		gen:    gen,
		notify: notify,
		defr:   defr,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
}

// Run drives the delivery with the given id through its lifecycle.
//
// A nil return means the delivery reached a settled state or another worker
// owns it. A non-nil return means a transient failure was recorded and the
// job queue may retry; the retry will find the row no longer pending and
// return nil, so a failed delivery is never sent twice.
func (r *Runner) Run(ctx context.Context, deliveryID string) error {
	d, err := r.store.GetDelivery(ctx, deliveryID)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Warn("delivery vanished before job ran", logx.String("delivery", deliveryID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	if d.Status != delivery.StatusPending {
		// A retry after failure, or a duplicate timer fire. Nothing to do.
		return nil
	}

	if r.eligible != nil && !r.eligible(ctx, d.OwnerID) {
		r.skip(ctx, d, "owner not eligible")
		return nil
	}

	// Early fire: the scanner moved the trigger later, or the timer drifted.
	// Nothing generates before the trigger instant; the timer is re-armed for
	// exactly that instant and the row stays pending.
	if wait := d.TriggerAt.Sub(r.now()); wait > 0 {
		r.defr.ScheduleAt(d.ID, d.TriggerAt)
		r.log.Debug("delivery not due yet, re-armed",
			logx.String("delivery", d.ID),
			logx.Duration("wait", wait))
		return nil
	}

	sc, err := r.store.GetSchedule(ctx, d.ScheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		// Orphaned row: the schedule was deleted after the scan.
		r.skip(ctx, d, "schedule deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}

	// Claim the row. Losing here means another worker or a scanner refresh
	// bumped the version; either way this job is done.
	d, ok, err := r.store.TransitionDelivery(ctx, storage.Transition{
		ID:          d.ID,
		FromStatus:  delivery.StatusPending,
		FromVersion: d.Version,
		To:          delivery.StatusGenerating,
	})
	if err != nil {
		return fmt.Errorf("claim delivery: %w", err)
	}
	if !ok {
		return nil
	}

	entries, err := r.store.ListEntries(ctx, d.OwnerID, d.WindowStart, d.WindowEnd)
	if err != nil {
		return r.fail(ctx, d, fmt.Errorf("list entries: %w", err))
	}
	if len(entries) == 0 {
		r.skip(ctx, d, "no entries in window")
		return nil
	}

	sum, err := r.gen.Summarize(ctx, Request{
		OwnerID: d.OwnerID,
		Window:  schedule.Window{Start: d.WindowStart, End: d.WindowEnd},
		Entries: entries,
	})
	if errors.Is(err, ErrNoEntries) {
		r.skip(ctx, d, "generator produced nothing")
		return nil
	}
	if err != nil {
		return r.fail(ctx, d, fmt.Errorf("generate digest: %w", err))
	}

	d, ok, err = r.store.TransitionDelivery(ctx, storage.Transition{
		ID:          d.ID,
		FromStatus:  delivery.StatusGenerating,
		FromVersion: d.Version,
		To:          delivery.StatusDelivering,
		Payload:     sum.Payload,
		Model:       sum.Model,
		TokensUsed:  sum.TokensUsed,
	})
	if err != nil {
		return fmt.Errorf("store payload: %w", err)
	}
	if !ok {
		return nil
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryGenerated, Data: d.ID})
	}

	if err := r.notify.Deliver(ctx, sc.Channel, Digest{
		OwnerID:      d.OwnerID,
		OccurrenceAt: d.OccurrenceAt,
		WindowStart:  d.WindowStart,
		WindowEnd:    d.WindowEnd,
		Payload:      sum.Payload,
	}); err != nil {
		return r.fail(ctx, d, fmt.Errorf("deliver via %s: %w", sc.Channel, err))
	}

	if _, ok, err = r.store.TransitionDelivery(ctx, storage.Transition{
		ID:          d.ID,
		FromStatus:  delivery.StatusDelivering,
		FromVersion: d.Version,
		To:          delivery.StatusDelivered,
		DeliveredAt: r.now().UTC(),
	}); err != nil {
		return fmt.Errorf("finalize delivery: %w", err)
	} else if !ok {
		// The send went out but the row changed underneath us. Log loudly;
		// this should be impossible while the runner owns the delivering state.
		r.log.Error("delivered but finalize lost the version race", logx.String("delivery", d.ID))
		return nil
	}

	r.log.Info("digest delivered",
		logx.String("delivery", d.ID),
		logx.String("owner", d.OwnerID),
		logx.String("channel", sc.Channel),
		logx.Int("tokens", sum.TokensUsed))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryDelivered, Data: d.ID})
	}
	return nil
}

// skip moves the delivery to skipped. Losing the swap is fine; skipping is
// advisory and whoever won the race decides the outcome.
func (r *Runner) skip(ctx context.Context, d delivery.Delivery, reason string) {
	_, ok, err := r.store.TransitionDelivery(ctx, storage.Transition{
		ID:           d.ID,
		FromStatus:   d.Status,
		FromVersion:  d.Version,
		To:           delivery.StatusSkipped,
		ErrorMessage: reason,
	})
	if err != nil {
		r.log.Error("skip transition failed", logx.String("delivery", d.ID), logx.Err(err))
		return
	}
	if !ok {
		return
	}
	r.log.Info("delivery skipped",
		logx.String("delivery", d.ID),
		logx.String("reason", reason))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeliverySkipped, Data: d.ID})
	}
}

// fail records the failure on the row and returns the original error so the
// job queue can apply its retry policy.
func (r *Runner) fail(ctx context.Context, d delivery.Delivery, cause error) error {
	_, _, err := r.store.TransitionDelivery(ctx, storage.Transition{
		ID:           d.ID,
		FromStatus:   d.Status,
		FromVersion:  d.Version,
		To:           delivery.StatusFailed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		r.log.Error("fail transition failed", logx.String("delivery", d.ID), logx.Err(err))
	}
	r.log.Error("delivery failed",
		logx.String("delivery", d.ID),
		logx.String("owner", d.OwnerID),
		logx.Err(cause))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.EventDeliveryFailed, Data: d.ID})
	}
	return cause
}
