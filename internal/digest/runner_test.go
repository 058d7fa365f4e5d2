package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"jotchain/internal/delivery"
	"jotchain/internal/journal"
	"jotchain/internal/schedule"
	"jotchain/internal/storage"
	logx "jotchain/pkg/logx"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Digest
	err  error
}

func (f *fakeNotifier) Deliver(_ context.Context, d Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, d)
	return nil
}

func (f *fakeNotifier) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeDeferrer struct {
	mu    sync.Mutex
	armed map[string]time.Time
}

func (f *fakeDeferrer) ScheduleAt(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed == nil {
		f.armed = map[string]time.Time{}
	}
	f.armed[id] = at
}

type runnerFixture struct {
	store    storage.Store
	notifier *fakeNotifier
	deferrer *fakeDeferrer
	genCalls int
	genErr   error
	runner   *Runner
	delivery delivery.Delivery
}

// newRunnerFixture stores one enabled weekly schedule, one pending delivery
// whose trigger is due at the fixture clock, and one journal entry inside the
// window.
func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()
	ctx := context.Background()
	f := &runnerFixture{
		store:    storage.NewMemory(),
		notifier: &fakeNotifier{},
		deferrer: &fakeDeferrer{},
	}

	err := f.store.PutSchedule(ctx, schedule.Schedule{
		ID:       "sched-1",
		OwnerID:  "owner-1",
		Cadence:  schedule.WeeklyOn(time.Friday),
		At:       schedule.TimeOfDay{Hour: 17},
		Timezone: "UTC",
		Channel:  "email",
		Enabled:  true,
	})
	if err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}

	occ := time.Date(2026, 1, 16, 17, 0, 0, 0, time.UTC)
	out, err := f.store.UpsertDelivery(ctx, delivery.Delivery{
		ID:           "del-1",
		ScheduleID:   "sched-1",
		OwnerID:      "owner-1",
		OccurrenceAt: occ,
		TriggerAt:    occ,
		WindowStart:  occ.Add(-7 * 24 * time.Hour),
		WindowEnd:    occ,
	})
	if err != nil {
		t.Fatalf("UpsertDelivery: %v", err)
	}
	f.delivery = out.Delivery

	err = f.store.AddEntry(ctx, journal.Entry{
		ID: "e1", OwnerID: "owner-1", Body: "shipped the thing",
		CreatedAt: occ.Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	gen := GeneratorFunc(func(_ context.Context, req Request) (Summary, error) {
		f.genCalls++
		if f.genErr != nil {
			return Summary{}, f.genErr
		}
		if len(req.Entries) == 0 {
			return Summary{}, ErrNoEntries
		}
		return Summary{Payload: "weekly digest", Model: "test-model", TokensUsed: 42}, nil
	})

	f.runner = NewRunner(f.store, gen, Notifiers{"email": f.notifier}, f.deferrer, logx.Nop(), nil)
	f.runner.now = func() time.Time { return occ } // the trigger is due
	return f
}

func (f *runnerFixture) status(t *testing.T) delivery.Delivery {
	t.Helper()
	d, err := f.store.GetDelivery(context.Background(), f.delivery.ID)
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	return d
}

func TestRunnerHappyPath(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)

	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	d := f.status(t)
	if d.Status != delivery.StatusDelivered {
		t.Fatalf("status = %s, want delivered", d.Status)
	}
	if d.Payload != "weekly digest" || d.Model != "test-model" || d.TokensUsed != 42 {
		t.Fatalf("generation results not persisted: %+v", d)
	}
	if d.DeliveredAt.IsZero() {
		t.Fatal("DeliveredAt not set")
	}
	if f.notifier.sentCount() != 1 {
		t.Fatalf("notifier calls = %d, want 1", f.notifier.sentCount())
	}
	if got := f.notifier.sent[0]; got.OwnerID != "owner-1" || got.Payload != "weekly digest" {
		t.Fatalf("sent digest: %+v", got)
	}
}

func TestRunnerDefersEarlyFire(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	// Clock well before the trigger.
	f.runner.now = func() time.Time { return f.delivery.TriggerAt.Add(-time.Hour) }

	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d := f.status(t); d.Status != delivery.StatusPending {
		t.Fatalf("status = %s, want still pending", d.Status)
	}
	if f.genCalls != 0 {
		t.Fatal("generator called on an early fire")
	}
	if at, ok := f.deferrer.armed[f.delivery.ID]; !ok || !at.Equal(f.delivery.TriggerAt) {
		t.Fatalf("deferrer not re-armed at the trigger: %v %v", at, ok)
	}
}

func TestRunnerDefersFireSecondsEarly(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	// Timer jitter: the job lands one second before the trigger. It must not
	// generate; it re-arms for exactly the trigger instant.
	f.runner.now = func() time.Time { return f.delivery.TriggerAt.Add(-time.Second) }

	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d := f.status(t); d.Status != delivery.StatusPending {
		t.Fatalf("status = %s, want still pending", d.Status)
	}
	if f.genCalls != 0 || f.notifier.sentCount() != 0 {
		t.Fatalf("generated/sent before the trigger: gen=%d sent=%d", f.genCalls, f.notifier.sentCount())
	}
	if at, ok := f.deferrer.armed[f.delivery.ID]; !ok || !at.Equal(f.delivery.TriggerAt) {
		t.Fatalf("deferrer not re-armed at the trigger: %v %v", at, ok)
	}
}

func TestRunnerSkipsIneligibleOwner(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	f.runner.SetEligibility(func(_ context.Context, owner string) bool {
		return owner != "owner-1"
	})

	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := f.status(t)
	if d.Status != delivery.StatusSkipped {
		t.Fatalf("status = %s, want skipped", d.Status)
	}
	if d.ErrorMessage != "owner not eligible" {
		t.Fatalf("skip reason = %q", d.ErrorMessage)
	}
	if f.genCalls != 0 || f.notifier.sentCount() != 0 {
		t.Fatalf("ineligible owner still processed: gen=%d sent=%d", f.genCalls, f.notifier.sentCount())
	}
}

func TestRunnerSkipsEmptyWindow(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)

	// Move the window before the fixture's only entry.
	ctx := context.Background()
	moved := f.delivery
	moved.WindowStart = f.delivery.WindowStart.Add(-14 * 24 * time.Hour)
	moved.WindowEnd = f.delivery.WindowEnd.Add(-14 * 24 * time.Hour)
	out, err := f.store.UpsertDelivery(ctx, moved)
	if err != nil {
		t.Fatalf("move window: %v", err)
	}
	f.delivery = out.Delivery

	if err := f.runner.Run(ctx, f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d := f.status(t)
	if d.Status != delivery.StatusSkipped {
		t.Fatalf("status = %s, want skipped", d.Status)
	}
	if f.notifier.sentCount() != 0 {
		t.Fatal("notifier called for an empty window")
	}
}

func TestRunnerSkipsWhenGeneratorHasNothing(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	f.genErr = ErrNoEntries

	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d := f.status(t); d.Status != delivery.StatusSkipped {
		t.Fatalf("status = %s, want skipped", d.Status)
	}
}

func TestRunnerGeneratorFailure(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	f.genErr = errors.New("api down")

	err := f.runner.Run(context.Background(), f.delivery.ID)
	if err == nil {
		t.Fatal("expected the generation error to surface")
	}
	d := f.status(t)
	if d.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.ErrorMessage == "" {
		t.Fatal("failure cause not recorded")
	}
	if f.notifier.sentCount() != 0 {
		t.Fatal("notifier called after a failed generation")
	}

	// A retry finds the terminal row and does nothing.
	if err := f.runner.Run(context.Background(), f.delivery.ID); err != nil {
		t.Fatalf("retry on failed row: %v", err)
	}
	if f.genCalls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.genCalls)
	}
}

func TestRunnerNotifierFailure(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	f.notifier.err = errors.New("smtp refused")

	err := f.runner.Run(context.Background(), f.delivery.ID)
	if err == nil {
		t.Fatal("expected the send error to surface")
	}
	d := f.status(t)
	if d.Status != delivery.StatusFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	// The generated payload survives for inspection even though the send failed.
	if d.Payload != "weekly digest" {
		t.Fatalf("payload lost on send failure: %+v", d)
	}
}

func TestRunnerToleratesMissingDelivery(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	if err := f.runner.Run(context.Background(), "no-such-delivery"); err != nil {
		t.Fatalf("missing delivery should be a no-op, got %v", err)
	}
}

func TestRunnerSkipsOrphanedDelivery(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)

	// Point the delivery at a schedule that does not exist.
	ctx := context.Background()
	occ := time.Date(2026, 2, 20, 17, 0, 0, 0, time.UTC)
	out, err := f.store.UpsertDelivery(ctx, delivery.Delivery{
		ID:           "orphan",
		ScheduleID:   "deleted-sched",
		OwnerID:      "owner-1",
		OccurrenceAt: occ,
		TriggerAt:    occ,
		WindowStart:  occ.Add(-7 * 24 * time.Hour),
		WindowEnd:    occ,
	})
	if err != nil {
		t.Fatalf("UpsertDelivery: %v", err)
	}
	f.runner.now = func() time.Time { return occ }

	if err := f.runner.Run(ctx, out.Delivery.ID); err != nil {
		t.Fatalf("Run: %v", err)
	}
	d, err := f.store.GetDelivery(ctx, "orphan")
	if err != nil {
		t.Fatalf("GetDelivery: %v", err)
	}
	if d.Status != delivery.StatusSkipped {
		t.Fatalf("status = %s, want skipped", d.Status)
	}
}

func TestRunnerLosesClaimRaceSilently(t *testing.T) {
	t.Parallel()
	f := newRunnerFixture(t)
	ctx := context.Background()

	// Another worker claims the row first.
	if _, ok, err := f.store.TransitionDelivery(ctx, storage.Transition{
		ID:          f.delivery.ID,
		FromStatus:  delivery.StatusPending,
		FromVersion: f.delivery.Version,
		To:          delivery.StatusGenerating,
	}); err != nil || !ok {
		t.Fatalf("pre-claim: ok=%v err=%v", ok, err)
	}

	if err := f.runner.Run(ctx, f.delivery.ID); err != nil {
		t.Fatalf("losing the race should be silent, got %v", err)
	}
	if f.genCalls != 0 {
		t.Fatal("loser still generated")
	}
	if d := f.status(t); d.Status != delivery.StatusGenerating {
		t.Fatalf("status = %s, want untouched generating", d.Status)
	}
}
