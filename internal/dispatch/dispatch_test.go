package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"jotchain/internal/engine"
	logx "jotchain/pkg/logx"
)

type runRecorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newRunRecorder() *runRecorder {
	return &runRecorder{ch: make(chan string, 16)}
}

func (r *runRecorder) run(_ context.Context, id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.ch <- id
	return nil
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func newTestDispatch(t *testing.T, rec *runRecorder) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), nil)
	eng.Start()
	t.Cleanup(eng.Stop)

	d := New(eng, time.Second, rec.run, logx.Nop())
	t.Cleanup(d.Stop)
	return d
}

func waitForFire(t *testing.T, rec *runRecorder, want string) {
	t.Helper()
	select {
	case got := <-rec.ch:
		if got != want {
			t.Fatalf("fired %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timer for %q never fired", want)
	}
}

func TestScheduleAtPastFiresImmediately(t *testing.T) {
	t.Parallel()
	rec := newRunRecorder()
	d := newTestDispatch(t, rec)

	d.ScheduleAt("del-1", time.Now().Add(-time.Minute))
	waitForFire(t, rec, "del-1")
}

func TestScheduleAtSameInstantIsNoOp(t *testing.T) {
	t.Parallel()
	rec := newRunRecorder()
	d := newTestDispatch(t, rec)

	at := time.Now().Add(30 * time.Millisecond)
	d.ScheduleAt("del-1", at)
	d.ScheduleAt("del-1", at)
	d.ScheduleAt("del-1", at)

	waitForFire(t, rec, "del-1")
	// One armed timer, one fire.
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("fires = %d, want 1", rec.count())
	}
}

func TestRearmReplacesTimer(t *testing.T) {
	t.Parallel()
	rec := newRunRecorder()
	d := newTestDispatch(t, rec)

	// Arm far out, then move the trigger close. Only the replacement fires.
	d.ScheduleAt("del-1", time.Now().Add(time.Hour))
	d.ScheduleAt("del-1", time.Now().Add(20*time.Millisecond))

	waitForFire(t, rec, "del-1")
	time.Sleep(100 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("fires = %d, want 1", rec.count())
	}
	if d.Armed() != 0 {
		t.Fatalf("armed = %d, want 0 after firing", d.Armed())
	}
}

func TestCancelDisarms(t *testing.T) {
	t.Parallel()
	rec := newRunRecorder()
	d := newTestDispatch(t, rec)

	d.ScheduleAt("del-1", time.Now().Add(50*time.Millisecond))
	if !d.Cancel("del-1") {
		t.Fatal("Cancel reported nothing armed")
	}
	if d.Cancel("del-1") {
		t.Fatal("second Cancel should report nothing armed")
	}

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled timer still fired %d times", rec.count())
	}
}

func TestStopDisarmsEverything(t *testing.T) {
	t.Parallel()
	rec := newRunRecorder()
	d := newTestDispatch(t, rec)

	d.ScheduleAt("a", time.Now().Add(50*time.Millisecond))
	d.ScheduleAt("b", time.Now().Add(50*time.Millisecond))
	if d.Armed() != 2 {
		t.Fatalf("armed = %d, want 2", d.Armed())
	}
	d.Stop()
	if d.Armed() != 0 {
		t.Fatalf("armed = %d after Stop, want 0", d.Armed())
	}

	time.Sleep(150 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("stopped timers still fired %d times", rec.count())
	}
}
