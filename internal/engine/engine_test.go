package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	logx "jotchain/pkg/logx"
)

func TestBackoffDelayBounds(t *testing.T) {
	t.Parallel()
	opt := JobOptions{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))

	for retry := 1; retry <= 10; retry++ {
		d := backoffDelay(opt, retry, rng)
		if d < 0 || d > opt.RetryMaxDelay+time.Duration(float64(opt.RetryMaxDelay)*opt.RetryJitter) {
			t.Fatalf("retry %d: delay %s out of bounds", retry, d)
		}
	}

	// Later retries never exceed the cap by more than jitter.
	if d := backoffDelay(opt, 100, rng); d > opt.RetryMaxDelay+time.Duration(float64(opt.RetryMaxDelay)*opt.RetryJitter) {
		t.Fatalf("capped delay %s exceeds max", d)
	}
}

func TestEngineRunsAndRetries(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8, RetryMax: 2}, logx.Nop(), nil)
	s.Start()
	defer s.Stop()

	var calls int32
	done := make(chan struct{})
	err := s.Enqueue(Job{
		Name: "flaky",
		Opt:  JobOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			close(done)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not succeed within retries")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestEngineNoRetryShortCircuits(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8, RetryMax: 3}, logx.Nop(), nil)
	s.Start()
	defer s.Stop()

	var calls int32
	ran := make(chan struct{})
	err := s.Enqueue(Job{
		Name: "permanent",
		Opt:  JobOptions{RetryMax: 3, RetryBase: time.Millisecond},
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			close(ran)
			return NoRetry(errors.New("bad input"))
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}
	// Give the worker a moment to (incorrectly) retry before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1 (no retries)", got)
	}
}

func TestEngineOverlapSkip(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 8}, logx.Nop(), nil)
	s.Start()
	defer s.Stop()

	state := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})

	err := s.Enqueue(Job{
		Name:  "slow",
		State: state,
		Opt:   engineOverlapSkip(),
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started

	err = s.Enqueue(Job{
		Name:  "slow",
		State: state,
		Opt:   engineOverlapSkip(),
		Run:   func(ctx context.Context) error { return nil },
	})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue error = %v, want ErrOverlapSkip", err)
	}
	close(release)
}

func engineOverlapSkip() JobOptions {
	return JobOptions{Overlap: OverlapSkipIfRunning, RetryMax: 1, RetryBase: time.Millisecond}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop(), nil)
	s.Start()
	s.Stop()

	err := s.Enqueue(Job{Name: "late", Run: func(ctx context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
}
