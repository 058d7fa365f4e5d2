// Package dispatch arms one-shot timers that hand delivery jobs to the
// engine at their trigger time.
//
// Timers are keyed by delivery id and versioned: re-arming a key bumps its
// version so a stale callback from a previously armed timer is ignored. This
// is what lets the scanner re-schedule a delivery whose trigger moved without
// ever producing two invocations for one arm.
package dispatch

import (
	"context"
	"sync"
	"time"

	"jotchain/internal/engine"
	logx "jotchain/pkg/logx"
)

// JobFunc executes the delivery job for one delivery id.
type JobFunc func(ctx context.Context, deliveryID string) error

type Service struct {
	log     logx.Logger
	engine  *engine.Service
	run     JobFunc
	timeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	at     map[string]time.Time
	ver    map[string]uint64
}

func New(eng *engine.Service, timeout time.Duration, run JobFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:     log,
		engine:  eng,
		run:     run,
		timeout: timeout,
		timers:  map[string]*time.Timer{},
		at:      map[string]time.Time{},
		ver:     map[string]uint64{},
	}
}

// ScheduleAt arms (or re-arms) the timer for a delivery. Arming the same id
// at the same instant is a no-op; a different instant replaces the previous
// timer. Instants in the past fire immediately.
func (s *Service) ScheduleAt(id string, at time.Time) {
	if id == "" || at.IsZero() {
		return
	}

	s.mu.Lock()
	if prev, ok := s.at[id]; ok && prev.Equal(at) {
		s.mu.Unlock()
		return
	}
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	// Bump version to ignore stale callbacks from replaced timers.
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.at[id] = at

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	localID := id
	localVer := ver
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.ver[localID] != localVer {
			s.mu.Unlock()
			return
		}
		delete(s.timers, localID)
		delete(s.at, localID)
		delete(s.ver, localID)
		s.mu.Unlock()

		s.fire(localID)
	})
	s.timers[id] = timer
	s.mu.Unlock()

	s.log.Debug("delivery armed", logx.String("delivery", id), logx.Time("at", at), logx.Duration("in", delay))
}

func (s *Service) fire(id string) {
	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Job{
		Name:    "delivery",
		Timeout: s.timeout,
		Run: func(ctx context.Context) error {
			return s.run(ctx, id)
		},
		Opt:   engine.JobOptions{Overlap: engine.OverlapAllow},
		State: &engine.RunState{},
	})
	if err != nil {
		s.log.Error("delivery enqueue failed", logx.String("delivery", id), logx.Err(err))
	}
}

// Cancel disarms the timer for a delivery. It returns true if one was armed.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	delete(s.at, id)
	if _, had := s.ver[id]; had {
		delete(s.ver, id)
		return true
	}
	return ok
}

// Armed returns the number of currently armed timers.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms everything. Pending deliveries are re-armed from storage on
// the next start.
func (s *Service) Stop() {
	s.mu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.at = map[string]time.Time{}
	s.ver = map[string]uint64{}
	s.mu.Unlock()
}
