package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jotchain/internal/eventbus"
	logx "jotchain/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	inFlight int32

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped             uint64
	lastQueueFullWarnAt int64
}

type queuedJob struct {
	job Job

	enqueuedAt time.Time
	timeout    time.Duration
	opt        JobOptions

	state *RunState
	track bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Start launches the worker pool. Idempotent.
func (s *Service) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedJob, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	queue := s.q
	stopCh := s.stopCh
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(stopCh, queue, idx)
		}()
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop signals workers and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.q = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("engine stopped")
}

// Enqueue tries to enqueue a job without blocking. If the queue is full, the
// job is dropped and ErrQueueFull returned.
func (s *Service) Enqueue(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("job Run is nil")
	}
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return fmt.Errorf("job Name is required")
	}
	j.Name = name

	now := time.Now()
	if strings.TrimSpace(j.ID) == "" {
		j.ID = s.newJobID(now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	log := s.log
	bus := s.bus
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}

	timeout := j.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := j.Opt.withDefaults(cfg)

	st := j.State
	track := false
	if opt.Overlap == OverlapSkipIfRunning && st != nil {
		track = true
		if !st.tryAcquire() {
			if !log.IsZero() {
				log.Debug("job skipped due to overlap", logx.String("job", j.Name), logx.String("id", j.ID))
			}
			return ErrOverlapSkip
		}
	}

	qj := queuedJob{job: j, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track}

	select {
	case q <- qj:
		return nil
	default:
		if track && st != nil {
			st.release()
		}
		s.onQueueFullDropped(now, j, q, log, bus)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql = len(q)
		qc = cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(atomic.LoadInt32(&s.inFlight)),
		Dropped:        atomic.LoadUint64(&s.dropped),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (s *Service) newJobID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	// Short but unique-ish across restarts.
	return fmt.Sprintf("job-%x-%x", now.UnixNano(), seq)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, j Job, q chan queuedJob, log logx.Logger, bus eventbus.Bus) {
	atomic.AddUint64(&s.dropped, 1)

	if bus != nil {
		bus.Publish(eventbus.Event{Type: "job.dropped", Time: now, Data: JobEvent{ID: j.ID, Name: j.Name, Started: now, Error: "queue_full"}})
	}

	if !log.IsZero() && s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		ql, qc := 0, 0
		if q != nil {
			ql = len(q)
			qc = cap(q)
		}
		log.Warn(
			"job dropped: queue full",
			logx.String("job", j.Name),
			logx.String("id", j.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

func (s *Service) recordHistory(item HistoryItem) {
	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	if historySize <= 0 {
		historySize = 200
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}
