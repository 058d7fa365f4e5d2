// Package app is the composition root: it loads configuration, wires the
// storage, engine, dispatcher, scanner and digest runner together, and owns
// their lifecycles.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"jotchain/internal/config"
	"jotchain/internal/digest"
	"jotchain/internal/dispatch"
	"jotchain/internal/engine"
	"jotchain/internal/eventbus"
	"jotchain/internal/journal"
	"jotchain/internal/observability/ops"
	"jotchain/internal/scanner"
	"jotchain/internal/storage"
	logx "jotchain/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	bus   eventbus.Bus
	eng   *engine.Service
	disp  *dispatch.Service
	scan  *scanner.Service

	cron    *cron.Cron
	cronID  cron.EntryID
	scanRun *engine.RunState

	ops      *ops.Service
	lastScan atomic.Value // scanner.ScanResult

	watchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New loads the config at path and builds the full service graph. Nothing
// runs until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	mgr.SetValidator(config.Validate)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("svc", "config")))

	a := &App{
		cfgMgr:  mgr,
		logSvc:  logSvc,
		log:     log,
		bus:     eventbus.New(),
		scanRun: &engine.RunState{},
	}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("svc", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	engCfg, err := engineConfig(cfg.Engine)
	if err != nil {
		return err
	}
	a.eng = engine.New(engCfg, a.log.With(logx.String("svc", "engine")), a.bus)

	gen, err := buildGenerator(cfg.Generator)
	if err != nil {
		return err
	}
	notifiers, err := buildNotifiers(cfg)
	if err != nil {
		return err
	}

	// Dispatcher and runner reference each other (the runner re-arms early
	// fires), so wire through a late-bound indirection.
	var disp *dispatch.Service
	runner := digest.NewRunner(store, gen, notifiers,
		deferrerFunc(func(id string, at time.Time) { disp.ScheduleAt(id, at) }),
		a.log.With(logx.String("svc", "digest")), a.bus)
	// Owners without a recipient entry cannot be delivered to; skip their
	// digests before any generation spend. An empty roster gates nothing.
	if recipients := cfg.Recipients; len(recipients) > 0 {
		runner.SetEligibility(func(_ context.Context, owner string) bool {
			_, ok := recipients[owner]
			return ok
		})
	}
	disp = dispatch.New(a.eng, engCfg.DefaultTimeout, runner.Run,
		a.log.With(logx.String("svc", "dispatch")))
	a.disp = disp

	horizon, err := config.ParseDurationField("scanner.horizon", cfg.Scanner.Horizon)
	if err != nil {
		return err
	}
	a.scan = scanner.New(scanner.Config{
		Horizon:        horizon,
		MaxPerSchedule: cfg.Scanner.MaxPerSchedule,
	}, store, disp, a.log.With(logx.String("svc", "scanner")), a.bus)

	opsCfg, err := opsConfig(cfg.Ops)
	if err != nil {
		return err
	}
	a.ops = ops.New(opsCfg, a.statusSnapshot, a.log.With(logx.String("svc", "ops")))

	return nil
}

func opsConfig(o *config.OpsConfig) (ops.Config, error) {
	if o == nil {
		return ops.Config{}, nil
	}
	read, err := config.ParseDurationField("ops.read_timeout", o.ReadTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationField("ops.write_timeout", o.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationField("ops.idle_timeout", o.IdleTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// statusSnapshot feeds the ops server's /statusz endpoint.
func (a *App) statusSnapshot() any {
	type status struct {
		Engine      engine.Snapshot     `json:"engine"`
		ArmedTimers int                 `json:"armed_timers"`
		LastScan    *scanner.ScanResult `json:"last_scan,omitempty"`
	}
	st := status{
		Engine:      a.eng.Snapshot(),
		ArmedTimers: a.disp.Armed(),
	}
	if v, ok := a.lastScan.Load().(scanner.ScanResult); ok {
		st.LastScan = &v
	}
	return st
}

type deferrerFunc func(id string, at time.Time)

func (f deferrerFunc) ScheduleAt(id string, at time.Time) { f(id, at) }

func engineConfig(e *config.EngineConfig) (engine.Config, error) {
	cfg := engine.Config{
		Workers:        2,
		QueueSize:      256,
		DefaultTimeout: 2 * time.Minute,
		HistorySize:    200,
		RetryMax:       3,
	}
	if e == nil {
		return cfg, nil
	}
	if e.Workers > 0 {
		cfg.Workers = e.Workers
	}
	if e.QueueSize > 0 {
		cfg.QueueSize = e.QueueSize
	}
	if strings.TrimSpace(e.DefaultTimeout) != "" {
		d, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
		if err != nil {
			return cfg, err
		}
		cfg.DefaultTimeout = d
	}
	if e.HistorySize > 0 {
		cfg.HistorySize = e.HistorySize
	}
	if e.RetryMax > 0 {
		cfg.RetryMax = e.RetryMax
	}
	return cfg, nil
}

func buildGenerator(g config.GeneratorConfig) (digest.Generator, error) {
	switch strings.ToLower(strings.TrimSpace(g.Driver)) {
	case "", "openai":
		if strings.TrimSpace(g.APIKey) == "" {
			return nil, fmt.Errorf("generator.api_key is required for the openai driver")
		}
		model := strings.TrimSpace(g.Model)
		if model == "" {
			model = "gpt-4o-mini"
		}
		return digest.NewOpenAIGenerator(g.APIKey, strings.TrimSpace(g.BaseURL), model), nil
	case "static":
		return digest.GeneratorFunc(func(_ context.Context, req digest.Request) (digest.Summary, error) {
			if len(req.Entries) == 0 {
				return digest.Summary{}, digest.ErrNoEntries
			}
			return digest.Summary{
				Payload: journal.RenderForPrompt(req.Entries),
				Model:   "static",
			}, nil
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator driver %q", g.Driver)
	}
}

func buildNotifiers(cfg *config.Config) (digest.Notifiers, error) {
	out := digest.Notifiers{}

	if cfg.Email != nil {
		addrs := digest.AddressMap{}
		for owner, r := range cfg.Recipients {
			if strings.TrimSpace(r.Email) != "" {
				addrs[owner] = strings.TrimSpace(r.Email)
			}
		}
		n := digest.NewEmailNotifier(digest.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
		}, addrs)
		out["email"] = digest.NewRateLimited(n, cfg.Email.RatePerSec, cfg.Email.Burst)
	}

	if cfg.Telegram != nil {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return nil, fmt.Errorf("telegram.token is required when the telegram section is present")
		}
		addrs := digest.AddressMap{}
		for owner, r := range cfg.Recipients {
			if strings.TrimSpace(r.TelegramChatID) != "" {
				addrs[owner] = strings.TrimSpace(r.TelegramChatID)
			}
		}
		n, err := digest.NewTelegramNotifier(cfg.Telegram.Token, addrs)
		if err != nil {
			return nil, err
		}
		out["telegram"] = digest.NewRateLimited(n, cfg.Telegram.RatePerSec, cfg.Telegram.Burst)
	}

	return out, nil
}

// Start brings the graph up: engine workers, pending-delivery recovery, the
// periodic scan, and the config watcher.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()

	a.eng.Start()

	// Re-arm whatever was pending when we last shut down, then sweep once so
	// fresh occurrences inside the horizon get materialized immediately.
	if n, err := a.scan.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending deliveries: %w", err)
	} else if n > 0 {
		a.log.Info("startup recovery armed pending deliveries", logx.Int("count", n))
	}
	res, err := a.scan.Scan(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	a.lastScan.Store(res)

	if cfg.Scanner.Enabled {
		interval, err := config.ParseDurationOrDefault("scanner.interval", cfg.Scanner.Interval, time.Minute)
		if err != nil {
			return err
		}
		a.cron = cron.New()
		id, err := a.cron.AddFunc(fmt.Sprintf("@every %s", interval), a.enqueueScan)
		if err != nil {
			return fmt.Errorf("schedule scan: %w", err)
		}
		a.cronID = id
		a.cron.Start()
		a.log.Info("periodic scan started", logx.Duration("interval", interval))
	} else {
		a.log.Warn("scanner disabled; deliveries will only arm at startup")
	}

	if err := a.ops.Start(); err != nil {
		return fmt.Errorf("start ops server: %w", err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgMgr.Watch(wctx)
	}()
	go func() {
		defer a.wg.Done()
		a.consumeConfigUpdates(wctx)
	}()

	a.log.Info("jotchain started")
	return nil
}

// enqueueScan pushes one sweep through the engine so scans share the worker
// pool, timeout and overlap handling with delivery jobs.
func (a *App) enqueueScan() {
	err := a.eng.Enqueue(engine.Job{
		Name:  "scan",
		State: a.scanRun,
		Opt:   engine.JobOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: 1},
		Run: func(ctx context.Context) error {
			res, err := a.scan.Scan(ctx, time.Now())
			if err != nil {
				return err
			}
			a.lastScan.Store(res)
			return nil
		},
	})
	switch {
	case err == nil, errors.Is(err, engine.ErrOverlapSkip):
	default:
		a.log.Warn("scan enqueue failed", logx.Err(err))
	}
}

// consumeConfigUpdates applies hot-reloadable sections. Only logging takes
// effect live; everything else logs what changed and waits for a restart.
func (a *App) consumeConfigUpdates(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				prev = cfg
				continue
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

			for _, section := range changed {
				if section == "logging" {
					a.logSvc.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				} else {
					a.log.Warn("config section requires restart to apply",
						logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

// Stop tears the graph down in dependency order. In-flight delivery jobs get
// to finish; armed timers are dropped and will be re-armed by recovery on the
// next start.
func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.ops != nil {
		a.ops.Stop(ctx)
	}
	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}
	if a.disp != nil {
		a.disp.Stop()
	}
	if a.eng != nil {
		a.eng.Stop()
	}
	a.wg.Wait()

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("jotchain stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return firstErr
}

// Store exposes the persistence layer, mainly for management surfaces.
func (a *App) Store() storage.Store { return a.store }

// Bus exposes the in-process event bus.
func (a *App) Bus() eventbus.Bus { return a.bus }
