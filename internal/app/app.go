// Package app wires configuration, logging, storage, the source registry,
// the job manager, the scheduler, and the HTTP API into one process, and
// owns startup/shutdown ordering.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"bidwatch/internal/config"
	"bidwatch/internal/eventbus"
	"bidwatch/internal/job"
	"bidwatch/internal/runtime/supervisor"
	"bidwatch/internal/schedule"
	"bidwatch/internal/scrape"
	"bidwatch/internal/server"
	"bidwatch/internal/source"
	"bidwatch/internal/storage"
	logx "bidwatch/pkg/logx"
)

type App struct {
	mu sync.Mutex // guards the reloadable fields below

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	registry  *source.Registry
	jobs      *job.Manager
	sched     *schedule.Service
	collector *scrape.Collector
	srv       *server.Server

	jobRetention time.Duration
	schedEnabled bool
	storCfg      config.StorageConfig
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	bus := eventbus.New()

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging), bus)
	log = log.With(logx.String("comp", "app"))

	// Storage (optional). An empty storage section means in-memory only.
	var store storage.Store
	if cfg.Storage.Driver != "" || cfg.Storage.Path != "" {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		if st != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
		}
	}

	registry := source.NewRegistry()
	for id, fc := range cfg.Sources {
		c, err := source.FromFile(id, fc, cfg.Scrape)
		if err != nil {
			return nil, err
		}
		if err := registry.Put(c); err != nil {
			return nil, err
		}
	}

	jobs := job.NewManager(job.Options{
		HistorySize: cfg.Scheduler.JobHistorySize,
		Log:         log.With(logx.String("comp", "jobs")),
		Bus:         bus,
	})

	defaults, err := scrape.SessionDefaults(cfg.Scrape)
	if err != nil {
		return nil, err
	}
	collector := scrape.NewCollector(registry, scrape.NewHTTPProvider(), store, defaults,
		log.With(logx.String("comp", "collector")), bus)

	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Minute)
	if err != nil {
		return nil, err
	}
	maint, err := config.ParseDurationOrDefault("scheduler.maintenance_interval", cfg.Scheduler.MaintenanceInterval, time.Hour)
	if err != nil {
		return nil, err
	}
	retention, err := config.ParseDurationOrDefault("scheduler.job_retention", cfg.Scheduler.JobRetention, 24*time.Hour)
	if err != nil {
		return nil, err
	}

	sched := schedule.New(schedule.Options{
		Tick:                tick,
		MaintenanceInterval: maint,
		Log:                 log.With(logx.String("comp", "scheduler")),
		Bus:                 bus,
	})

	a := &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		registry:     registry,
		jobs:         jobs,
		sched:        sched,
		collector:    collector,
		jobRetention: retention,
		schedEnabled: cfg.Scheduler.Enabled,
		storCfg:      cfg.Storage,
	}

	// One scheduler task per source; disabled sources stay registered so a
	// config flip or manual trigger needs no re-wiring.
	for _, src := range registry.All() {
		spec, err := schedule.ParseSpec(src.Schedule)
		if err != nil {
			return nil, fmt.Errorf("sources.%s.schedule: %w", src.ID, err)
		}
		sched.Add(src.ID, spec, src.Enabled, a.sourceTask(src.ID))
	}
	sched.AddMaintenance(func(ctx context.Context) {
		if n := jobs.Cleanup(a.retention()); n > 0 {
			log.Debug("pruned old jobs", logx.Int("removed", n))
		}
	})

	if cfg.Server.Enabled {
		srvOpts, err := mapServerOptions(cfg.Server, log.With(logx.String("comp", "http")))
		if err != nil {
			return nil, err
		}
		a.srv = server.New(a, srvOpts)
	}

	return a, nil
}

func (a *App) retention() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobRetention
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if a.schedEnabled {
		a.sched.Start(a.sup.Context())
	}

	if a.srv != nil {
		// Restart on listener/serve errors; a clean exit (shutdown) stops.
		// A persistently bad addr gives up and takes the process down.
		a.sup.GoRestart("http.serve", a.srv.Serve,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second),
			supervisor.WithMaxRestarts(5))
	}

	// Debug-level event mirror; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	notifyReady(a.sup, a.log)

	a.log.Info("app started")
	return nil
}

// applyConfig applies a hot-reloaded config. Storage is the one section that
// needs a restart; everything else takes effect live.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg.Logging))

	a.jobs.SetHistorySize(cfg.Scheduler.JobHistorySize)
	if retention, err := config.ParseDurationOrDefault("scheduler.job_retention", cfg.Scheduler.JobRetention, 24*time.Hour); err == nil {
		a.mu.Lock()
		a.jobRetention = retention
		a.mu.Unlock()
	}

	if defaults, err := scrape.SessionDefaults(cfg.Scrape); err == nil {
		a.collector.SetDefaults(defaults)
	} else {
		a.log.Warn("invalid scrape config; keeping previous", logx.Err(err))
	}

	a.mu.Lock()
	storChanged := cfg.Storage != a.storCfg
	a.storCfg = cfg.Storage
	a.mu.Unlock()
	if storChanged {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	// Rebuild the source set: replace the registry wholesale, then reconcile
	// scheduler tasks against it.
	resolved := make([]source.Config, 0, len(cfg.Sources))
	for id, fc := range cfg.Sources {
		c, err := source.FromFile(id, fc, cfg.Scrape)
		if err != nil {
			a.log.Warn("invalid source config; keeping previous set", logx.String("source", id), logx.Err(err))
			resolved = nil
			break
		}
		resolved = append(resolved, c)
	}
	if resolved != nil {
		a.registry.Replace(resolved)
		seen := map[string]bool{}
		for _, src := range resolved {
			spec, err := schedule.ParseSpec(src.Schedule)
			if err != nil {
				a.log.Warn("invalid source schedule", logx.String("source", src.ID), logx.Err(err))
				continue
			}
			seen[src.ID] = true
			a.sched.Add(src.ID, spec, src.Enabled, a.sourceTask(src.ID))
		}
		for _, t := range a.sched.Status().Tasks {
			if !seen[t.Name] {
				a.sched.Remove(t.Name)
			}
		}
	}

	a.mu.Lock()
	prevEnabled := a.schedEnabled
	a.schedEnabled = cfg.Scheduler.Enabled
	a.mu.Unlock()
	switch {
	case prevEnabled && !cfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.sched.Stop(stopCtx)
		cancel()
	case !prevEnabled && cfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(a.sup.Context())
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	notifyStopping(a.log)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	step("scheduler", 5*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Close(); return nil })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	stats := a.sup.Stats()
	a.log.Info("stopped",
		logx.Int64("goroutines_active", stats.Active),
		logx.Int64("goroutines_started", int64(stats.Started)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLoggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapStorageConfig(sc config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	return storage.Config{Driver: driver, Path: sc.Path, BusyTimeout: busy}, nil
}

func mapServerOptions(sc config.ServerConfig, log logx.Logger) (server.Options, error) {
	readT, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, 10*time.Second)
	if err != nil {
		return server.Options{}, err
	}
	writeT, err := config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Options{}, err
	}
	idleT, err := config.ParseDurationOrDefault("server.idle_timeout", sc.IdleTimeout, time.Minute)
	if err != nil {
		return server.Options{}, err
	}
	return server.Options{
		Addr:         sc.Addr,
		ReadTimeout:  readT,
		WriteTimeout: writeT,
		IdleTimeout:  idleT,
		Log:          log,
	}, nil
}
