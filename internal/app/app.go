// Package app wires configuration, logging, storage, and the scheduling
// services into one process.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pawsched/internal/appointment"
	"pawsched/internal/availability"
	"pawsched/internal/clock"
	"pawsched/internal/config"
	"pawsched/internal/delivery"
	"pawsched/internal/eventbus"
	"pawsched/internal/storage"
	"pawsched/pkg/logx"
)

// App is the composition root. Construction wires everything; Start and Stop
// drive the lifecycle.
type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	bus   eventbus.Bus
	store storage.Store

	Delivery     *delivery.Service
	Appointments *appointment.Service
	Availability *availability.Service

	mu        sync.Mutex
	reloadCh  chan *config.Config
	watchDone chan struct{}
	cancel    context.CancelFunc
}

// NewApp loads the config file and builds every service. The deliverer is
// injected by the caller; transports live outside this module.
func NewApp(cfgPath string, out delivery.Deliverer) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
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
	mgr.SetLogger(log)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := buildDeliveryConfig(cfg)
		return err
	})

	storeCfg, err := buildStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(storeCfg, log)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	deliveryCfg, err := buildDeliveryConfig(cfg)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}
	availCfg, err := buildAvailabilityConfig(cfg)
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	clk := clock.System{}

	appts := appointment.NewService(log, store, clk)
	a := &App{
		cfgMgr:       mgr,
		logSvc:       logSvc,
		log:          log,
		bus:          bus,
		store:        store,
		Delivery:     delivery.New(deliveryCfg, log, bus, store, clk, out),
		Appointments: appts,
		Availability: availability.NewService(availCfg, log, appts),
	}
	return a, nil
}

func (a *App) Bus() eventbus.Bus    { return a.bus }
func (a *App) Store() storage.Store { return a.store }
func (a *App) Logger() logx.Logger  { return a.log }

// Start launches the dispatch loop, the config watcher, and the reload
// fanout goroutine.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	if err := a.Delivery.Start(runCtx); err != nil {
		cancel()
		return err
	}

	a.mu.Lock()
	a.cancel = cancel
	a.reloadCh = a.cfgMgr.Subscribe(4)
	a.watchDone = make(chan struct{})
	reloadCh := a.reloadCh
	watchDone := a.watchDone
	a.mu.Unlock()

	go func() {
		_ = a.cfgMgr.Watch(runCtx)
	}()
	go func() {
		defer close(watchDone)
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-reloadCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	deliveryCfg, err := buildDeliveryConfig(cfg)
	if err != nil {
		// Validator should have caught this; keep the running config.
		a.log.Warn("reload skipped", logx.Err(err))
		return
	}
	a.Delivery.Apply(deliveryCfg)
	if availCfg, err := buildAvailabilityConfig(cfg); err == nil {
		a.Availability.Apply(availCfg)
	}
	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	reloadCh := a.reloadCh
	watchDone := a.watchDone
	a.cancel = nil
	a.reloadCh = nil
	a.watchDone = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.Delivery.Stop(ctx)
	if reloadCh != nil {
		a.cfgMgr.Unsubscribe(reloadCh)
	}
	if watchDone != nil {
		select {
		case <-watchDone:
		case <-ctx.Done():
		}
	}

	err := a.store.Close()
	a.log.Info("app stopped")
	a.logSvc.Close()
	return err
}

// ---- config translation ----

func buildStorageConfig(cfg *config.Config) (storage.Config, error) {
	out := storage.Config{}
	if cfg.Storage == nil {
		return out, nil
	}
	out.Driver = cfg.Storage.Driver
	out.Path = cfg.Storage.Path
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out.BusyTimeout = busy
	return out, nil
}

func buildDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Dispatch
	out := delivery.Config{
		Enabled:     d.Enabled,
		Workers:     d.Workers,
		QueueSize:   d.QueueSize,
		SweepSpec:   d.SweepSpec,
		RatePerSec:  d.RatePerSec,
		MaxAttempts: d.MaxAttempts,
		SweepBatch:  d.SweepBatch,
		CleanupSpec: d.CleanupSpec,
	}

	var err error
	if out.DeliverTimeout, err = config.ParseDurationOrDefault("dispatch.deliver_timeout", d.DeliverTimeout, 30*time.Second); err != nil {
		return delivery.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", d.RetryBase, 5*time.Minute); err != nil {
		return delivery.Config{}, err
	}
	if out.MinLead, err = config.ParseDurationOrDefault("dispatch.min_lead", d.MinLead, time.Minute); err != nil {
		return delivery.Config{}, err
	}
	if out.CleanupAfter, err = config.ParseDurationOrDefault("dispatch.cleanup_after", d.CleanupAfter, 30*24*time.Hour); err != nil {
		return delivery.Config{}, err
	}
	return out, nil
}

func buildAvailabilityConfig(cfg *config.Config) (availability.Config, error) {
	out := availability.Config{}
	if cfg.Availability == nil {
		return out, nil
	}
	min, err := config.ParseDurationField("availability.min_duration", cfg.Availability.MinDuration)
	if err != nil {
		return availability.Config{}, err
	}
	out.MinDuration = min
	return out, nil
}
