package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/cronpostps/cronpost/internal/config"
	"github.com/cronpostps/cronpost/internal/server"
	"github.com/cronpostps/cronpost/internal/storage"
	"github.com/cronpostps/cronpost/internal/worker"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

// App owns the service lifecycle: config, logging, storage, the worker
// loop and the HTTP surface, plus the hot-reload plumbing between them.
type App struct {
	mgr  *config.Manager
	logs *logx.Service
	log  logx.Logger

	store  storage.Store
	worker *worker.Service
	server *server.Server

	mu      sync.Mutex
	lastCfg *config.Config
	cfgCh   chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		logs.Close()
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	w := worker.New(store,
		worker.LogDispatcher{Log: log.With(logx.String("comp", "dispatch"))},
		mgr, log.With(logx.String("comp", "worker")))
	srv := server.New(store, w, mgr, log.With(logx.String("comp", "http")))

	return &App{
		mgr:     mgr,
		logs:    logs,
		log:     log.With(logx.String("comp", "app")),
		store:   store,
		worker:  w,
		server:  srv,
		lastCfg: cfg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Get()

	if cfg.Worker.Enabled {
		if err := a.worker.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.server.Start(ctx); err != nil {
		a.worker.Stop()
		return err
	}

	a.cfgCh = a.mgr.Subscribe(4)
	go func() { _ = a.mgr.Watch(ctx) }()
	go a.reloadLoop(ctx)

	// Best effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go a.watchdogLoop(ctx, interval/2)
	}
	a.log.Info("cronpost started",
		logx.Bool("worker", cfg.Worker.Enabled),
		logx.Bool("http", cfg.Server.Enabled))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.server.Stop(ctx)
	a.worker.Stop()
	err := a.store.Close()
	a.log.Info("cronpost stopped")
	a.logs.Close()
	return err
}

func (a *App) watchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.applyReload(ctx, cfg)
		}
	}
}

// applyReload pushes a published config update into the running services.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.mu.Lock()
	old := a.lastCfg
	a.lastCfg = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		case "worker":
			a.worker.Apply(cfg)
			if cfg.Worker.Enabled {
				if err := a.worker.Start(ctx); err != nil {
					a.log.Warn("worker restart failed", logx.Err(err))
				}
			} else {
				a.worker.Stop()
			}
		case "server":
			// Bind address and timeouts need a fresh listener.
			a.server.Stop(ctx)
			if err := a.server.Start(ctx); err != nil {
				a.log.Warn("http server restart failed", logx.Err(err))
			}
		case "storage":
			// The database handle stays open; a path change needs a restart.
			a.log.Warn("storage config changed; restart to apply",
				logx.String("driver", cfg.Storage.Driver))
		}
	}

	attrs = append(attrs, logx.String("sections", strings.Join(changed, ",")))
	a.log.Info("config reloaded", attrs...)
}
