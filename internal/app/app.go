// Package app wires the components together and owns process lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"subwatch/internal/bot"
	"subwatch/internal/config"
	"subwatch/internal/eventbus"
	"subwatch/internal/nlu"
	"subwatch/internal/runtime/supervisor"
	"subwatch/internal/sched"
	"subwatch/internal/storage"
	kit "subwatch/internal/transport"
	telegram "subwatch/internal/transport/telegram"
	logx "subwatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter
	sched   *sched.Service
	nlu     *nlu.Service
	bot     *bot.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	storageCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storageCfg, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := sched.New(schedCfg, store, adapter, bus, logSvc.Logger().With(logx.String("comp", "sched")))

	nluCfg, err := mapNLUConfig(cfg)
	if err != nil {
		return nil, err
	}
	nluSvc := nlu.New(nluCfg, logSvc.Logger().With(logx.String("comp", "nlu")))

	botSvc := bot.New(bot.Config{
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
	}, adapter, store, schedSvc, nluSvc, logSvc.Logger().With(logx.String("comp", "bot")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: adapter,
		sched:   schedSvc,
		nlu:     nluSvc,
		bot:     botSvc,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNLUConfig(cfg); err != nil {
			return err
		}
		for _, d := range cfg.Reminders.OffsetDays {
			if d <= 0 {
				return fmt.Errorf("reminders.offset_days: %d is not positive", d)
			}
		}
		return nil
	})

	// bot.Start starts the adapter and the dispatch loop.
	if err := a.bot.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if menu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		if err := menu.UpdateMenuCommands(a.sup.Context(), a.bot.MenuCommands()); err != nil {
			a.log.Warn("command menu update failed", logx.Err(err))
		}
	}

	// Debug trace of domain events.
	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("app.events", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	// Config hot reload.
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	cfgCh := a.cfgm.Subscribe(4)
	a.sup.Go0("config.fanout", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(cfgCh)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyConfig pushes a committed config into the running components. The
// validator already rejected anything unparsable, so mapping errors here are
// unexpected and only logged.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if schedCfg, err := mapSchedConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
	} else {
		a.log.Warn("sched config apply failed", logx.Err(err))
	}
	if nluCfg, err := mapNLUConfig(cfg); err == nil {
		a.nlu.Apply(nluCfg)
	} else {
		a.log.Warn("nlu config apply failed", logx.Err(err))
	}
	a.bot.Apply(bot.Config{OwnerUserIDs: cfg.Telegram.OwnerUserIDs})
	a.log.Info("config applied")
}

// Stop shuts components down in reverse start order, each step bounded by
// the caller's context.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	a.bot.Stop(ctx)
	a.sched.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./subwatch.db"
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedConfig(cfg *config.Config) (sched.Config, error) {
	interval, err := config.ParseDurationOrDefault("reminders.reconcile_interval", cfg.Reminders.ReconcileInterval, time.Hour)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		OffsetDays:        cfg.Reminders.OffsetDays,
		RatePerSec:        float64(cfg.Reminders.RatePerSec),
		ReconcileInterval: interval,
	}, nil
}

func mapNLUConfig(cfg *config.Config) (nlu.Config, error) {
	if cfg.NLU == nil {
		return nlu.Config{}, nil
	}
	timeout, err := config.ParseDurationOrDefault("nlu.timeout", cfg.NLU.Timeout, 10*time.Second)
	if err != nil {
		return nlu.Config{}, err
	}
	return nlu.Config{
		Enabled: cfg.NLU.Enabled,
		APIKey:  cfg.NLU.APIKey,
		BaseURL: cfg.NLU.BaseURL,
		Model:   cfg.NLU.Model,
		Timeout: timeout,
	}, nil
}
