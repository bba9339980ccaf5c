// Package app assembles the engine: configuration, logging, storage, the
// dispatch pipeline, the correlator, campaign scheduling, and external-store
// reconciliation, with one lifecycle around all of them.
package app

import (
	"context"
	"fmt"
	"time"

	"smsflow/internal/campaign"
	"smsflow/internal/channel"
	"smsflow/internal/clock"
	"smsflow/internal/config"
	"smsflow/internal/correlator"
	"smsflow/internal/dispatch"
	"smsflow/internal/eventbus"
	"smsflow/internal/optout"
	"smsflow/internal/store"
	"smsflow/internal/syncer"
	logx "smsflow/pkg/logx"
)

// Options are the deployment-specific collaborators. Every field has a
// default suitable for a self-contained run: the simulator channel, no
// campaign composer, no external store.
type Options struct {
	ConfigPath string

	// Channel overrides the send mechanism. When it is the built-in
	// Simulator (or unset), the correlator is wired into it automatically;
	// other implementations deliver their callbacks themselves.
	Channel channel.Channel

	// Composer expands fired campaigns into messages. Campaigns stay dormant
	// without one even when enabled in config.
	Composer campaign.Composer

	// External is the read view of the device message store. Sync stays
	// dormant without one even when enabled in config. Stores that also
	// implement syncer.ChangeFeed get incremental passes pushed to them;
	// others rely on the periodic full resync.
	External syncer.ExternalStore

	// Ready is called once all components are started (readiness signaling).
	Ready func()
}

type App struct {
	opts Options
	clk  clock.Clock
}

func New(opts Options) *App {
	return &App{opts: opts, clk: clock.System()}
}

// Run starts everything and blocks until ctx is cancelled, then shuts the
// components down in reverse order.
func (a *App) Run(ctx context.Context) error {
	cfgMgr := config.NewManager(a.opts.ConfigPath)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout},
		log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := eventbus.New()

	dcfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		return err
	}

	ch := a.opts.Channel
	if ch == nil {
		ch = channel.NewSimulator()
	}
	gate := optout.NewRegistry(st)
	limiter := dispatch.NewRateLimiter(cfg.Dispatch.RatePerSec)

	eng := dispatch.New(dcfg, st, gate, limiter, ch, a.clk,
		log.With(logx.String("comp", "dispatch")), bus)
	corr := correlator.New(st, eng.Policy(), a.clk,
		log.With(logx.String("comp", "correlator")), bus)
	if sim, ok := ch.(*channel.Simulator); ok {
		sim.SetCallbacks(corr)
	}

	svc := dispatch.NewService(eng, bus, log.With(logx.String("comp", "dispatch")))
	svc.Start(ctx)
	defer stopWithin(svc.Stop, 10*time.Second)

	if cfg.Campaigns.Enabled {
		if a.opts.Composer == nil {
			log.Warn("campaigns enabled but no composer wired, scheduling disabled")
		} else {
			loc := time.Local
			if tz := cfg.Campaigns.Timezone; tz != "" {
				loc, err = time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("campaigns.timezone: %w", err)
				}
			}
			var sched *campaign.Scheduler
			timer := campaign.NewTimer(a.clk, func(token int64) {
				sched.OnTimerFire(ctx, token)
			})
			defer timer.Stop()
			sched = campaign.NewScheduler(st, eng, a.opts.Composer, timer, a.clk,
				log.With(logx.String("comp", "campaign")), bus, loc)
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("re-arm campaigns: %w", err)
			}
		}
	}

	if cfg.Sync.Enabled {
		if a.opts.External == nil {
			log.Warn("sync enabled but no external store wired, reconciliation disabled")
		} else {
			debounce, err := config.ParseDurationOrDefault("sync.debounce", cfg.Sync.Debounce, 250*time.Millisecond)
			if err != nil {
				return err
			}
			fullEvery, err := config.ParseDurationOrDefault("sync.full_interval", cfg.Sync.FullInterval, 6*time.Hour)
			if err != nil {
				return err
			}
			rec := syncer.New(st, a.opts.External, a.clk,
				log.With(logx.String("comp", "sync")), bus, debounce, fullEvery)
			rec.Start(ctx)
			defer stopWithin(rec.Stop, 10*time.Second)
		}
	}

	// Hot reload: logging settings apply live, everything else needs a
	// restart and is only reported.
	updates := cfgMgr.Subscribe(1)
	defer cfgMgr.Unsubscribe(updates)
	go func() {
		for nc := range updates {
			if nc == nil {
				continue
			}
			logSvc.Apply(logx.Config{
				Level:   nc.Logging.Level,
				Console: nc.Logging.Console,
				File:    logx.FileConfig{Enabled: nc.Logging.File.Enabled, Path: nc.Logging.File.Path},
			})
			if nc.Storage != cfg.Storage || nc.Dispatch != cfg.Dispatch {
				log.Info("non-logging config changed, restart to apply")
			}
		}
	}()
	go func() { _ = cfgMgr.Watch(ctx) }()

	log.Info("engine running",
		logx.String("store", cfg.Storage.Path),
		logx.Bool("campaigns", cfg.Campaigns.Enabled),
		logx.Bool("sync", cfg.Sync.Enabled))
	if a.opts.Ready != nil {
		a.opts.Ready()
	}
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func stopWithin(stop func(context.Context), d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	stop(ctx)
}

func dispatchConfig(dc config.DispatchConfig) (dispatch.Config, error) {
	out := dispatch.Config{BatchSize: dc.BatchSize, MaxAttempts: dc.MaxAttempts}

	var err error
	if out.DrainEvery, err = config.ParseDurationOrDefault("dispatch.drain_interval", dc.DrainEvery, 5*time.Second); err != nil {
		return out, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("dispatch.retry_base", dc.RetryBase, 30*time.Second); err != nil {
		return out, err
	}
	if out.RetryCap, err = config.ParseDurationOrDefault("dispatch.retry_max_delay", dc.RetryMax, 15*time.Minute); err != nil {
		return out, err
	}
	if out.Staleness, err = config.ParseDurationOrDefault("dispatch.staleness_window", dc.Staleness, 2*time.Minute); err != nil {
		return out, err
	}
	if out.DeliveryTTL, err = config.ParseDurationOrDefault("dispatch.delivery_timeout", dc.DeliveryTTL, 24*time.Hour); err != nil {
		return out, err
	}
	if out.RetentionMaxAge, err = config.ParseDurationOrDefault("dispatch.retention.max_age", dc.Retention.MaxAge, 720*time.Hour); err != nil {
		return out, err
	}
	if out.RetentionSweep, err = config.ParseDurationOrDefault("dispatch.retention.sweep_interval", dc.Retention.SweepEvery, time.Hour); err != nil {
		return out, err
	}
	return out, nil
}
