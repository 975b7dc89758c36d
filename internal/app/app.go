package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postsched/internal/config"
	"postsched/internal/eventbus"
	"postsched/internal/httpapi"
	"postsched/internal/media"
	"postsched/internal/runtime/supervisor"
	"postsched/internal/storage"
	"postsched/internal/task/engine"
	logx "postsched/pkg/logx"
	"postsched/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	// built is the config the components were constructed from.
	built *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store // nil when history is disabled

	images *media.Store
	pubs   *publishers
	engine *engine.Service
	http   *httpapi.Service
	hk     *housekeeper
	sd     *systemd.Notifier

	httpCancel context.CancelFunc
	recCancel  context.CancelFunc
	recDone    chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetLogger(logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	images, err := media.Open(mapMediaConfig(cfg), log.With(logx.String("comp", "media")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		appLog.Info("history enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}
	closeStore := func() {
		if store != nil {
			_ = store.Close()
		}
		_ = logSvc.Close()
	}

	pubs, err := buildPublishers(cfg, log.With(logx.String("comp", "publish")))
	if err != nil {
		closeStore()
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}
	eng := engine.New(engCfg, pubs.router, images, log.With(logx.String("comp", "engine")), bus)

	httpCfg, err := mapHTTPConfig(cfg)
	if err != nil {
		closeStore()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		built:   cfg,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		images:  images,
		pubs:    pubs,
		engine:  eng,
		hk:      newHousekeeper(eng, store, images, log.With(logx.String("comp", "housekeeping"))),
		sd:      systemd.New(log.With(logx.String("comp", "systemd"))),
	}

	deps := httpapi.Deps{
		Engine:    eng,
		Images:    images,
		Bus:       bus,
		Providers: pubs.router,
		Defaults:  a.defaults,
		Health:    a.health,
	}
	if store != nil {
		deps.History = store
	}
	a.http = httpapi.New(httpCfg, deps, log.With(logx.String("comp", "http")))

	appLog.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("providers", strings.Join(pubs.router.Providers(), ",")),
		logx.String("default_provider", cfg.Publish.DefaultProvider),
		logx.Int("workers", engCfg.Workers),
	)
	return a, nil
}

// Addr is the bound HTTP address ("" before Start).
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) defaults() httpapi.Defaults {
	cfg := a.cfgm.Get()
	return httpapi.Defaults{Provider: cfg.Publish.DefaultProvider, Location: loadLocation(cfg.Timezone)}
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"providers":      a.pubs.router.Providers(),
		"open_circuits":  a.pubs.openCircuits(),
		"events_dropped": a.bus.Dropped(),
		"history":        a.store != nil,
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBreakerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapHousekeeping(cfg)
		return err
	})

	// History first so the first pending events are captured.
	if a.store != nil {
		events, unsub := a.bus.Subscribe(512, "job.")
		recCtx, cancel := context.WithCancel(context.Background())
		a.recCancel = cancel
		a.recDone = make(chan struct{})
		a.sup.Go0("history.record", func(context.Context) {
			defer close(a.recDone)
			defer unsub()
			recordEvents(recCtx, events, a.store, a.log.With(logx.String("comp", "history")))
		})
	}

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sup.Go("engine.watch", func(c context.Context) error {
		select {
		case <-c.Done():
			return nil
		case <-a.engine.Done():
			if err := a.engine.Err(); err != nil {
				return fmt.Errorf("engine: %w", err)
			}
			return nil
		}
	})

	cfg := a.cfgm.Get()
	spec, keep, err := mapHousekeeping(cfg)
	if err != nil {
		return err
	}
	if err := a.hk.Start(a.sup.Context(), spec, keep); err != nil {
		return err
	}

	httpCtx, cancel := context.WithCancel(a.sup.Context())
	a.httpCancel = cancel
	if err := a.http.Start(httpCtx); err != nil {
		return err
	}

	// Optional: log events for observability/debug.
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

	// hot reload config fan-out. Diffs start from the config the components
	// were built from; a commit that raced the subscription is applied first.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.built
		if cur := a.cfgm.Get(); cur != lastApplied {
			a.applyConfig(lastApplied, cur)
			lastApplied = cur
		}
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := a.sd.Watchdog(c, func() bool { return a.engine.Err() == nil }); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
		return nil
	})
	a.sd.Ready()
	a.sd.Status("serving on " + a.http.Addr())

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// applyConfig pushes a reloaded config into the running components. Settings
// that need new listeners, files or provider clients are only reported.
func (a *App) applyConfig(prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if ec, err := mapEngineConfig(next); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ec)
	}
	if err := a.pubs.apply(next); err != nil {
		a.log.Warn("invalid publish config; keeping previous", logx.Err(err))
	}
	if spec, keep, err := mapHousekeeping(next); err != nil {
		a.log.Warn("invalid housekeeping config; keeping previous", logx.Err(err))
	} else if err := a.hk.Apply(spec, keep); err != nil {
		a.log.Warn("housekeeping reschedule failed", logx.Err(err))
	}

	for _, item := range ch.Restart {
		a.log.Warn("config change requires restart to take effect", logx.String("setting", item))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first, then let in-flight publishes finish before anything else unwinds.
	step("http", 3*time.Second, func(c context.Context) error {
		if a.httpCancel != nil {
			a.httpCancel()
		}
		return a.http.Stop(c)
	})
	step("engine", 10*time.Second, func(c context.Context) error { return a.engine.Stop(c) })

	a.sup.Cancel()

	step("housekeeping", 2*time.Second, func(c context.Context) error { a.hk.Stop(c); return nil })
	step("history", 2*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		if a.recCancel != nil {
			a.recCancel()
			select {
			case <-a.recDone:
			case <-c.Done():
				return c.Err()
			}
		}
		return a.store.Close()
	})

	// Finally, wait for supervised goroutines (config watch/reload, watchdog, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
