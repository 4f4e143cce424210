package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"relaybot/internal/catalog/ws"
	"relaybot/internal/changes"
	"relaybot/internal/commands"
	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	"relaybot/internal/notifier"
	"relaybot/internal/observability/debugsrv"
	"relaybot/internal/registry"
	"relaybot/internal/relay"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	telegram "relaybot/internal/transport/telegram/adapter"
	"relaybot/internal/watchlist"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	catalog *ws.Client

	notif *notifier.Service
	watch *watchlist.WatchList
	agg   *changes.Aggregator
	res   *relay.Resolver
	cmds  *commands.Dispatcher
	jobs  *jobs
	debug *debugsrv.Server

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	// The adapter is built before the logging service, so it starts with a console logger.
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if sc.Driver != "" {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	ccfg, err := mapCatalogConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat := ws.New(ccfg, log.With(logx.String("comp", "catalog")))

	rcfg, err := mapRelayConfig(cfg)
	if err != nil {
		return nil, err
	}
	watch := watchlist.New(store)
	agg := changes.New(store, watch, notif, bus, log.With(logx.String("comp", "changes")))
	agg.SetLinks(rcfg.Links)
	res := relay.New(registry.New(), store, notif, agg, bus, log)
	res.Apply(rcfg)

	cmds := commands.New(commands.Deps{
		Catalog:   cat,
		Lookups:   res,
		Finder:    store,
		WatchList: watch,
		Out:       notif,
		Operators: ad,
		Queue:     notif,
		Auditor:   store,
		Menu:      ad,
		Bus:       bus,
		Log:       log,
	})
	cmds.SetPrefix(cfg.Relay.CommandPrefix)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		catalog: cat,
		notif:   notif,
		watch:   watch,
		agg:     agg,
		res:     res,
		cmds:    cmds,
		jobs:    newJobs(res, watch, bus, log.With(logx.String("comp", "jobs"))),
		updates: make(chan kit.Update, 256),
	}
	a.debug = debugsrv.New(a.health, log.With(logx.String("comp", "debug")))
	return a, nil
}

// health backs /healthz; the relay is healthy while the catalog stream is up.
func (a *App) health() (any, bool) {
	q := a.notif.Stats()
	body := map[string]any{
		"catalog_connected": a.catalog.Connected(),
		"catalog_busy":      a.catalog.Busy(),
		"current_change":    a.catalog.CurrentChange(),
		"pending_lookups":   a.res.Pending(),
		"queue": map[string]any{
			"lanes":   q.Lanes,
			"queued":  q.Queued,
			"dropped": q.Dropped,
			"failed":  q.Failed,
		},
	}
	if h := a.notif.History(); len(h) > 0 {
		body["last_delivery"] = h[len(h)-1].At
	}
	if a.sup != nil {
		c := a.sup.Counters()
		body["goroutines_active"] = c.Active
	}
	return body, a.catalog.Connected()
}

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

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	// Lanes outlive the app context so Stop can drain queued lines.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	wctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	reloadWatchList(wctx, a.watch, a.bus, a.log)
	cancel()

	if err := a.jobs.start(); err != nil {
		return fmt.Errorf("start jobs: %w", err)
	}
	if err := a.jobs.setRefresh(a.cfgm.Get().WatchList.Refresh); err != nil {
		return fmt.Errorf("watchlist.refresh: %w", err)
	}

	dcfg, err := mapDebugConfig(a.cfgm.Get())
	if err != nil {
		return err
	}
	if err := a.debug.Apply(a.sup.Context(), dcfg); err != nil {
		return err
	}

	a.sup.Go("catalog.run", func(c context.Context) error {
		return a.catalog.Run(c, a.res)
	})
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.Run(c, a.updates, 4)
	})

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
				switch e.Type {
				case eventbus.NotifierDropped, eventbus.NotifierFailed:
					a.log.Info("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
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
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running services.
func (a *App) applyConfig(cfg *config.Config, sections []string) {
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if slices.Contains(sections, "catalog") {
		a.log.Info("catalog connection settings apply on the next reconnect")
	}

	a.logs.Apply(mapLogConfig(cfg))

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if rcfg, err := mapRelayConfig(cfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.res.Apply(rcfg)
		a.agg.SetLinks(rcfg.Links)
	}

	a.cmds.SetPrefix(cfg.Relay.CommandPrefix)

	if err := a.jobs.setRefresh(cfg.WatchList.Refresh); err != nil {
		a.log.Warn("invalid watchlist.refresh; keeping previous", logx.Err(err))
	}

	if slices.Contains(sections, "debug") {
		dcfg, err := mapDebugConfig(cfg)
		if err == nil {
			err = a.debug.Apply(a.sup.Context(), dcfg)
		}
		if err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
