package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"modbot/internal/admin"
	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/moderation"
	"modbot/internal/modlog"
	rtsup "modbot/internal/runtime/supervisor"
	"modbot/internal/schedule"
	"modbot/internal/storage"
	kit "modbot/internal/transport"
	"modbot/internal/transport/discord"
	"modbot/internal/transport/router"
	logx "modbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *discord.Adapter
	mod     *moderation.Service
	poller  *schedule.Poller
	modlog  *modlog.Service
	router  *router.Manager
	admin   *admin.Service

	cmds     []router.Command
	messages chan kit.Message
	notify   *notifier
}

func NewApp(cfgPath string) (_ *App, err error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Bootstrap with the channel sink off, set its target, then apply the
	// final config so Apply() doesn't warn about a missing target.
	logCfg := mapLogConfig(cfg)
	boot := logCfg
	boot.Channel.Enabled = false
	logSvc, log := logx.New(boot, nil)
	logSvc.SetChannelTarget(cfg.Discord.LogChannelID)

	// Release whatever was opened if construction fails part way.
	var undo cleanup
	defer func() {
		if err != nil {
			undo.run()
		}
	}()
	undo.push(func() { _ = logSvc.Close() })

	ad, err := discord.New(discord.Config{
		Token:   cfg.Discord.Token,
		GuildID: cfg.Discord.GuildID,
	}, log)
	if err != nil {
		return nil, err
	}
	undo.push(func() { _ = ad.Stop(context.Background()) })
	// The adapter needs the logger and the log sink needs the adapter.
	logSvc.SetSender(ad)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	undo.push(func() { _ = store.Close() })
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	sinks, err := mapModlogSinks(cfg, ad)
	if err != nil {
		return nil, err
	}
	ml := modlog.New(modlog.Config{RetryMax: 3}, log, sinks...)

	mod := moderation.NewService(ad, store,
		moderation.WithLogger(log),
		moderation.WithModLog(ml),
		moderation.WithAuditor(store),
		moderation.WithSettings(mapSettings(cfg)),
		moderation.WithExecutorRate(cfg.Schedule.PlatformRateOrDefault()),
	)

	poller := schedule.NewPoller(store, mod.Executor(),
		schedule.WithLogger(log),
		schedule.WithBus(bus),
		schedule.WithInterval(cfg.Schedule.PollIntervalOrDefault()),
		schedule.WithApplyTimeout(cfg.Schedule.ApplyTimeoutOrDefault()),
		schedule.WithAlertAfter(cfg.Schedule.AlertAfterOrDefault()),
	)

	rt := router.NewManager(log, ad, mapRouterOptions(cfg))

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		mod:      mod,
		poller:   poller,
		modlog:   ml,
		router:   rt,
		messages: make(chan kit.Message, 256),
		notify:   newNotifier(log),
	}
	a.admin = admin.New(mapAdminConfig(cfg), &admin.API{Mod: mod, Health: a.health}, log)
	return a, nil
}

// Moderation exposes the moderation service for command registration.
func (a *App) Moderation() *moderation.Service { return a.mod }

// Register adds chat commands. Call before Start.
func (a *App) Register(cmds ...router.Command) {
	a.cmds = append(a.cmds, cmds...)
	a.router.SetRegistry(a.cmds)
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
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := moderation.ParseDuration(cfg.Moderation.DefaultMuteOrDefault()); err != nil {
			return fmt.Errorf("moderation.default_mute: %w", err)
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context(), a.messages); err != nil {
		return err
	}
	a.sup.Go0("discord.ready", func(c context.Context) {
		select {
		case <-c.Done():
		case <-a.adapter.Ready():
			a.mod.SetSelfID(a.adapter.SelfID())
		}
	})

	a.modlog.Start(a.sup.Context())
	a.sup.Go0("modlog.watch", func(c context.Context) { a.modlog.Watch(c, a.bus) })

	a.poller.Start(a.sup.Context())
	if pending, err := a.store.LoadAll(a.sup.Context()); err == nil {
		a.log.Info("schedule loaded", logx.Int("pending", len(pending)))
	}

	a.admin.Reconfigure(a.sup.Context(), mapAdminConfig(a.cfgm.Get()))

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.messages)
	})

	// Debug-level event trace; the mod log has its own subscription.
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notify.start(a.sup)
	a.log.Info("app started",
		logx.String("guild_id", a.cfgm.Get().Discord.GuildID),
		logx.Int("commands", len(a.cmds)),
	)
	return nil
}

// applyConfig fans a validated config out to the running components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if config.RequiresRestart(sections) {
		a.log.Warn("discord, storage or telegram config changed; restart required for changes to take effect")
	}

	// Target first so Apply() doesn't warn when the channel sink is enabled.
	a.logs.SetChannelTarget(next.Discord.LogChannelID)
	a.logs.Apply(mapLogConfig(next))

	a.mod.Apply(mapSettings(next))
	a.mod.Executor().SetRate(next.Schedule.PlatformRateOrDefault())

	a.poller.SetInterval(next.Schedule.PollIntervalOrDefault())
	a.poller.SetApplyTimeout(next.Schedule.ApplyTimeoutOrDefault())
	a.poller.SetAlertAfter(next.Schedule.AlertAfterOrDefault())

	a.router.Apply(mapRouterOptions(next))

	if prev == nil || prev.Discord.ModlogChannelID != next.Discord.ModlogChannelID {
		if sinks, err := mapModlogSinks(next, a.adapter); err != nil {
			a.log.Warn("invalid mod-log sinks; keeping previous", logx.Err(err))
		} else {
			a.modlog.SetSinks(sinks...)
		}
	}

	a.admin.Reconfigure(ctx, mapAdminConfig(next))
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"self_id": a.adapter.SelfID(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		out["discord"] = sup.Snapshot()
	}
	if sup := a.router.Supervisor(); sup != nil {
		out["router"] = sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify.stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// The poller goes first so no tick races the store close.
	step("poller", 2*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("modlog", 2*time.Second, func(c context.Context) error { a.modlog.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
