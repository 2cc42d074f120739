// Package app wires the bot together and owns its lifecycle: boot, config
// hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"ceremonybot/internal/bot"
	"ceremonybot/internal/config"
	"ceremonybot/internal/eventbus"
	"ceremonybot/internal/health"
	"ceremonybot/internal/monitor"
	"ceremonybot/internal/notifier"
	"ceremonybot/internal/remote"
	rtsup "ceremonybot/internal/runtime/supervisor"
	"ceremonybot/internal/storage"
	"ceremonybot/internal/tokens"
	"ceremonybot/internal/transport"
	"ceremonybot/internal/transport/telegram"
	"ceremonybot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter transport.Adapter
	tokens  *tokens.Store
	poller  *swapPoller
	notif   *notifier.Service
	monitor *monitor.Supervisor
	health  *health.Service
	bot     *bot.Bot

	// cancels the parent of every monitoring session; Stop calls it after
	// StopAll so sessions are stopped explicitly first
	cancelBase context.CancelFunc

	updates chan transport.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	cc, err := mapComponents(cfg)
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cc.pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	store, err := storage.Open(cc.storage, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	if store != nil {
		appLog.Info("storage enabled", logx.String("driver", cc.storage.Driver))
	}

	opts := []tokens.Option{tokens.WithLogger(log.With(logx.String("comp", "tokens")))}
	if store != nil {
		opts = append(opts, tokens.WithPersister(store))
	}
	tokenStore := tokens.NewStore(opts...)

	client, err := remote.New(cc.remote, log.With(logx.String("comp", "remote")))
	if err != nil {
		closeStore(store)
		_ = logSvc.Close()
		return nil, err
	}
	poller := newSwapPoller(client)

	notif := notifier.New(cc.notifier, ad, log, bus)

	base, cancelBase := context.WithCancel(context.Background())
	mon := monitor.New(monitor.Deps{
		Tokens:   tokenStore,
		Poller:   poller,
		Notifier: notif,
		Bus:      bus,
		Log:      log,
		Base:     base,
	}, cc.monitor)

	hs := health.New(cc.health, log)

	deps := bot.Deps{
		Adapter: ad,
		Tokens:  tokenStore,
		Monitor: mon,
		Poller:  poller,
		Log:     log,
	}
	if store != nil {
		deps.Audit = store
	}
	b := bot.New(deps, cc.bot)

	return &App{
		cfgm:       cfgm,
		root:       log,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		tokens:     tokenStore,
		poller:     poller,
		notif:      notif,
		monitor:    mon,
		health:     hs,
		bot:        b,
		cancelBase: cancelBase,
		updates:    make(chan transport.Update, 256),
	}, nil
}

func closeStore(s storage.Store) {
	if s != nil {
		_ = s.Close()
	}
}

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	n, err := a.tokens.Restore(rctx)
	cancel()
	if err != nil {
		a.log.Warn("token restore failed; starting empty", logx.Err(err))
	} else if n > 0 {
		a.log.Info("tokens restored", logx.Int("owners", n))
	}

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.health.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
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
				// coalesce bursts
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdogLoop(c, a.log)
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated reload into the running components.
// Sessions keep the settings they were started with.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, daemon.SdNotifyReloading)
	defer sdNotify(a.log, daemon.SdNotifyReady)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))

	if bcfg, err := mapBotConfig(next); err != nil {
		a.log.Warn("invalid bot config; keeping previous", logx.Err(err))
	} else {
		a.bot.Apply(bcfg)
	}

	if st, err := mapMonitorSettings(next); err != nil {
		a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
	} else {
		a.monitor.SetSettings(st)
	}

	if prev == nil || prev.Remote != next.Remote {
		a.swapRemote(next)
	}

	if ncfg, err := mapNotifierConfig(next); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			sctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(sctx)
			cancel()
		case !wasEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	a.health.Reconfigure(ctx, mapHealthConfig(next))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) swapRemote(cfg *config.Config) {
	rc, err := mapRemoteConfig(cfg)
	if err != nil {
		a.log.Warn("invalid remote config; keeping previous", logx.Err(err))
		return
	}
	client, err := remote.New(rc, a.root.With(logx.String("comp", "remote")))
	if err != nil {
		a.log.Warn("remote client rebuild failed; keeping previous", logx.Err(err))
		return
	}
	if old := a.poller.Swap(client); old != nil {
		old.CloseIdleConnections()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// step bounds one shutdown phase so a stuck component cannot stall the
	// rest. A step that overruns is logged again when it finally returns.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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

	step("monitor", 5*time.Second, func(c context.Context) error {
		err := a.monitor.StopAll(c)
		a.cancelBase()
		return err
	})
	step("health", time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	// config watch/reload, dispatcher, event log
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.poller.Client().CloseIdleConnections()
	a.log.Info("stopped")
	return a.logs.Close()
}
