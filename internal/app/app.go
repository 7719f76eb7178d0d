// Package app wires the daemon together: config, logging, storage, the
// invocation queue, the scheduler, plugin discovery, and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"scriptbar/internal/api"
	"scriptbar/internal/config"
	"scriptbar/internal/discovery"
	"scriptbar/internal/eventbus"
	"scriptbar/internal/queue"
	"scriptbar/internal/runner"
	"scriptbar/internal/sched"
	"scriptbar/internal/storage"
	"scriptbar/internal/unit"
	logx "scriptbar/pkg/logx"

	rtsup "scriptbar/internal/runtime/supervisor"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg   *unit.Registry
	run   *runner.Exec
	q     *queue.Service
	sched *sched.Service
	disc  *discovery.Service
	api   *api.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New(eventsKeep(cfg))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	q := queue.New(queue.Config{Workers: cfg.Queue.Workers}, log.With(logx.String("comp", "queue")))
	reg := unit.NewRegistry()
	run := runner.NewExec(log.With(logx.String("comp", "runner")))
	schedSvc := sched.New(reg, q, run, store, nil, bus, log.With(logx.String("comp", "sched")))

	dcfg, err := mapDiscoveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	hooks := discovery.Hooks{
		OnAdd: func(ctx context.Context, id, path string) {
			if err := schedSvc.Admit(ctx, id, path); err != nil && !errors.Is(err, unit.ErrExists) {
				log.Warn("unit admit failed", logx.String("unit", id), logx.Err(err))
			}
		},
		OnChange: func(ctx context.Context, id, path string) {
			// A changed path (directory swap keeping the same filename)
			// needs a fresh unit; a content change only needs a refresh.
			if u, ok := reg.Get(id); ok && u.Path() != path {
				schedSvc.Evict(id)
				if err := schedSvc.Admit(ctx, id, path); err != nil {
					log.Warn("unit re-admit failed", logx.String("unit", id), logx.Err(err))
				}
				return
			}
			if err := schedSvc.Refresh(id); err != nil {
				if errors.Is(err, sched.ErrNotFound) {
					if err := schedSvc.Admit(ctx, id, path); err != nil {
						log.Warn("unit admit failed", logx.String("unit", id), logx.Err(err))
					}
					return
				}
				log.Warn("unit refresh failed", logx.String("unit", id), logx.Err(err))
			}
		},
		OnRemove: func(ctx context.Context, id string) {
			schedSvc.Evict(id)
		},
	}
	disc := discovery.New(dcfg, hooks, log.With(logx.String("comp", "discovery")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		run:     run,
		q:       q,
		sched:   schedSvc,
		disc:    disc,
	}, nil
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

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDiscoveryConfig(cfg); err != nil {
			return err
		}
		return api.ValidateBind(mapAPIConfig(cfg))
	})

	// Admit whatever is already on disk before the watcher session starts,
	// so the first status snapshot isn't empty.
	if err := a.disc.Scan(a.sup.Context()); err != nil {
		a.log.Warn("initial plugin scan failed", logx.Err(err))
	}

	a.api = api.New(mapAPIConfig(a.cfgm.Get()), api.Deps{
		Units: a.reg,
		Sched: a.sched,
		Queue: a.q,
		Store: a.store,
		Bus:   a.bus,
		Sup:   a.sup,
	}, a.log.With(logx.String("comp", "api")))
	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	a.sup.Go("discovery.run", func(c context.Context) error {
		return a.disc.Run(c)
	})

	// Debug visibility into the event stream; components subscribe themselves.
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
				a.log.Debug("event", logx.String("type", e.Type), logx.String("unit", e.Unit))
			}
		}
	})

	// Hot reload config fan-out.
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
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				lastApplied = newCfg
				if len(sections) == 0 {
					a.log.Debug("config reload received, but no effective changes detected")
					continue
				}

				for _, sec := range sections {
					if sec == "storage" {
						a.log.Warn("storage config changed; restart required for changes to take effect")
						break
					}
				}

				a.logs.Apply(mapLogConfig(newCfg))
				a.q.SetWorkers(newCfg.Queue.Workers)

				if dcfg, err := mapDiscoveryConfig(newCfg); err != nil {
					a.log.Warn("invalid plugins config; keeping previous", logx.Err(err))
				} else {
					a.disc.Apply(dcfg)
				}

				a.api.Reconfigure(c, mapAPIConfig(newCfg))

				fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd integration is a no-op outside a unit with NotifyAccess.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-c.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("daemon started", logx.String("plugins_dir", a.cfgm.Get().Plugins.Dir))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx. If it doesn't, log a leak signal
			// and observe when (if ever) it finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	step("api", 2*time.Second, func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	// Stop arming before draining, so completions don't schedule new runs.
	step("scheduler", 1*time.Second, func(c context.Context) error { a.sched.Stop(); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { return a.q.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (discovery, config watch/reload, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
