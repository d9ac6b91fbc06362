// Package app wires the rcbot daemon together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rcbot/internal/config"
	"rcbot/internal/eventbus"
	"rcbot/internal/notifier"
	"rcbot/internal/observability/httpserver"
	"rcbot/internal/recentchanges"
	"rcbot/internal/runtime/supervisor"
	"rcbot/internal/storage"
	"rcbot/internal/task/engine"
	"rcbot/internal/task/scheduler"
	"rcbot/internal/transport"
	"rcbot/internal/transport/telegram"
	"rcbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	adapter transport.Adapter
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	http    *httpserver.Service
	sd      sdNotifier

	feeds   []*feed
	clock   clock.Clock
	started time.Time
}

func (a *App) now() time.Time {
	if a.clock == nil {
		return time.Now()
	}
	return a.clock.Now()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("info").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(mapTelegram(cfg), bootLog)
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// target is set.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg))
	logSvc.Apply(logCfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := recentchanges.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	sc := mapStorage(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()
	eng := engine.New(mapTaskEngine(cfg), log.With(logx.String("comp", "taskengine")), bus)
	a := &App{
		cfgm:    cfgm,
		clock:   clock.WallClock,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     reg,
		adapter: ad,
		engine:  eng,
		sched:   scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, eng, log.With(logx.String("comp", "scheduler"))),
		notif:   notifier.New(mapNotifier(cfg), ad, log.With(logx.String("comp", "notifier")), bus, store),
		sd:      sdNotifier{enabled: cfg.Systemd.NotifyEnabled(), log: log.With(logx.String("comp", "systemd"))},
	}
	a.http = httpserver.New(mapHTTP(cfg), log.With(logx.String("comp", "http")), reg, a.health)
	a.http.SetStatus(a.status)

	resolved, err := cfg.ResolveFeeds()
	if err != nil {
		return nil, err
	}
	hc := &http.Client{}
	for _, fc := range resolved {
		w, err := NewWatcher(fc, hc, a.clock, log.With(logx.String("comp", "watcher"), logx.String("feed", fc.Name)), metrics)
		if err != nil {
			return nil, err
		}
		a.feeds = append(a.feeds, &feed{
			cfg:    fc,
			w:      w,
			target: transport.ChatTarget{ChatID: fc.ChatID, ThreadID: fc.ThreadID},
		})
	}
	return a, nil
}

// Done is closed when the app context is cancelled (fatal error or Stop).
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
	a.started = a.now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	run := a.sup.Context()

	if err := a.adapter.Start(run); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	// The notifier outlives the run context so Stop can drain it.
	a.notif.Start(context.WithoutCancel(run))
	a.engine.Start(run)

	a.sup.Go0("eventbus.log", a.logEvents(a.bus))

	if err := a.prime(run); err != nil {
		return err
	}
	if err := a.schedule(); err != nil {
		return err
	}
	a.sched.Start(run)
	a.http.Reconfigure(run, mapHTTP(a.cfgm.Get()))

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	a.sup.Go0("systemd.watchdog", a.sd.watchdog(a.sup.Err))

	a.log.Info("app started", logx.Int("feeds", len(a.feeds)))
	return nil
}

func (a *App) logEvents(bus eventbus.Bus) func(context.Context) {
	events, unsub := bus.Subscribe(128)
	return func(c context.Context) {
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
				case eventbus.FeedFault, eventbus.TaskFailed, eventbus.NotifierDropped:
					a.log.Warn("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		}
	}
}

// reloadLoop applies hot-reloadable sections and flags the rest.
func (a *App) reloadLoop(c context.Context) {
	sub, unsub := a.cfgm.Subscribe(8)
	defer unsub()
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		// coalesce bursts
		for drained := false; !drained; {
			select {
			case newer := <-sub:
				next = newer
			default:
				drained = true
			}
		}
		if next == nil {
			continue
		}

		sections, attrs, feeds := config.SummarizeConfigChange(last, next)
		last = next
		if len(sections) == 0 {
			a.log.Info("config reloaded (no changes)")
			continue
		}

		a.logs.SetTelegramTarget(logTarget(next))
		a.logs.Apply(mapLogging(next))
		a.notif.Apply(mapNotifier(next))
		a.http.Reconfigure(c, mapHTTP(next))

		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
		if restart := config.RestartRequired(sections); len(restart) > 0 {
			a.log.Warn("config changes need a restart to take effect",
				logx.String("sections", strings.Join(restart, ",")),
				logx.String("feeds", strings.Join(feeds, ",")),
			)
		}
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: a.now(), Data: sections})
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	// step bounds one component's shutdown so it cannot stall the rest.
	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
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
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 5*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}
