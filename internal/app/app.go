// Package app wires the monitor, its stores and its ports together and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postwatch/internal/config"
	"postwatch/internal/fetch"
	"postwatch/internal/httpapi"
	"postwatch/internal/monitor"
	"postwatch/internal/notify"
	"postwatch/internal/runtime/supervisor"
	"postwatch/internal/state"
	"postwatch/internal/storage"
	"postwatch/internal/transport"
	"postwatch/internal/transport/telegram"
	"postwatch/internal/watchlist"
	logx "postwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	boot *config.Config
	log  logx.Logger
	logs *logx.Service

	adapter  *telegram.Adapter
	backend  storage.Backend
	state    *state.Store
	watch    *watchlist.Store
	notifier *notify.Telegram
	engine   *monitor.Engine
	reporter *monitor.Reporter
	http     *httpapi.Server

	sup      *supervisor.Supervisor
	updates  chan transport.Update
	pollDone chan struct{}
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO"))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	closeLogs := true
	defer func() {
		if closeLogs {
			_ = logSvc.Close()
		}
	}()

	pollTimeout, err := cfg.Telegram.PollTimeoutOrDefault()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout},
		root.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	mc, rc, settings, err := mapMonitor(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	st := state.New(backend, settings.Capacity, root.With(logx.String("comp", "state")))
	if err := st.Load(ctx); err != nil {
		// corrupt state is survivable; an unreachable backend is not
		if !errors.Is(err, storage.ErrCorrupt) {
			_ = backend.Close()
			return nil, err
		}
		log.Warn("continuing with empty state", logx.Err(err))
	}

	wl := watchlist.New(cfg.Watchlist.Path, cfg.Watchlist.ExcludedPathOrDefault(), root.With(logx.String("comp", "watchlist")))
	n, err := wl.Len()
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("watch-list: %w", err)
	}
	if n == 0 {
		log.Warn("watch-list is empty", logx.String("path", cfg.Watchlist.Path))
	}

	fc, err := mapFetch(cfg)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	fetcher, err := fetch.Open(fc, root.With(logx.String("comp", "fetch")))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("fetch: %w", err)
	}

	tg := notify.NewTelegram(ad, notify.TelegramConfig{ChatID: cfg.Telegram.ChatID}, root.With(logx.String("comp", "notify")))
	logSvc.SetAlertSender(tg)

	eng := monitor.New(mc, monitor.Deps{
		Watchlist: wl,
		State:     st,
		Fetcher:   fetcher,
		Port:      tg,
		Audit:     backend,
		Log:       root.With(logx.String("comp", "monitor")),
	})
	rep := monitor.NewReporter(eng, rc, root.With(logx.String("comp", "reporter")))
	if err := rep.Validate(rc); err != nil {
		_ = backend.Close()
		return nil, err
	}

	closeLogs = false
	return &App{
		cfgm:     cfgm,
		boot:     cfg,
		log:      log,
		logs:     logSvc,
		adapter:  ad,
		backend:  backend,
		state:    st,
		watch:    wl,
		notifier: tg,
		engine:   eng,
		reporter: rep,
		http:     httpapi.New(eng, wl, root.With(logx.String("comp", "http"))),
		updates:  make(chan transport.Update, 256),
		pollDone: make(chan struct{}),
	}, nil
}

// Done is closed once the app context is cancelled, by Stop or by a
// fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the fatal error that ended the app, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("notify.inbox", func(c context.Context) { a.notifier.Run(c, a.updates) })

	a.sup.Go("monitor.poll", func(c context.Context) error {
		defer close(a.pollDone)
		return a.engine.Run(c)
	})
	a.sup.Go("monitor.commands", a.engine.RunCommands)

	if err := a.reporter.Start(run); err != nil {
		return err
	}
	if err := a.http.Apply(run, mapHTTP(a.cfgm.Get())); err != nil {
		return fmt.Errorf("http: %w", err)
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			a.apply(ctx, applied, next)
			applied = next
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	ch := config.Diff(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload had no effective changes")
		return
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart", logx.String("settings", strings.Join(ch.Restart, ",")))
	}
	for _, section := range ch.Sections {
		switch section {
		case "logging":
			a.logs.Apply(mapLogging(next))
		case "monitor":
			mc, rc, s, err := mapMonitor(next)
			if err != nil {
				a.log.Warn("monitor config rejected, keeping previous", logx.Err(err))
				continue
			}
			// restart-only settings keep their boot values
			boot, _, _, _ := mapMonitor(a.boot)
			mc.OperatorChatID, mc.MaxStorageFailures, mc.Source = boot.OperatorChatID, boot.MaxStorageFailures, boot.Source
			a.engine.Apply(mc)
			a.state.SetCapacity(s.Capacity)
			if err := a.reporter.Apply(rc); err != nil {
				a.log.Warn("report schedule rejected", logx.Err(err))
			}
		case "http":
			if err := a.http.Apply(ctx, mapHTTP(next)); err != nil {
				a.log.Warn("http reconfigure failed", logx.Err(err))
			}
		}
	}
	a.log.Info("config applied", logx.String("changed", strings.Join(ch.Sections, ",")))
}

// stepsBudget covers every stop step after the monitor one.
const stepsBudget = 15 * time.Second

// StopTimeout is how long Stop needs in the worst case. The monitor step
// waits for the in-flight check so a sent alert is never left unrecorded.
func (a *App) StopTimeout() time.Duration {
	return a.engine.StopBudget() + stepsBudget
}

// Stop shuts down in reverse start order. The poll loop gets to flush state
// and send its shutdown notice before the transport goes away.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		sctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(sctx); err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	}

	step("monitor", a.engine.StopBudget(), func(c context.Context) error {
		select {
		case <-a.pollDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("reporter", 2*time.Second, func(context.Context) error { a.reporter.Stop(); return nil })
	step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 2*time.Second, func(context.Context) error { return a.backend.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

// StopReasonFor picks the reason to log for err returned by Err.
func StopReasonFor(err error) StopReason {
	switch {
	case err == nil:
		return StopSignal
	case errors.Is(err, monitor.ErrStorageUnavailable):
		return StopStorageLost
	default:
		return StopFatalError
	}
}
