// Package monitor runs the poll cycle over the watch-list and the operator
// command channel that prunes it.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"postwatch/internal/fetch"
	"postwatch/internal/notify"
	"postwatch/internal/state"
	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

// ErrStorageUnavailable ends Run when state could not be persisted for
// MaxStorageFailures notifications in a row.
var ErrStorageUnavailable = errors.New("state storage unavailable")

const (
	// saveTimeout bounds persisting one notification, retries included.
	saveTimeout = 10 * time.Second
	// shutdownTimeout bounds the final flush and goodbye message.
	shutdownTimeout = 15 * time.Second
)

type Config struct {
	CheckInterval       time.Duration
	RecentThreshold     time.Duration
	Cooldown            time.Duration
	AccountDelay        time.Duration
	CommandPollInterval time.Duration
	FetchTimeout        time.Duration
	RateLimitBackoff    time.Duration

	StartupNotice  bool
	ShutdownNotice bool

	// OperatorChatID is the only chat whose replies are honoured.
	OperatorChatID     int64
	MaxStorageFailures int
	// Source names the fetch driver in the startup notice.
	Source string
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 120 * time.Second
	}
	if c.RecentThreshold <= 0 {
		c.RecentThreshold = 10 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 180 * time.Minute
	}
	if c.AccountDelay < 0 {
		c.AccountDelay = 0
	}
	if c.CommandPollInterval <= 0 {
		c.CommandPollInterval = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = 60 * time.Second
	}
	if c.MaxStorageFailures <= 0 {
		c.MaxStorageFailures = 5
	}
	return c
}

// Watchlist is the mutable set of monitored handles.
type Watchlist interface {
	List() ([]string, error)
	Contains(handle string) (bool, error)
	Remove(handle string) (bool, error)
}

// State is the notification memory.
type State interface {
	IsNotified(postID string) bool
	IsInCooldown(account string, now time.Time, d time.Duration) bool
	RecordNotification(ctx context.Context, account, postID string, now time.Time) error
	Stats(now time.Time, d time.Duration) state.Stats
	Flush(ctx context.Context) error
}

// Auditor records operator actions.
type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type Deps struct {
	Watchlist Watchlist
	State     State
	Fetcher   fetch.Fetcher
	Port      notify.Port
	Audit     Auditor // optional
	Log       logx.Logger

	// Now and Sleep default to the wall clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine owns both stores, both ports and the last-notified slot. Run and
// RunCommands may execute concurrently.
type Engine struct {
	watch   Watchlist
	state   State
	fetcher fetch.Fetcher
	port    notify.Port
	audit   Auditor
	log     logx.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	cfgMu sync.RWMutex
	cfg   Config

	// cmdMu serializes command drains and guards lastNotified and cursor.
	cmdMu        sync.Mutex
	lastNotified string
	cursor       int64

	storageFailures int // poll loop only
	lastReport      atomic.Pointer[CycleReport]
}

func New(cfg Config, d Deps) *Engine {
	e := &Engine{
		watch:   d.Watchlist,
		state:   d.State,
		fetcher: d.Fetcher,
		port:    d.Port,
		audit:   d.Audit,
		log:     d.Log,
		now:     d.Now,
		sleep:   d.Sleep,
		cfg:     cfg.withDefaults(),
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepCtx
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Apply swaps timings and thresholds; the next check picks them up.
func (e *Engine) Apply(cfg Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.withDefaults()
	e.cfgMu.Unlock()
	e.log.Info("monitor config applied",
		logx.Duration("interval", cfg.CheckInterval),
		logx.Duration("recent", cfg.RecentThreshold),
		logx.Duration("cooldown", cfg.Cooldown))
}

// StopBudget is the longest Run can take to return once its context is
// cancelled: the in-flight fetch, send and save, then the final flush.
func (e *Engine) StopBudget() time.Duration {
	return 2*e.config().FetchTimeout + saveTimeout + shutdownTimeout
}

func (e *Engine) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// LastNotified returns the account the most recent alert referenced.
func (e *Engine) LastNotified() string {
	e.cmdMu.Lock()
	defer e.cmdMu.Unlock()
	return e.lastNotified
}

// LastReport returns the most recent completed cycle, if any.
func (e *Engine) LastReport() (CycleReport, bool) {
	r := e.lastReport.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// Stats reports state at the engine clock with the configured cooldown.
func (e *Engine) Stats() state.Stats {
	return e.state.Stats(e.now(), e.config().Cooldown)
}

// StatsReport renders Stats for the operator.
func (e *Engine) StatsReport() string {
	watched := 0
	if list, err := e.watch.List(); err == nil {
		watched = len(list)
	}
	return notify.StatsReport(e.Stats(), watched)
}

// Run loops poll cycles until ctx is cancelled, then flushes state and
// optionally says goodbye. It returns ErrStorageUnavailable if persistence
// failed for good.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	if cfg.StartupNotice {
		e.sendStartupNotice(ctx, cfg)
	}

	var runErr error
	for ctx.Err() == nil {
		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrStorageUnavailable) {
				runErr = err
				break
			}
			e.log.Error("cycle failed", logx.Err(err))
		}
		if err := e.sleep(ctx, e.config().CheckInterval); err != nil {
			break
		}
	}
	e.shutdown(runErr)
	return runErr
}

func (e *Engine) sendStartupNotice(ctx context.Context, cfg Config) {
	n := 0
	if list, err := e.watch.List(); err == nil {
		n = len(list)
	}
	msg := notify.StartupNotice(notify.StartupInfo{
		Accounts:      n,
		Interval:      cfg.CheckInterval,
		RecentMinutes: int(cfg.RecentThreshold.Minutes()),
		Cooldown:      cfg.Cooldown,
		Source:        cfg.Source,
	})
	if err := e.port.Send(ctx, msg, ""); err != nil {
		e.log.Warn("startup notice failed", logx.Err(err))
	}
}

// shutdown runs on a fresh context so it works after cancellation.
func (e *Engine) shutdown(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.state.Flush(ctx); err != nil {
		e.log.Error("final state flush failed", logx.Err(err))
	}
	if cause == nil && e.config().ShutdownNotice {
		if err := e.port.Send(ctx, notify.ShutdownNotice(), ""); err != nil {
			e.log.Warn("shutdown notice failed", logx.Err(err))
		}
	}
	e.log.Info("monitor stopped")
}
