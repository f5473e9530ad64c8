package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postwatch/internal/fetch"
	"postwatch/internal/notify"
	logx "postwatch/pkg/logx"
)

// CycleReport counts what happened to each account in one pass.
type CycleReport struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Accounts int           `json:"accounts"`

	Checked         int  `json:"checked"`
	SkippedCooldown int  `json:"skipped_cooldown"`
	RemovedMidCycle int  `json:"removed_mid_cycle"`
	FetchErrors     int  `json:"fetch_errors"`
	RateLimited     int  `json:"rate_limited"`
	NotFound        int  `json:"not_found"`
	NoPosts         int  `json:"no_posts"`
	Stale           int  `json:"stale"`
	Duplicates      int  `json:"duplicates"`
	SendFailures    int  `json:"send_failures"`
	Notified        int  `json:"notified"`
	CommandsApplied int  `json:"commands_applied"`
	Interrupted     bool `json:"interrupted"`
}

// RunCycle walks one watch-list snapshot. Cancelling ctx stops the cycle
// after the account being checked; that check runs to completion on a
// detached, time-bounded context.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	cfg := e.config()
	rep := CycleReport{Started: e.now()}
	defer func() {
		rep.Duration = e.now().Sub(rep.Started)
		r := rep
		e.lastReport.Store(&r)
	}()

	accounts, err := e.watch.List()
	if err != nil {
		return rep, fmt.Errorf("snapshot watch-list: %w", err)
	}
	rep.Accounts = len(accounts)

	if n, err := e.DrainCommands(ctx); err != nil {
		e.log.Warn("command drain failed", logx.Err(err))
	} else {
		rep.CommandsApplied = n
	}

	e.log.Info("cycle started", logx.Int("accounts", len(accounts)))

	var pause time.Duration
	fetched := false
	for _, acct := range accounts {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		log := e.log.With(logx.Account(acct))

		if ok, err := e.watch.Contains(acct); err != nil {
			log.Warn("watch-list check failed, checking anyway", logx.Err(err))
		} else if !ok {
			rep.RemovedMidCycle++
			log.Debug("removed since snapshot, skipping")
			continue
		}
		if e.state.IsInCooldown(acct, e.now(), cfg.Cooldown) {
			rep.SkippedCooldown++
			continue
		}

		if fetched {
			if err := e.sleep(ctx, max(pause, cfg.AccountDelay)); err != nil {
				rep.Interrupted = true
				break
			}
		}
		fetched = true
		pause = 0

		outcome, err := e.checkAccount(ctx, cfg, acct, log)
		rep.Checked++
		switch outcome {
		case outcomeFetchError:
			rep.FetchErrors++
			var fe *fetch.Error
			if errors.As(err, &fe) {
				switch fe.Kind {
				case fetch.KindRateLimited:
					rep.RateLimited++
					pause = cfg.RateLimitBackoff
					if fe.RetryAfter > 0 {
						pause = min(fe.RetryAfter, cfg.RateLimitBackoff)
					}
				case fetch.KindNotFound:
					rep.NotFound++
				}
			}
		case outcomeNoPosts:
			rep.NoPosts++
		case outcomeStale:
			rep.Stale++
		case outcomeDuplicate:
			rep.Duplicates++
		case outcomeSendFailed:
			rep.SendFailures++
		case outcomeNotified:
			rep.Notified++
		case outcomeNotifiedUnsaved:
			rep.Notified++
			if e.storageFailures >= cfg.MaxStorageFailures {
				e.storageUnavailable(err)
				return rep, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
		}
	}

	e.log.Info("cycle finished",
		logx.Int("checked", rep.Checked),
		logx.Int("cooldown", rep.SkippedCooldown),
		logx.Int("notified", rep.Notified),
		logx.Int("fetch_errors", rep.FetchErrors),
		logx.Bool("interrupted", rep.Interrupted))
	return rep, nil
}

type outcome int

const (
	outcomeFetchError outcome = iota
	outcomeNoPosts
	outcomeStale
	outcomeDuplicate
	outcomeSendFailed
	outcomeNotified
	outcomeNotifiedUnsaved
)

// checkAccount performs one fetch-decide-notify step.
func (e *Engine) checkAccount(ctx context.Context, cfg Config, acct string, log logx.Logger) (outcome, error) {
	// in-flight work survives shutdown but stays bounded
	work := context.WithoutCancel(ctx)

	fctx, cancel := context.WithTimeout(work, cfg.FetchTimeout)
	posts, err := e.fetcher.FetchRecent(fctx, acct)
	cancel()
	if err != nil {
		switch fetch.KindOf(err) {
		case fetch.KindNotFound:
			log.Info("account not found, skipping", logx.Err(err))
		case fetch.KindRateLimited:
			log.Warn("rate limited", logx.Err(err))
		default:
			log.Warn("fetch failed", logx.Err(err))
		}
		return outcomeFetchError, err
	}

	now := e.now()
	post, age, ok := fetch.Latest(posts, now)
	if !ok {
		log.Debug("no posts")
		return outcomeNoPosts, nil
	}
	if !age.Within(cfg.RecentThreshold.Minutes()) {
		log.Debug("latest post not recent", logx.String("post_id", post.ID), logx.String("age", age.String()))
		return outcomeStale, nil
	}
	if e.state.IsNotified(post.ID) {
		log.Debug("already notified", logx.String("post_id", post.ID))
		return outcomeDuplicate, nil
	}

	sctx, cancel := context.WithTimeout(work, cfg.FetchTimeout)
	err = e.port.Send(sctx, notify.NewPostAlert(acct, post.URL, post.Text), post.URL)
	cancel()
	if err != nil {
		log.Error("alert send failed, will retry next cycle", logx.String("post_id", post.ID), logx.Err(err))
		return outcomeSendFailed, err
	}

	e.cmdMu.Lock()
	e.lastNotified = acct
	e.cmdMu.Unlock()

	rctx, cancel := context.WithTimeout(work, saveTimeout)
	err = e.state.RecordNotification(rctx, acct, post.ID, now)
	cancel()
	if err != nil {
		e.storageFailures++
		log.Error("notification recorded in memory only", logx.Int("consecutive_failures", e.storageFailures), logx.Err(err))
		return outcomeNotifiedUnsaved, err
	}
	e.storageFailures = 0
	log.Info("notified", logx.String("post_id", post.ID), logx.String("age", age.String()))
	return outcomeNotified, nil
}

func (e *Engine) storageUnavailable(cause error) {
	e.log.Error("state storage unavailable, stopping", logx.Int("failures", e.storageFailures), logx.Err(cause))
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.port.Send(ctx, notify.StorageFailureNotice(cause), ""); err != nil {
		e.log.Warn("storage failure notice not delivered", logx.Err(err))
	}
}
