package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwatch/internal/fetch"
	"postwatch/internal/notify"
	"postwatch/internal/state"
	"postwatch/internal/storage"
	"postwatch/internal/watchlist"
	logx "postwatch/pkg/logx"
)

const operator = int64(77)

var t0 = time.Date(2024, 12, 10, 7, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu     sync.Mutex
	posts  map[string][]fetch.Post
	errs   map[string]error
	calls  []string
	before func(account string)
}

func (f *fakeFetcher) FetchRecent(_ context.Context, account string) ([]fetch.Post, error) {
	if f.before != nil {
		f.before(account)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, account)
	if err := f.errs[account]; err != nil {
		return nil, err
	}
	return f.posts[account], nil
}

type sent struct {
	text string
	link string
}

type fakePort struct {
	mu       sync.Mutex
	sent     []sent
	failSend error
	replies  []notify.Reply
	polls    []int64
}

func (p *fakePort) Send(_ context.Context, text, link string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSend != nil {
		return p.failSend
	}
	p.sent = append(p.sent, sent{text: text, link: link})
	return nil
}

func (p *fakePort) PollReplies(_ context.Context, since int64) ([]notify.Reply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls = append(p.polls, since)
	var out []notify.Reply
	for _, r := range p.replies {
		if r.Cursor > since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (p *fakePort) reply(chatID int64, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, notify.Reply{ChatID: chatID, SenderID: 5, Text: text, Cursor: int64(len(p.replies) + 1)})
}

func (p *fakePort) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.text)
	}
	return out
}

type memBackend struct {
	mu      sync.Mutex
	snap    storage.Snapshot
	saveErr error
	saves   int
	audit   []storage.AuditEntry
}

func (m *memBackend) LoadState(context.Context) (storage.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.saves > 0, nil
}

func (m *memBackend) SaveState(_ context.Context, snap storage.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap
	return nil
}

func (m *memBackend) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, e)
	return nil
}

func (m *memBackend) Close() error { return nil }

type harness struct {
	engine   *Engine
	fetcher  *fakeFetcher
	port     *fakePort
	backend  *memBackend
	state    *state.Store
	watch    *watchlist.Store
	excluded string
	sleeps   []time.Duration
	now      time.Time
}

func newHarness(t *testing.T, accounts ...string) *harness {
	t.Helper()
	dir := t.TempDir()
	active := filepath.Join(dir, "accounts.txt")
	excluded := filepath.Join(dir, "excluded_accounts.txt")
	require.NoError(t, os.WriteFile(active, []byte(strings.Join(accounts, "\n")+"\n"), 0o644))

	h := &harness{
		fetcher:  &fakeFetcher{posts: map[string][]fetch.Post{}, errs: map[string]error{}},
		port:     &fakePort{},
		backend:  &memBackend{},
		excluded: excluded,
		now:      t0,
	}
	h.watch = watchlist.New(active, excluded, logx.Nop())
	h.state = state.New(h.backend, 100, logx.Nop(), state.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1)
	}))
	h.engine = New(Config{
		RecentThreshold:    10 * time.Minute,
		Cooldown:           180 * time.Minute,
		AccountDelay:       2 * time.Second,
		RateLimitBackoff:   60 * time.Second,
		OperatorChatID:     operator,
		MaxStorageFailures: 2,
	}, Deps{
		Watchlist: h.watch,
		State:     h.state,
		Fetcher:   h.fetcher,
		Port:      h.port,
		Audit:     h.backend,
		Log:       logx.Nop(),
		Now:       func() time.Time { return h.now },
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		},
	})
	return h
}

func (h *harness) post(account, id, posted string) {
	h.fetcher.posts[account] = append(h.fetcher.posts[account], fetch.Post{
		ID:     id,
		URL:    "https://x.com/" + account + "/status/" + id,
		Text:   "hello from " + account,
		Posted: posted,
	})
}

func TestFreshPostIsNotifiedOnce(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "5m")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Notified)

	texts := h.port.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "@acct1")
	assert.Equal(t, "https://x.com/acct1/status/1001", h.port.sent[0].link)
	assert.True(t, h.state.IsNotified("1001"))
	assert.Equal(t, []string{"1001"}, h.backend.snap.NotifiedPostIDs)
	assert.Equal(t, t0, h.backend.snap.LastNotification["acct1"])
	assert.Equal(t, "acct1", h.engine.LastNotified())
}

func TestAlreadyNotifiedPostIsSkipped(t *testing.T) {
	h := newHarness(t, "acct1")
	h.backend.snap = storage.Snapshot{NotifiedPostIDs: []string{"1001"}}
	h.backend.saves = 1
	require.NoError(t, h.state.Load(t.Context()))
	h.post("acct1", "1001", "5m")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Empty(t, h.port.texts())
}

func TestCooldownSkipsFetch(t *testing.T) {
	h := newHarness(t, "acct2")
	require.NoError(t, h.state.RecordNotification(t.Context(), "acct2", "900", t0.Add(-30*time.Minute)))
	h.post("acct2", "901", "1m")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SkippedCooldown)
	assert.Empty(t, h.fetcher.calls)
	assert.Empty(t, h.port.texts())
}

func TestCooldownEndsAtExactBoundary(t *testing.T) {
	h := newHarness(t, "acct2")
	require.NoError(t, h.state.RecordNotification(t.Context(), "acct2", "900", t0.Add(-180*time.Minute)))
	h.post("acct2", "901", "1m")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Notified)
}

func TestBareXRemovesLastNotified(t *testing.T) {
	h := newHarness(t, "acct1", "acct3")
	h.post("acct3", "3001", "2m")

	_, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	require.Equal(t, "acct3", h.engine.LastNotified())

	h.port.reply(operator, "x")
	n, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, h.engine.LastNotified())

	list, err := h.watch.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1"}, list)
	ex, err := os.ReadFile(h.excluded)
	require.NoError(t, err)
	assert.Equal(t, "acct3\n", string(ex))

	texts := h.port.texts()
	assert.Contains(t, texts[len(texts)-1], "Removed <b>@acct3</b>")
	require.Len(t, h.backend.audit, 1)
	assert.Equal(t, "acct3", h.backend.audit[0].Target)
	assert.True(t, h.backend.audit[0].OK)

	h.fetcher.calls = nil
	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Accounts)
	assert.Equal(t, []string{"acct1"}, h.fetcher.calls)
}

func TestStalePostChangesNothing(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "2h")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stale)
	assert.Empty(t, h.port.texts())
	assert.False(t, h.state.IsNotified("1001"))
	assert.Zero(t, h.backend.saves)
}

func TestUnparseableAgeIsNeverRecent(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "Dec 9")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stale)
	assert.Empty(t, h.port.texts())
}

func TestSendFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "5m")
	h.port.failSend = errors.New("telegram down")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SendFailures)
	assert.False(t, h.state.IsNotified("1001"))
	assert.Empty(t, h.engine.LastNotified())

	h.port.failSend = nil
	rep, err = h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Notified, "retried on the next cycle")
}

func TestSecondCycleIsIdempotent(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "5m")
	h.engine.Apply(Config{RecentThreshold: 10 * time.Minute, Cooldown: time.Nanosecond, OperatorChatID: operator})

	_, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	h.now = h.now.Add(time.Minute)
	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Duplicates)
	assert.Len(t, h.port.texts(), 1)
}

func TestFetchErrorsDoNotStopCycle(t *testing.T) {
	h := newHarness(t, "gone", "broken", "acct1")
	h.fetcher.errs["gone"] = &fetch.Error{Kind: fetch.KindNotFound, Account: "gone"}
	h.fetcher.errs["broken"] = errors.New("connection reset")
	h.post("acct1", "1001", "5m")

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.FetchErrors)
	assert.Equal(t, 1, rep.NotFound)
	assert.Equal(t, 1, rep.Notified)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleeps)
}

func TestRateLimitPausesBeforeNextAccount(t *testing.T) {
	h := newHarness(t, "acct1", "acct2", "acct3")
	h.fetcher.errs["acct1"] = &fetch.Error{Kind: fetch.KindRateLimited, Account: "acct1", RetryAfter: 15 * time.Second}
	h.fetcher.errs["acct2"] = &fetch.Error{Kind: fetch.KindRateLimited, Account: "acct2"}

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.RateLimited)
	assert.Equal(t, []time.Duration{15 * time.Second, 60 * time.Second}, h.sleeps)
}

func TestRemovedMidCycleIsNotFetched(t *testing.T) {
	h := newHarness(t, "acct1", "acct2")
	h.fetcher.before = func(account string) {
		if account == "acct1" {
			_, err := h.watch.Remove("acct2")
			require.NoError(t, err)
		}
	}

	rep, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RemovedMidCycle)
	assert.Equal(t, []string{"acct1"}, h.fetcher.calls)
}

func TestCancelledCycleStopsBetweenAccounts(t *testing.T) {
	h := newHarness(t, "acct1", "acct2")
	ctx, cancel := context.WithCancel(t.Context())
	h.fetcher.before = func(string) { cancel() }
	h.post("acct1", "1001", "5m")

	rep, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Interrupted)
	assert.Equal(t, []string{"acct1"}, h.fetcher.calls)
	assert.Equal(t, 1, rep.Notified, "in-flight check completes")
}

func TestStorageFailuresStopEngine(t *testing.T) {
	h := newHarness(t, "acct1", "acct2")
	h.post("acct1", "1001", "5m")
	h.post("acct2", "2001", "5m")
	h.backend.saveErr = errors.New("disk full")

	_, err := h.engine.RunCycle(t.Context())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, h.state.IsNotified("1001"), "kept in memory")

	texts := h.port.texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[2], "State storage unavailable")
}

func TestRunFlushesAndSaysGoodbye(t *testing.T) {
	h := newHarness(t, "acct1")
	h.post("acct1", "1001", "5m")
	h.engine.Apply(Config{
		RecentThreshold: 10 * time.Minute,
		OperatorChatID:  operator,
		StartupNotice:   true,
		ShutdownNotice:  true,
	})

	ctx, cancel := context.WithCancel(t.Context())
	h.fetcher.before = func(string) { cancel() }
	require.NoError(t, h.engine.Run(ctx))

	texts := h.port.texts()
	require.Len(t, texts, 3)
	assert.Contains(t, texts[0], "Monitor started")
	assert.Contains(t, texts[1], "New post from @acct1")
	assert.Contains(t, texts[2], "Monitor stopped")
	assert.GreaterOrEqual(t, h.backend.saves, 2, "final flush")

	last, ok := h.engine.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, last.Notified)
}

func TestRunReturnsStorageError(t *testing.T) {
	h := newHarness(t, "acct1", "acct2")
	h.post("acct1", "1001", "5m")
	h.post("acct2", "2001", "5m")
	h.backend.saveErr = errors.New("disk full")
	h.engine.Apply(Config{
		RecentThreshold:    10 * time.Minute,
		OperatorChatID:     operator,
		MaxStorageFailures: 2,
		ShutdownNotice:     true,
	})

	err := h.engine.Run(t.Context())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	for _, txt := range h.port.texts() {
		assert.NotContains(t, txt, "Monitor stopped")
	}
}

func TestParseCommand(t *testing.T) {
	cases := map[string]Command{
		"x":               {Kind: CmdRemoveLast},
		" X ":             {Kind: CmdRemoveLast},
		"x @Acct_1":       {Kind: CmdRemove, Target: "Acct_1"},
		"X acct2":         {Kind: CmdRemove, Target: "acct2"},
		"x @bad-handle":   {},
		"x a b":           {},
		"/status":         {Kind: CmdStatus},
		"/status@PostBot": {Kind: CmdStatus},
		"Status":          {Kind: CmdStatus},
		"xx":              {},
		"hello":           {},
		"":                {},
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseCommand(in), "input %q", in)
	}
}

func TestCommandsFromOtherChatsAreIgnored(t *testing.T) {
	h := newHarness(t, "acct1")
	h.port.reply(999, "x @acct1")

	n, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	ok, err := h.watch.Contains("acct1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, h.port.polls, "cursor advances past ignored replies")
}

func TestRemoveByHandle(t *testing.T) {
	h := newHarness(t, "acct1", "Acct4")
	h.port.reply(operator, "x @acct4")
	h.port.reply(operator, "x @ghost")

	n, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	texts := h.port.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Removed <b>@acct4</b>")
	assert.Contains(t, texts[1], "@ghost</b> is not on the watch-list")

	ex, err := os.ReadFile(h.excluded)
	require.NoError(t, err)
	assert.Equal(t, "Acct4\n", string(ex))

	require.Len(t, h.backend.audit, 2)
	assert.False(t, h.backend.audit[1].OK)
}

func TestBareXWithNothingNotifiedIsNoop(t *testing.T) {
	h := newHarness(t, "acct1")
	h.port.reply(operator, "x")

	n, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.port.texts())
	list, err := h.watch.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1"}, list)
}

func TestRemovingLastNotifiedByHandleClearsSlot(t *testing.T) {
	h := newHarness(t, "acct1", "acct3")
	h.post("acct3", "3001", "2m")
	_, err := h.engine.RunCycle(t.Context())
	require.NoError(t, err)

	h.port.reply(operator, "x @ACCT3")
	_, err = h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Empty(t, h.engine.LastNotified())

	h.port.reply(operator, "x")
	n, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	assert.Zero(t, n, "acct1 must not be removed by a stale bare x")
}

func TestStatusCommand(t *testing.T) {
	h := newHarness(t, "acct1", "acct2")
	require.NoError(t, h.state.RecordNotification(t.Context(), "acct2", "900", t0.Add(-30*time.Minute)))
	h.port.reply(operator, "/status")

	_, err := h.engine.DrainCommands(t.Context())
	require.NoError(t, err)
	texts := h.port.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Watched accounts: 2")
	assert.Contains(t, texts[0], "@acct2 (150 min left)")
}

func TestReporterValidate(t *testing.T) {
	r := NewReporter(newHarness(t).engine, ReporterConfig{}, logx.Nop())
	assert.NoError(t, r.Validate(ReporterConfig{}))
	assert.NoError(t, r.Validate(ReporterConfig{Spec: "0 9 * * *", Timezone: "UTC"}))
	assert.NoError(t, r.Validate(ReporterConfig{Spec: "@every 1h"}))
	assert.Error(t, r.Validate(ReporterConfig{Spec: "not a cron"}))
	assert.Error(t, r.Validate(ReporterConfig{Spec: "@daily", Timezone: "Mars/Olympus"}))
}

func TestReporterStartStop(t *testing.T) {
	h := newHarness(t, "acct1")
	r := NewReporter(h.engine, ReporterConfig{Spec: "@every 1h"}, logx.Nop())
	require.NoError(t, r.Start(t.Context()))
	require.NoError(t, r.Apply(ReporterConfig{Spec: "@daily"}))
	require.Error(t, r.Apply(ReporterConfig{Spec: "bogus"}))
	r.Stop()

	r.send(t.Context())
	texts := h.port.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Monitor status")
}

func TestStopBudgetFollowsFetchTimeout(t *testing.T) {
	h := newHarness(t)
	base := h.engine.StopBudget()
	assert.Equal(t, 2*30*time.Second+saveTimeout+shutdownTimeout, base)

	h.engine.Apply(Config{FetchTimeout: 90 * time.Second})
	assert.Equal(t, base+120*time.Second, h.engine.StopBudget())
}

// churnFetcher hands out a fresh recent post on every call.
type churnFetcher struct {
	mu sync.Mutex
	n  int
}

func (f *churnFetcher) FetchRecent(_ context.Context, account string) ([]fetch.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("%s-%d", account, f.n)
	return []fetch.Post{{ID: id, URL: "https://x.com/" + account + "/status/" + id, Text: "hi", Posted: "1m"}}, nil
}

func TestPollAndCommandLoopsShareStores(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "accounts.txt")
	excluded := filepath.Join(dir, "excluded_accounts.txt")
	var accounts []string
	for i := range 12 {
		accounts = append(accounts, fmt.Sprintf("acct%d", i))
	}
	require.NoError(t, os.WriteFile(active, []byte(strings.Join(accounts, "\n")+"\n"), 0o644))

	wl := watchlist.New(active, excluded, logx.Nop())
	backend := &memBackend{}
	st := state.New(backend, 1000, logx.Nop(), state.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 1)
	}))
	port := &fakePort{}
	eng := New(Config{
		CheckInterval:       time.Millisecond,
		CommandPollInterval: time.Millisecond,
		RecentThreshold:     10 * time.Minute,
		Cooldown:            time.Nanosecond,
		OperatorChatID:      operator,
	}, Deps{Watchlist: wl, State: st, Fetcher: &churnFetcher{}, Port: port, Audit: backend, Log: logx.Nop()})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	var (
		wg             sync.WaitGroup
		runErr, cmdErr error
	)
	wg.Add(2)
	go func() { defer wg.Done(); runErr = eng.Run(ctx) }()
	go func() { defer wg.Done(); cmdErr = eng.RunCommands(ctx) }()

	targets := []string{"acct0", "acct3", "acct6", "acct9"}
	for _, target := range targets {
		port.reply(operator, "x @"+target)
		port.reply(operator, "x")
		time.Sleep(2 * time.Millisecond)
	}
	cursor := func() int64 {
		eng.cmdMu.Lock()
		defer eng.cmdMu.Unlock()
		return eng.cursor
	}
	require.Eventually(t, func() bool { return cursor() == int64(2*len(targets)) }, 5*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
	require.NoError(t, runErr)
	require.NoError(t, cmdErr)

	list, err := wl.List()
	require.NoError(t, err)
	b, err := os.ReadFile(excluded)
	require.NoError(t, err)
	removed := strings.Fields(string(b))

	// every account ends up in exactly one of the two files
	assert.ElementsMatch(t, accounts, append(slices.Clone(list), removed...))
	assert.GreaterOrEqual(t, len(removed), len(targets))
	assert.LessOrEqual(t, len(removed), 2*len(targets))
	for _, target := range targets {
		assert.Contains(t, removed, target)
		assert.NotContains(t, list, target)
	}

	ok := 0
	for _, e := range backend.audit {
		if e.OK {
			ok++
		}
	}
	assert.Equal(t, len(removed), ok, "one successful audit entry per removal")
}
