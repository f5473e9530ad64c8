// Package state tracks which posts were already notified and when each
// account last triggered a notification.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

const DefaultCapacity = 10000

// ErrPersist wraps a save that still failed after its retries. The
// in-memory mutation that preceded it is kept.
var ErrPersist = errors.New("state persist failed")

type Option func(*Store)

// WithBackOff replaces the retry policy used for each save.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Store) { s.newBackOff = newBackOff }
}

// Store is the engine's notification memory. All methods are safe for
// concurrent use; a single mutex covers reads, mutations and the save that
// follows a mutation.
type Store struct {
	backend storage.Backend
	log     logx.Logger

	newBackOff func() backoff.BackOff

	mu       sync.Mutex
	capacity int
	ids      []string // oldest first
	set      map[string]struct{}
	last     map[string]time.Time // lower-cased account
}

func New(backend storage.Backend, capacity int, log logx.Logger, opts ...Option) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend:  backend,
		log:      log,
		capacity: capacity,
		set:      map[string]struct{}{},
		last:     map[string]time.Time{},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, 3)
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func accountKey(account string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(account), "@"))
}

// Load replaces the in-memory state with the persisted one. Missing state
// is an empty state. Unreadable state also resets to empty and is returned
// as an error for the caller to report; the store stays usable.
func (s *Store) Load(ctx context.Context) error {
	snap, found, err := s.backend.LoadState(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = nil
	s.set = map[string]struct{}{}
	s.last = map[string]time.Time{}

	if err != nil {
		s.log.Error("persisted state unreadable, starting empty", logx.Err(err))
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		s.log.Info("no persisted state, starting empty")
		return nil
	}
	for _, id := range snap.NotifiedPostIDs {
		s.insertLocked(id)
	}
	for acct, t := range snap.LastNotification {
		k := accountKey(acct)
		if prev, ok := s.last[k]; !ok || t.After(prev) {
			s.last[k] = t
		}
	}
	s.log.Info("state loaded", logx.Int("notified_ids", len(s.ids)), logx.Int("accounts", len(s.last)))
	return nil
}

func (s *Store) insertLocked(id string) {
	if id == "" {
		return
	}
	if _, ok := s.set[id]; ok {
		return
	}
	s.ids = append(s.ids, id)
	s.set[id] = struct{}{}
	s.trimLocked()
}

func (s *Store) trimLocked() {
	if over := len(s.ids) - s.capacity; over > 0 {
		for _, old := range s.ids[:over] {
			delete(s.set, old)
		}
		s.ids = append([]string(nil), s.ids[over:]...)
	}
}

// SetCapacity changes the bound, evicting the oldest ids if needed.
func (s *Store) SetCapacity(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	s.trimLocked()
}

func (s *Store) IsNotified(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[postID]
	return ok
}

// IsInCooldown is true iff the account has a notification at t and now-t < d.
func (s *Store) IsInCooldown(account string, now time.Time, d time.Duration) bool {
	return s.CooldownRemaining(account, now, d) > 0
}

// CooldownRemaining is how long until the account leaves cooldown, or 0.
func (s *Store) CooldownRemaining(account string, now time.Time, d time.Duration) time.Duration {
	s.mu.Lock()
	t, ok := s.last[accountKey(account)]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	if rem := d - now.Sub(t); rem > 0 {
		return rem
	}
	return 0
}

// RecordNotification marks postID as notified, starts the account's
// cooldown at now, and persists before returning.
func (s *Store) RecordNotification(ctx context.Context, account, postID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(postID)
	s.last[accountKey(account)] = now
	return s.saveLocked(ctx)
}

// Flush persists the current state unconditionally.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(ctx)
}

func (s *Store) saveLocked(ctx context.Context) error {
	snap := storage.Snapshot{
		NotifiedPostIDs:  append([]string(nil), s.ids...),
		LastNotification: make(map[string]time.Time, len(s.last)),
	}
	for k, v := range s.last {
		snap.LastNotification[k] = v
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.backend.SaveState(ctx, snap)
		if err != nil {
			s.log.Warn("state save attempt failed", logx.Int("attempt", attempt), logx.Err(err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		s.log.Error("state save failed", logx.Int("attempts", attempt), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

type CooldownEntry struct {
	Account   string        `json:"account"`
	Remaining time.Duration `json:"remaining_ns"`
}

type Stats struct {
	TotalTracked              int             `json:"total_tracked"`
	AccountsWithNotifications int             `json:"accounts_with_notifications"`
	InCooldown                []CooldownEntry `json:"in_cooldown"`
}

// Stats summarizes the state at now, listing accounts still in cooldown
// ordered by remaining time (shortest first).
func (s *Store) Stats(now time.Time, d time.Duration) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalTracked:              len(s.ids),
		AccountsWithNotifications: len(s.last),
		InCooldown:                []CooldownEntry{},
	}
	for acct, t := range s.last {
		if rem := d - now.Sub(t); rem > 0 {
			st.InCooldown = append(st.InCooldown, CooldownEntry{Account: acct, Remaining: rem})
		}
	}
	sort.Slice(st.InCooldown, func(i, j int) bool {
		a, b := st.InCooldown[i], st.InCooldown[j]
		if a.Remaining != b.Remaining {
			return a.Remaining < b.Remaining
		}
		return a.Account < b.Account
	})
	return st
}
