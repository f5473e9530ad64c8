package storage

import (
	"context"
	"errors"
	"time"
)

// ErrCorrupt marks persisted state that exists but cannot be decoded.
var ErrCorrupt = errors.New("corrupt state")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	RedisAddr   string
	RedisPrefix string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Snapshot is the full persisted engine state. NotifiedPostIDs is ordered
// oldest first.
type Snapshot struct {
	NotifiedPostIDs  []string
	LastNotification map[string]time.Time
}

// AuditEntry records an operator action.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id,omitempty"`
	ChatID  int64     `json:"chat_id,omitempty"`
	Action  string    `json:"action"`
	Target  string    `json:"target,omitempty"`
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
}

// Backend is a durable home for engine state.
//
// LoadState reports found=false for state that was never written. Undecodable
// state yields an error wrapping ErrCorrupt.
type Backend interface {
	LoadState(ctx context.Context) (snap Snapshot, found bool, err error)
	SaveState(ctx context.Context, snap Snapshot) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
