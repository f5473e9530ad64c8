package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postwatch/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) LoadState(ctx context.Context) (Snapshot, bool, error) {
	snap := Snapshot{LastNotification: map[string]time.Time{}}

	rows, err := s.db.QueryContext(ctx, `SELECT post_id FROM notified ORDER BY seq`)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("sqlite load notified: %w: %v", ErrCorrupt, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return Snapshot{}, true, fmt.Errorf("sqlite scan notified: %w: %v", ErrCorrupt, err)
		}
		snap.NotifiedPostIDs = append(snap.NotifiedPostIDs, id)
	}
	if err := rows.Close(); err != nil {
		return Snapshot{}, true, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT account, at_ms FROM last_notification`)
	if err != nil {
		return Snapshot{}, true, fmt.Errorf("sqlite load last_notification: %w: %v", ErrCorrupt, err)
	}
	defer rows.Close()
	for rows.Next() {
		var acct string
		var ms int64
		if err := rows.Scan(&acct, &ms); err != nil {
			return Snapshot{}, true, fmt.Errorf("sqlite scan last_notification: %w: %v", ErrCorrupt, err)
		}
		snap.LastNotification[acct] = time.UnixMilli(ms)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, true, err
	}
	found := len(snap.NotifiedPostIDs) > 0 || len(snap.LastNotification) > 0
	return snap, found, nil
}

// SaveState replaces both tables in one transaction.
func (s *sqliteStore) SaveState(ctx context.Context, snap Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM notified`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM last_notification`); err != nil {
		return err
	}

	ins, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO notified(seq, post_id) VALUES(?, ?)`)
	if err != nil {
		return err
	}
	defer ins.Close()
	for i, id := range snap.NotifiedPostIDs {
		if _, err = ins.ExecContext(ctx, i, id); err != nil {
			return err
		}
	}
	for acct, t := range snap.LastNotification {
		if _, err = tx.ExecContext(ctx, `INSERT INTO last_notification(account, at_ms) VALUES(?, ?)`, acct, t.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, chat_id, action, target, ok, err) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, e.ChatID, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error),
	)
	return err
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
