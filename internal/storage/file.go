package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "postwatch/pkg/logx"
)

// fileStore keeps state in a single JSON document.
//
// Files:
//   - <path>                  (state snapshot, replaced atomically)
//   - <prefix>.audit.jsonl    (append-only JSON Lines)
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	auditFile *os.File
}

type fileDoc struct {
	NotifiedPostIDs  []string          `json:"notified_post_ids"`
	LastNotification map[string]string `json:"last_notification"`

	// written by older deployments
	LegacyNotified []string `json:"notified_tweets,omitempty"`
}

// isoLocal is the timestamp layout older state files used (no zone).
const isoLocal = "2006-01-02T15:04:05.999999"

func openFile(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	af, err := os.OpenFile(filepath.Join(dir, base+".audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, auditFile: af}, nil
}

func (s *fileStore) LoadState(_ context.Context) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read %s: %w: %v", s.path, ErrCorrupt, err)
	}

	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return Snapshot{}, true, fmt.Errorf("decode %s: %w: %v", s.path, ErrCorrupt, err)
	}
	ids := doc.NotifiedPostIDs
	if ids == nil {
		ids = doc.LegacyNotified
	}
	snap := Snapshot{
		NotifiedPostIDs:  ids,
		LastNotification: make(map[string]time.Time, len(doc.LastNotification)),
	}
	for acct, raw := range doc.LastNotification {
		t, err := parseStamp(raw)
		if err != nil {
			return Snapshot{}, true, fmt.Errorf("decode %s: %w: last_notification[%s]: %v", s.path, ErrCorrupt, acct, err)
		}
		snap.LastNotification[acct] = t
	}
	return snap, true, nil
}

func parseStamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation(isoLocal, raw, time.Local)
}

func (s *fileStore) SaveState(_ context.Context, snap Snapshot) error {
	doc := fileDoc{
		NotifiedPostIDs:  snap.NotifiedPostIDs,
		LastNotification: make(map[string]string, len(snap.LastNotification)),
	}
	if doc.NotifiedPostIDs == nil {
		doc.NotifiedPostIDs = []string{}
	}
	for acct, t := range snap.LastNotification {
		doc.LastNotification[acct] = t.UTC().Format(time.RFC3339Nano)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFileAtomic(s.path, b, 0o600)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
