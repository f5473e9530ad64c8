package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postwatch/pkg/logx"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		NotifiedPostIDs: []string{"100", "101", "102"},
		LastNotification: map[string]time.Time{
			"acct1": time.UnixMilli(1733814030000),
			"acct2": time.UnixMilli(1733817630000),
		},
	}
}

func assertRoundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := t.Context()

	_, found, err := b.LoadState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	want := sampleSnapshot()
	require.NoError(t, b.SaveState(ctx, want))

	got, found, err := b.LoadState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.NotifiedPostIDs, got.NotifiedPostIDs)
	require.Len(t, got.LastNotification, 2)
	for acct, ts := range want.LastNotification {
		assert.True(t, ts.Equal(got.LastNotification[acct]), acct)
	}

	// second save replaces rather than appends
	want.NotifiedPostIDs = []string{"102", "103"}
	delete(want.LastNotification, "acct1")
	require.NoError(t, b.SaveState(ctx, want))
	got, _, err = b.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"102", "103"}, got.NotifiedPostIDs)
	assert.NotContains(t, got.LastNotification, "acct1")
}

func TestFileBackendRoundTrip(t *testing.T) {
	b, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	assertRoundTrip(t, b)
}

func TestFileBackendCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	b, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.LoadState(t.Context())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestFileBackendReadsLegacyLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor_state.json")
	legacy := `{"notified_tweets":["1","2"],"last_notification":{"acct1":"2024-12-10T07:00:30.123456"}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o600))

	b, err := Open(context.Background(), Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	snap, found, err := b.LoadState(t.Context())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"1", "2"}, snap.NotifiedPostIDs)
	assert.Equal(t, 2024, snap.LastNotification["acct1"].Year())
}

func TestFileBackendAudit(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, b.AppendAudit(t.Context(), AuditEntry{Action: "remove", Target: "acct3", OK: true, ActorID: 42}))
	require.NoError(t, b.Close())

	f, err := os.Open(filepath.Join(dir, "state.audit.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	var e AuditEntry
	require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
	assert.Equal(t, "remove", e.Action)
	assert.Equal(t, "acct3", e.Target)
	assert.True(t, e.OK)
	assert.False(t, e.At.IsZero())
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	b, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	assertRoundTrip(t, b)
	require.NoError(t, b.AppendAudit(t.Context(), AuditEntry{Action: "remove", Target: "acct3", OK: true}))
}

func TestRedisBackendRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b, err := Open(context.Background(), Config{Driver: "redis", RedisAddr: mr.Addr(), RedisPrefix: "pw"}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()
	assertRoundTrip(t, b)

	ids, err := mr.List("pw:notified")
	require.NoError(t, err)
	assert.Equal(t, []string{"102", "103"}, ids)
}

func TestRedisBackendAuditIsCapped(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b, err := Open(context.Background(), Config{Driver: "redis", RedisAddr: mr.Addr()}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < auditCap+5; i++ {
		require.NoError(t, b.AppendAudit(t.Context(), AuditEntry{Action: "remove", Target: "a"}))
	}
	entries, err := mr.List("postwatch:audit")
	require.NoError(t, err)
	assert.Len(t, entries, auditCap)
}

func TestRedisBackendCorruptTimestamp(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	mr.HSet("postwatch:last_notification", "acct1", "yesterday")

	b, err := Open(context.Background(), Config{Driver: "redis", RedisAddr: mr.Addr()}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	_, _, err = b.LoadState(t.Context())
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "f.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o644))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}
