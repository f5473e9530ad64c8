package watchlist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postwatch/pkg/logx"
)

func newStore(t *testing.T, content string) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	active := filepath.Join(dir, "accounts.txt")
	excluded := filepath.Join(dir, "excluded_accounts.txt")
	require.NoError(t, os.WriteFile(active, []byte(content), 0o644))
	return New(active, excluded, logx.Nop()), active, excluded
}

func TestListSkipsCommentsAndDuplicates(t *testing.T) {
	s, _, _ := newStore(t, "# watched\n@Acct1\n\nacct2\nACCT1\n  acct3  \n")
	got, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"Acct1", "acct2", "acct3"}, got)
}

func TestListAcceptsCSVExport(t *testing.T) {
	s, _, _ := newStore(t, "username,followers\nacct1,100\n\"@acct2\",5\n")
	got, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"acct1", "acct2"}, got)
}

func TestListMissingFileIsEmpty(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nope.txt"), "", logx.Nop())
	got, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListReturnsSnapshot(t *testing.T) {
	s, _, _ := newStore(t, "acct1\nacct2\n")
	snap, err := s.List()
	require.NoError(t, err)

	ok, err := s.Remove("acct1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"acct1", "acct2"}, snap)
}

func TestRemoveCommitsThenExcludes(t *testing.T) {
	s, active, excluded := newStore(t, "# keep me\nacct1\nAcct3\nacct2\n")

	ok, err := s.Remove("@ACCT3")
	require.NoError(t, err)
	assert.True(t, ok)

	b, err := os.ReadFile(active)
	require.NoError(t, err)
	assert.Equal(t, "# keep me\nacct1\nacct2\n", string(b))

	x, err := os.ReadFile(excluded)
	require.NoError(t, err)
	assert.Equal(t, "Acct3\n", string(x))

	has, err := s.Contains("acct3")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRemoveWithoutExcludedPathWritesDefault(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "accounts.txt")
	require.NoError(t, os.WriteFile(active, []byte("acct1\nacct3\n"), 0o644))
	s := New(active, "", logx.Nop())

	ok, err := s.Remove("acct3")
	require.NoError(t, err)
	require.True(t, ok)

	x, err := os.ReadFile(filepath.Join(dir, DefaultExcludedFile))
	require.NoError(t, err)
	assert.Equal(t, "acct3\n", string(x))
}

func TestRemoveMissingHandle(t *testing.T) {
	s, _, excluded := newStore(t, "acct1\n")
	ok, err := s.Remove("ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(excluded)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveExcludedAppendFailure(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "accounts.txt")
	require.NoError(t, os.WriteFile(active, []byte("acct1\nacct2\n"), 0o644))
	s := New(active, filepath.Join(dir, "missing-dir", "excluded.txt"), logx.Nop())

	ok, err := s.Remove("acct1")
	assert.True(t, ok)
	require.ErrorIs(t, err, ErrExcludedAppend)

	list, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"acct2"}, list)
}

func TestExternalAppendVisibleOnNextList(t *testing.T) {
	s, active, _ := newStore(t, "acct1\n")
	f, err := os.OpenFile(active, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("acct9\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestContainsSeesRenameBasedEdit(t *testing.T) {
	s, active, _ := newStore(t, "acct1\nacct2\n")
	has, err := s.Contains("acct2")
	require.NoError(t, err)
	require.True(t, has)

	// same size, swapped in by rename the way editors save
	tmp := active + ".new"
	require.NoError(t, os.WriteFile(tmp, []byte("acct1\nacct7\n"), 0o644))
	require.NoError(t, os.Rename(tmp, active))

	has, err = s.Contains("acct2")
	require.NoError(t, err)
	assert.False(t, has)
	has, err = s.Contains("ACCT7")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestContainsAfterFileDeleted(t *testing.T) {
	s, active, _ := newStore(t, "acct1\n")
	has, err := s.Contains("acct1")
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, os.Remove(active))
	has, err = s.Contains("acct1")
	require.NoError(t, err)
	assert.False(t, has)
}
