// Package watchlist is the file-backed list of monitored account handles.
//
// The active file holds one handle per line. Blank lines and '#' comments
// are ignored, a leading '@' is optional, and CSV exports are accepted by
// taking the first column and skipping a "username" header. Removed handles
// are appended to a separate excluded file that account discovery consults.
package watchlist

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"postwatch/internal/storage"
	logx "postwatch/pkg/logx"
)

// ErrConcurrentEdit means the active file kept changing while Remove tried
// to rewrite it.
var ErrConcurrentEdit = errors.New("watch-list changed during rewrite")

// ErrExcludedAppend means a removal was committed but recording it in the
// excluded file failed.
var ErrExcludedAppend = errors.New("append to excluded file failed")

// DefaultExcludedFile is used beside the active file when New gets no
// excluded path.
const DefaultExcludedFile = "excluded_accounts.txt"

type Store struct {
	path         string
	excludedPath string
	log          logx.Logger

	mu sync.Mutex
	// parsed copy of the active file, valid while the file's stamp matches
	cached []string
	keys   map[string]struct{}
	stamp  stamp
}

// stamp identifies one version of the active file. A rename-based edit
// changes the inode and an append changes the size.
type stamp struct {
	info  os.FileInfo
	size  int64
	mod   time.Time
	valid bool
}

func (a stamp) same(b stamp) bool {
	if !a.valid || !b.valid {
		return false
	}
	if a.info == nil || b.info == nil {
		return a.info == nil && b.info == nil
	}
	return a.size == b.size && a.mod.Equal(b.mod) && os.SameFile(a.info, b.info)
}

func (s *Store) stat() (stamp, error) {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return stamp{valid: true}, nil
	}
	if err != nil {
		return stamp{}, fmt.Errorf("stat watch-list: %w", err)
	}
	return stamp{info: fi, size: fi.Size(), mod: fi.ModTime(), valid: true}, nil
}

func New(path, excludedPath string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(excludedPath) == "" {
		excludedPath = filepath.Join(filepath.Dir(path), DefaultExcludedFile)
	}
	return &Store{path: path, excludedPath: excludedPath, log: log}
}

// Normalize strips whitespace and a leading '@'.
func Normalize(handle string) string {
	return strings.TrimPrefix(strings.TrimSpace(handle), "@")
}

// Key is the case-insensitive identity of a handle.
func Key(handle string) string { return strings.ToLower(Normalize(handle)) }

// parseLine extracts the handle from one line, or "" when the line carries none.
func parseLine(line string) string {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") {
		return ""
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	s = Normalize(strings.Trim(s, `"`))
	if strings.EqualFold(s, "username") {
		return ""
	}
	return s
}

func (s *Store) readLines() ([]string, bool, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read watch-list: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, false, fmt.Errorf("scan watch-list: %w", err)
	}
	return lines, len(b) > 0 && b[len(b)-1] == '\n', nil
}

// List returns the de-duplicated handles in file order. The file is
// re-parsed whenever it changed since the last call. The slice is a fresh
// copy owned by the caller.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return nil, err
	}
	return slices.Clone(s.cached), nil
}

// refreshLocked re-reads the file only when its stamp moved. The stamp is
// taken before reading, so an edit racing the read shows up on the next call.
func (s *Store) refreshLocked() error {
	st, err := s.stat()
	if err != nil {
		return err
	}
	if st.same(s.stamp) {
		return nil
	}
	lines, _, err := s.readLines()
	if err != nil {
		return err
	}
	s.keys = make(map[string]struct{}, len(lines))
	s.cached = make([]string, 0, len(lines))
	for _, line := range lines {
		h := parseLine(line)
		if h == "" {
			continue
		}
		k := strings.ToLower(h)
		if _, dup := s.keys[k]; dup {
			continue
		}
		s.keys[k] = struct{}{}
		s.cached = append(s.cached, h)
	}
	s.stamp = st
	return nil
}

// Contains costs one stat when the file is unchanged.
func (s *Store) Contains(handle string) (bool, error) {
	k := Key(handle)
	if k == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(); err != nil {
		return false, err
	}
	_, ok := s.keys[k]
	return ok, nil
}

func (s *Store) Len() (int, error) {
	list, err := s.List()
	return len(list), err
}

// Remove drops every line naming handle (case-insensitive) and then appends
// the handle to the excluded file. The active-list rewrite is committed
// before the append starts; if the append fails Remove still reports true
// together with an error wrapping ErrExcludedAppend.
//
// Writers outside this process are not locked out. Remove re-checks the
// file right before the rename and starts over if it changed, which narrows
// but does not close the window for a concurrent append.
func (s *Store) Remove(handle string) (bool, error) {
	k := Key(handle)
	if k == "" {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// the rewrite below always invalidates the parsed copy
	defer func() { s.stamp = stamp{} }()

	for range removeAttempts {
		before, err := s.stat()
		if err != nil {
			return false, err
		}
		lines, trailingNL, err := s.readLines()
		if err != nil {
			return false, err
		}
		kept := make([]string, 0, len(lines))
		canonical := ""
		for _, line := range lines {
			if h := parseLine(line); h != "" && strings.ToLower(h) == k {
				if canonical == "" {
					canonical = h
				}
				continue
			}
			kept = append(kept, line)
		}
		if canonical == "" {
			return false, nil
		}

		content := strings.Join(kept, "\n")
		if len(kept) > 0 && trailingNL {
			content += "\n"
		}
		perm := fs.FileMode(0o644)
		if before.info != nil {
			perm = before.info.Mode().Perm()
		}
		if after, err := s.stat(); err != nil {
			return false, err
		} else if !after.same(before) {
			s.log.Debug("watch-list changed while removing, retrying", logx.Account(canonical))
			continue
		}
		if err := storage.WriteFileAtomic(s.path, []byte(content), perm); err != nil {
			return false, fmt.Errorf("rewrite watch-list: %w", err)
		}
		return true, s.recordExcluded(canonical)
	}
	return false, fmt.Errorf("remove %s: %w", handle, ErrConcurrentEdit)
}

const removeAttempts = 3

func (s *Store) recordExcluded(canonical string) error {
	if err := s.appendExcluded(canonical); err != nil {
		s.log.Error("excluded append failed", logx.Account(canonical), logx.Err(err))
		return fmt.Errorf("%w: %v", ErrExcludedAppend, err)
	}
	s.log.Info("account removed", logx.Account(canonical))
	return nil
}

func (s *Store) appendExcluded(handle string) error {
	f, err := os.OpenFile(s.excludedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(handle + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
