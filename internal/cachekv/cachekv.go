// Package cachekv implements the content-keyed on-disk blob store (C1).
// One file per key, JSON-encoded, freshness decided by file modification
// time against a caller-supplied max age. The interface-first shape lets
// tests swap in an in-memory store, per the teacher's design note that the
// filesystem-backed cache should sit behind an interface with multiple
// possible implementations.
package cachekv

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store is the KV Cache contract. Get returns three states: a fresh hit
// (hit=true), a fresh negative-result sentinel (empty=true, meaning the
// upstream is known-absent and should not be retried), or a miss (both
// false).
type Store interface {
	Get(key string, maxAge time.Duration, out interface{}) (hit bool, empty bool, err error)
	Set(key string, value interface{}) error
	SetEmpty(key string) error
	ClearForTicker(ticker string, date string) (cleared int, err error)
}

// emptySentinel is the negative-result marker written by SetEmpty.
type emptySentinel struct {
	Empty bool `json:"__empty"`
}

// FileStore is the on-disk implementation: one URL-encoded-key file per
// cache entry under baseDir.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a FileStore rooted at baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.baseDir, url.QueryEscape(key)+".json")
}

// Get implements Store.
func (s *FileStore) Get(key string, maxAge time.Duration, out interface{}) (bool, bool, error) {
	path := s.pathFor(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, false, nil
		}
		return false, false, err
	}
	if time.Since(info.ModTime()) > maxAge {
		return false, false, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, false, err
	}

	var sentinel emptySentinel
	if err := json.Unmarshal(raw, &sentinel); err == nil && sentinel.Empty {
		return false, true, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// Set implements Store.
func (s *FileStore) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return atomicWrite(s.pathFor(key), raw)
}

// SetEmpty implements Store.
func (s *FileStore) SetEmpty(key string) error {
	raw, _ := json.Marshal(emptySentinel{Empty: true})
	return atomicWrite(s.pathFor(key), raw)
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ClearForTicker implements Store. It traverses key names and unlinks
// matches; calling it twice on an already-cleared prefix is a no-op.
func (s *FileStore) ClearForTicker(ticker string, date string) (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	ticker = strings.ToUpper(ticker)
	cleared := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if !strings.Contains(strings.ToUpper(decoded), ticker) {
			continue
		}
		if date != "" && !strings.Contains(decoded, date) {
			continue
		}
		if err := os.Remove(filepath.Join(s.baseDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}
