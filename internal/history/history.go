// Package history remembers when each instance was last connected so lists
// can put recently used instances first.
package history

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/docker-env/internal/appconfig"
)

type document struct {
	LastConnected map[string]int64 `json:"last_connected"`
}

// Store keeps last-connection timestamps in a JSON file.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore returns the store in the application config directory.
func NewStore() (*Store, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(filepath.Join(dir, "history.json")), nil
}

// NewStoreAt returns a store backed by path.
func NewStoreAt(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Touch records a successful connection to name.
func (s *Store) Touch(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.read()
	doc.LastConnected[name] = s.now().Unix()
	return s.write(doc)
}

// Forget drops the record for name.
func (s *Store) Forget(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.read()
	if _, ok := doc.LastConnected[name]; !ok {
		return nil
	}
	delete(doc.LastConnected, name)
	return s.write(doc)
}

// LastConnected returns unix timestamps of the last connection by name.
func (s *Store) LastConnected() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().LastConnected
}

// SortRecent returns a copy of items ordered by most recent connection, then
// by name. Items never connected keep name order at the end.
func SortRecent[T any](items []T, name func(T) string, last map[string]int64) []T {
	out := append([]T(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := name(out[i]), name(out[j])
		if ti, tj := last[ni], last[nj]; ti != tj {
			return ti > tj
		}
		return ni < nj
	})
	return out
}

// read never fails: history is advisory, so a missing or unreadable file
// starts empty.
func (s *Store) read() document {
	doc := document{LastConnected: map[string]int64{}}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("ignoring unreadable history", "path", s.path, "error", err)
		}
		return doc
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		slog.Warn("ignoring corrupt history", "path", s.path, "error", err)
		return document{LastConnected: map[string]int64{}}
	}
	if doc.LastConnected == nil {
		doc.LastConnected = map[string]int64{}
	}
	return doc
}

func (s *Store) write(doc document) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
