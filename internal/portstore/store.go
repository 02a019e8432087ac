// Package portstore decides which local port a remote port is exposed on and
// remembers the choice across client runs.
//
// A record is one small text file per (user, instance, remote port) triple
// holding the decimal local port. Records are advisory: a missing or unreadable
// record is a cache miss, and writes are whole-file overwrites without locking,
// so the last of two concurrent client processes wins.
package portstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/treykane/docker-env/internal/util"
)

// Store reads and writes port records under Root/docker-env.
type Store struct {
	Root string
}

// NewStore returns a store rooted at root, or at os.TempDir() when root is empty.
func NewStore(root string) *Store {
	return &Store{Root: util.DefaultString(root, os.TempDir())}
}

// Dir returns the directory holding the records.
func (s *Store) Dir() string {
	return filepath.Join(s.Root, util.ScratchSubdir)
}

// Path returns the record file for the triple.
func (s *Store) Path(user, name string, remotePort int) string {
	return filepath.Join(s.Dir(), fmt.Sprintf("%s-%s-%d.port", user, name, remotePort))
}

// Load returns the recorded local port, or zero when no record exists.
func (s *Store) Load(user, name string, remotePort int) (int, error) {
	path := s.Path(user, name, remotePort)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read port record %s: %w", path, err)
	}
	port, err := util.ParsePort(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("parse port record %s: %w", path, err)
	}
	return port, nil
}

// Save overwrites the record for the triple.
func (s *Store) Save(user, name string, remotePort, localPort int) error {
	if err := os.MkdirAll(s.Dir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.Path(user, name, remotePort), []byte(strconv.Itoa(localPort)), 0o600)
}

// Delete removes the record for the triple. A missing record is not an error.
func (s *Store) Delete(user, name string, remotePort int) error {
	err := os.Remove(s.Path(user, name, remotePort))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
