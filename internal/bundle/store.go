// Package bundle stores named sets of instances and extra forwards that are
// brought up together.
package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/sshconfig"
	"github.com/treykane/docker-env/internal/util"
)

// Entry is one instance to connect. A non-zero RemotePort additionally
// forwards that port, on LocalPort when it is set.
type Entry struct {
	Instance   string `yaml:"instance" json:"instance"`
	Label      string `yaml:"label,omitempty" json:"label,omitempty"`
	RemotePort int    `yaml:"remote_port,omitempty" json:"remote_port,omitempty"`
	LocalPort  int    `yaml:"local_port,omitempty" json:"local_port,omitempty"`
}

func (e Entry) String() string {
	switch {
	case e.RemotePort == 0:
		return e.Instance
	case e.LocalPort == 0:
		return fmt.Sprintf("%s:%d", e.Instance, e.RemotePort)
	default:
		return fmt.Sprintf("%s:%d:%d", e.Instance, e.RemotePort, e.LocalPort)
	}
}

// ParseEntry parses instance[:remote_port[:local_port]].
func ParseEntry(s string) (Entry, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) > 3 {
		return Entry{}, fmt.Errorf("invalid entry %q, expected instance[:remote_port[:local_port]]", s)
	}
	e := Entry{Instance: parts[0]}
	if len(parts) > 1 {
		p, err := util.ParsePort(parts[1])
		if err != nil {
			return Entry{}, fmt.Errorf("entry %q: remote port: %w", s, err)
		}
		e.RemotePort = p
	}
	if len(parts) > 2 {
		p, err := util.ParsePort(parts[2])
		if err != nil {
			return Entry{}, fmt.Errorf("entry %q: local port: %w", s, err)
		}
		e.LocalPort = p
	}
	return e, nil
}

// Definition is a named sequence of bundle entries.
type Definition struct {
	Name    string  `yaml:"name" json:"name"`
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Instances returns the distinct instance names in entry order.
func (d Definition) Instances() []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range d.Entries {
		if !seen[e.Instance] {
			seen[e.Instance] = true
			out = append(out, e.Instance)
		}
	}
	return out
}

type fileModel struct {
	Bundles map[string]Definition `yaml:"bundles"`
}

// Store persists bundles in one YAML file.
type Store struct {
	path string
}

// NewStore returns the store in the application config directory.
func NewStore() (*Store, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(filepath.Join(dir, "bundles.yaml")), nil
}

// NewStoreAt returns a store backed by path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// List returns all bundles sorted by name.
func (s *Store) List() ([]Definition, error) {
	fm, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Bundles))
	for _, b := range fm.Bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one bundle by name.
func (s *Store) Get(name string) (Definition, error) {
	fm, err := s.read()
	if err != nil {
		return Definition{}, err
	}
	if b, ok := fm.Bundles[name]; ok {
		return b, nil
	}
	return Definition{}, fmt.Errorf("bundle not found: %s", name)
}

// Save validates entries and adds or replaces the named bundle.
func (s *Store) Save(name string, entries []Entry) error {
	def, err := newDefinition(name, entries)
	if err != nil {
		return err
	}
	fm, err := s.read()
	if err != nil {
		return err
	}
	fm.Bundles[def.Name] = def
	return s.write(fm)
}

// Delete removes a bundle by name.
func (s *Store) Delete(name string) error {
	fm, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := fm.Bundles[name]; !ok {
		return fmt.Errorf("bundle not found: %s", name)
	}
	delete(fm.Bundles, name)
	return s.write(fm)
}

func newDefinition(name string, entries []Entry) (Definition, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Definition{}, fmt.Errorf("bundle name cannot be empty")
	}
	if len(entries) == 0 {
		return Definition{}, fmt.Errorf("bundle must include at least one instance")
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		e.Instance = strings.TrimSpace(e.Instance)
		e.Label = strings.TrimSpace(e.Label)
		if e.Instance == "" {
			return Definition{}, fmt.Errorf("bundle entry %d missing instance", i)
		}
		if err := sshconfig.ValidateName(e.Instance); err != nil {
			return Definition{}, fmt.Errorf("bundle entry %d: %w", i, err)
		}
		if e.RemotePort == 0 && e.LocalPort != 0 {
			return Definition{}, fmt.Errorf("bundle entry %d: local port without remote port", i)
		}
		out[i] = e
	}
	return Definition{Name: name, Entries: out}, nil
}

func (s *Store) read() (fileModel, error) {
	fm := fileModel{Bundles: map[string]Definition{}}
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return fm, nil
	}
	if err != nil {
		return fileModel{}, err
	}
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if fm.Bundles == nil {
		fm.Bundles = map[string]Definition{}
	}
	return fm, nil
}

// write replaces the file through a rename so readers never see a partial
// document.
func (s *Store) write(fm fileModel) error {
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".bundles-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
