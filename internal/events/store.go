package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/model"
)

// Connection-level event types. Tunnel transitions use the model.TunnelEvent
// values.
const (
	TypeConnectSucceeded = "connect_succeeded"
	TypeConnectFailed    = "connect_failed"
	TypeDisconnected     = "disconnect"
	TypeForward          = "forward"
)

// Event is one lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Instance   string    `json:"instance,omitempty"`
	Label      string    `json:"label,omitempty"`
	EventType  string    `json:"event_type"`
	LocalPort  int       `json:"local_port,omitempty"`
	RemotePort int       `json:"remote_port,omitempty"`
	Message    string    `json:"message,omitempty"`
	PID        int       `json:"pid,omitempty"`
}

// Query controls event filtering and bounded reads.
type Query struct {
	Instance  string
	Label     string
	EventType string
	Since     time.Time
	Limit     int
}

// Store provides append/read access to the local event journal.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns the journal in the application config directory.
func NewStore() (*Store, error) {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path), nil
}

// NewStoreAt returns a journal stored at path.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Path returns the journal file.
func (s *Store) Path() string { return s.path }

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.PID == 0 {
		evt.PID = os.Getpid()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, keeping the last
// Limit matches when Limit is positive.
func (s *Store) Read(q Query) ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}
	return out, nil
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.Instance) != "" && evt.Instance != q.Instance {
		return false
	}
	if strings.TrimSpace(q.Label) != "" && evt.Label != q.Label {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// Observer journals the transitions of every tunnel of one instance.
type Observer struct {
	Store    *Store
	Instance string
}

func (o *Observer) TunnelEvent(label string, ev model.TunnelEvent) {
	if err := o.Store.Append(Event{Instance: o.Instance, Label: label, EventType: string(ev)}); err != nil {
		slog.Warn("failed to append event", "instance", o.Instance, "label", label, "error", err)
	}
}
