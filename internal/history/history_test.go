package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestTouchAndForget(t *testing.T) {
	s := NewStoreAt(filepath.Join(t.TempDir(), "history.json"))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := s.Touch("box"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if got := s.LastConnected(); got["box"] != 1700000000 {
		t.Fatalf("expected timestamp for box, got %+v", got)
	}

	reopened := NewStoreAt(s.path)
	if got := reopened.LastConnected(); got["box"] != 1700000000 {
		t.Fatalf("expected persisted timestamp, got %+v", got)
	}

	if err := s.Forget("box"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := s.LastConnected()["box"]; ok {
		t.Fatal("expected box forgotten")
	}
	if err := s.Forget("never"); err != nil {
		t.Fatalf("forgetting an unknown name: %v", err)
	}
}

func TestCorruptHistoryIsIgnored(t *testing.T) {
	s := NewStoreAt(filepath.Join(t.TempDir(), "history.json"))
	if err := os.WriteFile(s.path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := s.LastConnected(); len(got) != 0 {
		t.Fatalf("expected empty history, got %+v", got)
	}
	if err := s.Touch("box"); err != nil {
		t.Fatalf("touch should rewrite corrupt file: %v", err)
	}
	if got := s.LastConnected(); got["box"] == 0 {
		t.Fatalf("expected box after rewrite, got %+v", got)
	}
}

func TestNewStoreUsesConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	s, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "docker-env", "history.json"); s.path != want {
		t.Fatalf("expected %s, got %s", want, s.path)
	}
}

func TestSortRecent(t *testing.T) {
	names := []string{"db", "box", "cache", "api"}
	now := time.Now().Unix()
	sorted := SortRecent(names, func(s string) string { return s }, map[string]int64{
		"box": now,
		"db":  now - 60,
	})
	want := []string{"box", "db", "api", "cache"}
	for i := range want {
		if sorted[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, sorted)
		}
	}
	if names[0] != "db" {
		t.Fatal("input must not be reordered")
	}
}
