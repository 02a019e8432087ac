package sshconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/docker-env/internal/model"
	"github.com/treykane/docker-env/internal/printer"
)

func newTestWriter(t *testing.T) (*Writer, *printer.Buffer) {
	t.Helper()
	var out printer.Buffer
	w, err := NewWriter(filepath.Join(t.TempDir(), ".ssh"), &out)
	if err != nil {
		t.Fatal(err)
	}
	return w, &out
}

func TestStanzaFormat(t *testing.T) {
	got := Stanza{Name: "box", Port: 2222, User: "dev"}.Format()
	want := "Host box\n  HostName localhost\n  Port 2222\n  ForwardAgent yes\n  User dev\n"
	if got != want {
		t.Fatalf("stanza mismatch\nwant=%q\n got=%q", want, got)
	}
}

func TestEnsureWritesEntryAndInclude(t *testing.T) {
	w, out := newTestWriter(t)
	if err := os.MkdirAll(w.SSHDir, 0o700); err != nil {
		t.Fatal(err)
	}
	initial := "Host existing\n  HostName existing.example.com\n"
	if err := os.WriteFile(w.ConfigPath(), []byte(initial), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := w.Ensure(Stanza{Name: "box", Port: 2222, User: "dev"}); err != nil {
		t.Fatal(err)
	}
	entry, err := os.ReadFile(w.EntryPath("box"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(entry), "Port 2222") {
		t.Fatalf("unexpected entry %q", entry)
	}
	cfg, err := os.ReadFile(w.ConfigPath())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(cfg), IncludeLine+"\n") {
		t.Fatalf("expected include on the first line, got %q", cfg)
	}
	if !strings.Contains(string(cfg), "Host existing") {
		t.Fatal("original content was lost")
	}
	if !strings.Contains(out.String(), `Created ssh config entry box, use "ssh box" to access instance`) {
		t.Fatalf("unexpected output %q", out.String())
	}

	// A second write updates in place: one include line, no second notice.
	if err := w.Ensure(Stanza{Name: "box", Port: 2223, User: "dev"}); err != nil {
		t.Fatal(err)
	}
	cfg, _ = os.ReadFile(w.ConfigPath())
	if strings.Count(string(cfg), IncludeLine) != 1 {
		t.Fatalf("include duplicated: %q", cfg)
	}
	if len(out.Lines()) != 1 {
		t.Fatalf("expected a single notice, got %v", out.Lines())
	}
}

func TestEnsureCreatesMissingConfig(t *testing.T) {
	w, _ := newTestWriter(t)
	if ok, err := w.HasInclude(); err != nil || ok {
		t.Fatalf("expected no include, got %v %v", ok, err)
	}
	if err := w.Ensure(Stanza{Name: "box", Port: 2222}); err != nil {
		t.Fatal(err)
	}
	if ok, err := w.HasInclude(); err != nil || !ok {
		t.Fatalf("expected include, got %v %v", ok, err)
	}
}

func TestRemove(t *testing.T) {
	w, out := newTestWriter(t)
	if err := w.Remove("box"); err != nil {
		t.Fatalf("removing a missing entry must succeed: %v", err)
	}
	if len(out.Lines()) != 0 {
		t.Fatal("no notice expected for a missing entry")
	}
	if err := w.Ensure(Stanza{Name: "box", Port: 2222}); err != nil {
		t.Fatal(err)
	}
	if err := w.Remove("box"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.EntryPath("box")); !os.IsNotExist(err) {
		t.Fatal("expected entry to be removed")
	}
	if !strings.Contains(out.String(), "Removed SSH config entry for box") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"", "a b", "a*", "../x", "a/b", ".."} {
		if ValidateName(name) == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
	if err := ValidateName("my-box"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestObserverFollowsControlTunnel(t *testing.T) {
	w, _ := newTestWriter(t)
	port := 2222
	o := &Observer{Writer: w, Name: "box", User: "dev", Port: func() int { return port }}

	o.TunnelEvent("SSH", model.EventConnected)
	if _, err := os.Stat(w.EntryPath("box")); err != nil {
		t.Fatalf("expected entry after connect: %v", err)
	}
	o.TunnelEvent("SSH", model.EventDisconnected)
	if _, err := os.Stat(w.EntryPath("box")); !os.IsNotExist(err) {
		t.Fatal("expected entry removed after disconnect")
	}

	// An invalid port is logged, not fatal.
	port = 0
	o.TunnelEvent("SSH", model.EventConnected)
}

func TestParseFollowsIncludeFirst(t *testing.T) {
	w, _ := newTestWriter(t)
	if err := os.MkdirAll(w.SSHDir, 0o700); err != nil {
		t.Fatal(err)
	}
	user := "Host box\n  HostName box.example.com\n  Port 22\n\nHost *\n  User fallback\n"
	if err := os.WriteFile(w.ConfigPath(), []byte(user), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := w.Ensure(Stanza{Name: "box", Port: 2222, User: "dev"}); err != nil {
		t.Fatal(err)
	}

	res, err := w.Parse()
	if err != nil {
		t.Fatal(err)
	}
	h, ok := res.Find("box")
	if !ok {
		t.Fatalf("expected box in %+v", res.Hosts)
	}
	if h.HostName != "localhost" || h.Port != 2222 || h.User != "dev" || !h.ForwardAgent {
		t.Fatalf("expected included entry to win, got %+v", h)
	}
	if filepath.Dir(h.Source) != w.EntryDir() {
		t.Fatalf("expected source under %s, got %s", w.EntryDir(), h.Source)
	}
}

func TestParseFileWildcardsAndMalformed(t *testing.T) {
	d := t.TempDir()
	cfg := `
Host app-*
  User wildcard
BadLine
Host app-1 # comment
  HostName=10.0.0.10
`
	path := filepath.Join(d, "config")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := ParseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Hosts) != 1 {
		t.Fatalf("expected 1 concrete host, got %+v", res.Hosts)
	}
	h := res.Hosts[0]
	if h.Alias != "app-1" || h.User != "wildcard" || h.HostName != "10.0.0.10" || h.Port != 22 {
		t.Fatalf("unexpected host parse: %+v", h)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected warning for malformed line")
	}
}
