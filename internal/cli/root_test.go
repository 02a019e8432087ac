package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/treykane/docker-env/internal/bundle"
	"github.com/treykane/docker-env/internal/events"
	"github.com/treykane/docker-env/internal/history"
	"github.com/treykane/docker-env/internal/model"
	"github.com/treykane/docker-env/internal/portstore"
	"github.com/treykane/docker-env/internal/sshclient"
)

type listenHandle struct {
	once sync.Once
	ln   net.Listener
	dead chan struct{}
}

func (h *listenHandle) Alive() bool {
	select {
	case <-h.dead:
		return false
	default:
		return true
	}
}

func (h *listenHandle) Kill() bool {
	killed := false
	h.once.Do(func() {
		_ = h.ln.Close()
		close(h.dead)
		killed = true
	})
	return killed
}

type listenForwarder struct {
	mu    sync.Mutex
	ports []int
}

func (f *listenForwarder) Forward(_ context.Context, _ sshclient.Target, remotePort, localPort int) (sshclient.Handle, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(localPort)))
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.ports = append(f.ports, remotePort)
	f.mu.Unlock()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	return &listenHandle{ln: ln, dead: make(chan struct{})}, nil
}

func (f *listenForwarder) remotePorts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ports...)
}

type env struct {
	home    string
	sshPort int
	fwd     *listenForwarder
	api     *httptest.Server
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	e := &env{home: t.TempDir(), fwd: &listenForwarder{}}
	t.Setenv("HOME", e.home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TMPDIR", t.TempDir())
	t.Setenv("USER", "dev")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")

	var err error
	if e.sshPort, err = portstore.FreePort(); err != nil {
		t.Fatal(err)
	}
	box := model.Instance{
		Name:    "box",
		User:    "dev",
		Status:  "running",
		SSHPort: e.sshPort,
		Ports:   []model.PortInfo{{Label: "web", RemotePort: 8080, Message: "Browse to http://localhost:LOCAL_PORT"}},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/spaces/dev/box", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(box)
	})
	mux.HandleFunc("/spaces/dev", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]model.Instance{{Name: "box", User: "dev", Status: "running", SSHPort: e.sshPort}})
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	e.api = httptest.NewServer(mux)
	t.Cleanup(e.api.Close)
	return e
}

func (e *env) run(t *testing.T, d deps, stdin string, args ...string) (string, error) {
	t.Helper()
	if d.Forwarder == nil {
		d.Forwarder = e.fwd
	}
	if d.Wait == nil {
		d.Wait = func(context.Context) {}
	}
	u, err := url.Parse(e.api.URL)
	if err != nil {
		t.Fatal(err)
	}
	cmd := newRootCommand(d)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--host", u.Hostname(), "--port", u.Port()}, args...))
	err = cmd.Execute()
	if errOut.Len() > 0 {
		t.Logf("stderr:\n%s", errOut.String())
	}
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	e := setupEnv(t)
	out, err := e.run(t, deps{}, "", "ls")
	if err != nil {
		t.Fatalf("list: %v\n%s", err, out)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "NAME") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if !strings.Contains(lines[1], "box") || !strings.Contains(lines[1], "web:8080") {
		t.Fatalf("expected enriched box row, got %q", lines[1])
	}
}

func TestListRecentJSON(t *testing.T) {
	e := setupEnv(t)
	hs, err := history.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	if err := hs.Touch("box"); err != nil {
		t.Fatal(err)
	}
	out, err := e.run(t, deps{}, "", "list", "--recent", "--json")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, out)
	}
	if len(payload) != 1 || payload[0]["connected"] != false {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestGetUnknownInstance(t *testing.T) {
	e := setupEnv(t)
	_, err := e.run(t, deps{}, "", "get", "ghost")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestConnectWritesSSHEntryAndCleansUp(t *testing.T) {
	e := setupEnv(t)
	entry := filepath.Join(e.home, ".ssh", "docker-env", "box")
	var sawEntry bool
	d := deps{Wait: func(context.Context) {
		_, err := os.Stat(entry)
		sawEntry = err == nil
	}}

	out, err := e.run(t, d, "", "connect", "box")
	if err != nil {
		t.Fatalf("connect: %v\n%s", err, out)
	}
	if !sawEntry {
		t.Fatal("expected ssh config entry while connected")
	}
	if _, err := os.Stat(entry); !os.IsNotExist(err) {
		t.Fatal("expected ssh config entry removed after shutdown")
	}
	if !strings.Contains(out, "Successfully connected to box") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if got := e.fwd.remotePorts(); len(got) != 2 || got[0] != e.sshPort || got[1] != 8080 {
		t.Fatalf("unexpected forwards %v", got)
	}

	hs, err := history.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	if last := hs.LastConnected(); last["box"] == 0 {
		t.Fatalf("expected history entry, got %v", last)
	}
	store, err := events.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	got, err := store.Read(events.Query{Instance: "box", EventType: events.TypeConnectSucceeded})
	if err != nil || len(got) != 1 {
		t.Fatalf("expected connect_succeeded event, got %+v %v", got, err)
	}
}

func TestForwardCommand(t *testing.T) {
	e := setupEnv(t)
	local, err := portstore.FreePort()
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.run(t, deps{}, "", "forward", "box", "9229", strconv.Itoa(local), "--label", "debug")
	if err != nil {
		t.Fatalf("forward: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Forwarding box port 9229 on localhost:"+strconv.Itoa(local)) {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if _, err := e.run(t, deps{}, "", "forward", "box", "nope"); err == nil {
		t.Fatal("expected invalid port error")
	}
}

func TestSSHCommandRunsSession(t *testing.T) {
	e := setupEnv(t)
	var got sshclient.Target
	d := deps{Session: func(_ context.Context, target sshclient.Target) error {
		got = target
		return nil
	}}
	if out, err := e.run(t, d, "", "ssh", "box"); err != nil {
		t.Fatalf("ssh: %v\n%s", err, out)
	}
	if got.Port != e.sshPort || got.User != "dev" {
		t.Fatalf("unexpected session target %+v", got)
	}
}

func TestShellSession(t *testing.T) {
	e := setupEnv(t)
	script := strings.Join([]string{
		"help",
		"bogus",
		"connect box",
		"get box",
		"get ghost",
		"disconnect box",
		"disconnect box",
		"exit",
		"ls",
	}, "\n")
	out, err := e.run(t, deps{}, script, "shell")
	if err != nil {
		t.Fatalf("shell: %v\n%s", err, out)
	}
	for _, want := range []string{
		"forward <name> <remote-port> [local-port]",
		`unknown command "bogus"`,
		"Successfully connected to box",
		"Browse to http://localhost:",
		"Instance ghost does not exist",
		"Disconnected from box",
		"No connection exists for box",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Count(out, "NAME") != 0 {
		t.Fatal("commands after exit must not run")
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand("forward box 9229 19229")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != (shellCommand{Kind: cmdForward, Name: "box", RemotePort: 9229, LocalPort: 19229}) {
		t.Fatalf("unexpected command %+v", cmd)
	}
	if cmd, _ := parseCommand("   "); cmd.Kind != cmdEmpty {
		t.Fatalf("expected empty command, got %+v", cmd)
	}
	for _, bad := range []string{"connect", "ls extra", "forward box", "forward box x", "nope"} {
		if _, err := parseCommand(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestBundleLifecycle(t *testing.T) {
	e := setupEnv(t)
	if _, err := e.run(t, deps{}, "", "bundle", "create", "daily", "box", "box:9229"); err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	out, err := e.run(t, deps{}, "", "bundle", "list")
	if err != nil || !strings.Contains(out, "daily") || !strings.Contains(out, "box:9229") {
		t.Fatalf("list bundle: %v\n%s", err, out)
	}

	out, err = e.run(t, deps{}, "", "bundle", "run", "daily")
	if err != nil {
		t.Fatalf("run bundle: %v\n%s", err, out)
	}
	if !strings.Contains(out, "bundle daily summary: 2 ok, 0 failed") {
		t.Fatalf("unexpected summary:\n%s", out)
	}

	if _, err := e.run(t, deps{}, "", "bundle", "delete", "daily"); err != nil {
		t.Fatalf("delete bundle: %v", err)
	}
	store, err := bundle.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	if all, _ := store.List(); len(all) != 0 {
		t.Fatalf("expected no bundles, got %+v", all)
	}
}

func TestBundleRunReportsFailures(t *testing.T) {
	e := setupEnv(t)
	store, err := bundle.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save("mixed", []bundle.Entry{{Instance: "box"}, {Instance: "ghost"}}); err != nil {
		t.Fatal(err)
	}
	out, err := e.run(t, deps{}, "", "bundle", "run", "mixed")
	if err != nil {
		t.Fatalf("run bundle: %v", err)
	}
	if !strings.Contains(out, "bundle mixed summary: 1 ok, 1 failed") || !strings.Contains(out, "ghost") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	e := setupEnv(t)
	out, err := e.run(t, deps{}, "", "doctor", "--json")
	if err != nil {
		t.Fatalf("doctor json: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v\n%s", err, out)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
	if strings.Contains(out, "api-health") {
		t.Fatalf("healthy api must not be reported: %s", out)
	}
}

func TestEventsJSONOutput(t *testing.T) {
	e := setupEnv(t)
	store, err := events.NewStore()
	if err != nil {
		t.Fatal(err)
	}
	for _, evt := range []events.Event{
		{Instance: "box", Label: "web", EventType: string(model.EventConnected)},
		{Instance: "other", Label: "SSH", EventType: string(model.EventConnected)},
		{Instance: "box", Label: "web", EventType: string(model.EventDisconnected)},
	} {
		if err := store.Append(evt); err != nil {
			t.Fatal(err)
		}
	}

	out, err := e.run(t, deps{}, "", "events", "--instance", "box", "--limit", "1", "--json")
	if err != nil {
		t.Fatalf("events json: %v", err)
	}
	var payload []map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid events json: %v\n%s", err, out)
	}
	if len(payload) != 1 || payload[0]["event_type"] != "disconnected" {
		t.Fatalf("unexpected events %+v", payload)
	}
}

func TestExecutePrintsUserMessage(t *testing.T) {
	setupEnv(t)
	cmd := newRootCommand(deps{Forwarder: &listenForwarder{}})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"get"})
	if code := Execute(cmd); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.HasPrefix(out.String(), "Error:") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
