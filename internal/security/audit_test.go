package security

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/docker-env/internal/appconfig"
)

func TestRunLocalAudit_FindsUnverifiedHostKeys(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	cfg.SSH.Dir = t.TempDir()
	cfg.ScratchDir = t.TempDir()
	cfg.SSH.Transport = appconfig.TransportNative

	report := RunLocalAudit(cfg)
	if !report.HasHigh() {
		t.Fatalf("expected high severity finding, got %+v", report.Findings)
	}

	cfg.SSH.KnownHosts = "/etc/ssh/ssh_known_hosts"
	if RunLocalAudit(cfg).HasHigh() {
		t.Fatal("known_hosts should clear the finding")
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	sshDir := filepath.Join(t.TempDir(), ".ssh")
	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(sshDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(sshDir, "config")
	if err := os.WriteFile(cfgPath, []byte("Include docker-env/*\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(cfgPath, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := appconfig.Default()
	cfg.SSH.Dir = sshDir
	cfg.ScratchDir = t.TempDir()
	report := RunLocalAudit(cfg)

	targets := map[string]bool{}
	for _, f := range report.Findings {
		targets[f.Target] = true
	}
	if !targets[sshDir] || !targets[cfgPath] {
		t.Fatalf("expected permission findings for %s and %s, got %+v", sshDir, cfgPath, report.Findings)
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := home + "/.ssh/id_ed25519 permission denied"
	got := RedactMessage(msg)
	if got == msg || strings.Contains(got, home) {
		t.Fatalf("expected message to be redacted, got %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Wrap("unable to reach directory", fs.ErrPermission)
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatal("expected wrapped cause")
	}
	if UserMessage(err, false) != "unable to reach directory" {
		t.Fatalf("unexpected user message %q", UserMessage(err, false))
	}
	if DebugMessage(err) != fs.ErrPermission.Error() {
		t.Fatalf("unexpected debug message %q", DebugMessage(err))
	}
	if Wrap("x", nil) != nil {
		t.Fatal("wrapping nil must return nil")
	}
}
