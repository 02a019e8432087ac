// Package sshconfig maintains per-instance ssh client config entries so that
// "ssh <name>" reaches a connected instance through its control tunnel.
//
// Each instance gets its own file under <ssh dir>/docker-env, and the user's
// ssh config is made to include that directory with an "Include docker-env/*"
// line at the very top. OpenSSH uses the first value it sees for a directive,
// so entries included first take precedence over anything the user wrote.
package sshconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/util"
)

// IncludeLine is prepended to the user's ssh config.
const IncludeLine = "Include " + util.ScratchSubdir + "/*"

// Stanza is the ssh config entry for one connected instance.
type Stanza struct {
	Name string
	Port int
	User string
}

// Format renders the Host block.
func (s Stanza) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", s.Name)
	b.WriteString("  HostName localhost\n")
	fmt.Fprintf(&b, "  Port %d\n", s.Port)
	b.WriteString("  ForwardAgent yes\n")
	if s.User != "" {
		fmt.Fprintf(&b, "  User %s\n", s.User)
	}
	return b.String()
}

// Writer writes and removes stanzas under SSHDir.
type Writer struct {
	// SSHDir is the ssh client directory, normally ~/.ssh.
	SSHDir  string
	Printer printer.Printer
}

// NewWriter returns a writer for sshDir, or ~/.ssh when sshDir is empty.
func NewWriter(sshDir string, p printer.Printer) (*Writer, error) {
	if sshDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		sshDir = filepath.Join(home, ".ssh")
	}
	if p == nil {
		p = printer.Discard
	}
	return &Writer{SSHDir: sshDir, Printer: p}, nil
}

// EntryDir returns the directory holding the per-instance files.
func (w *Writer) EntryDir() string {
	return filepath.Join(w.SSHDir, util.ScratchSubdir)
}

// EntryPath returns the file for the named instance.
func (w *Writer) EntryPath(name string) string {
	return filepath.Join(w.EntryDir(), name)
}

// ConfigPath returns the user's ssh config file.
func (w *Writer) ConfigPath() string {
	return filepath.Join(w.SSHDir, "config")
}

// Ensure writes the stanza for s and makes sure the user's config includes it.
func (w *Writer) Ensure(s Stanza) error {
	if err := ValidateName(s.Name); err != nil {
		return err
	}
	if err := util.ValidatePort(s.Port); err != nil {
		return fmt.Errorf("ssh config entry %s: %w", s.Name, err)
	}
	if err := os.MkdirAll(w.EntryDir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", w.EntryDir(), err)
	}

	path := w.EntryPath(s.Name)
	_, statErr := os.Stat(path)
	existed := statErr == nil

	if err := os.WriteFile(path, []byte(s.Format()), 0o600); err != nil {
		return fmt.Errorf("write ssh config entry: %w", err)
	}
	if err := w.EnsureInclude(); err != nil {
		return err
	}
	if !existed {
		w.Printer.Print(fmt.Sprintf("Created ssh config entry %s, use \"ssh %s\" to access instance", s.Name, s.Name))
	}
	return nil
}

// Remove deletes the stanza for name. A missing entry is not an error.
func (w *Writer) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	err := os.Remove(w.EntryPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove ssh config entry: %w", err)
	}
	w.Printer.Print(fmt.Sprintf("Removed SSH config entry for %s", name))
	return nil
}

// HasInclude reports whether the user's ssh config already has IncludeLine.
func (w *Writer) HasInclude() (bool, error) {
	existing, err := os.ReadFile(w.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read ssh config: %w", err)
	}
	return strings.Contains(string(existing), IncludeLine), nil
}

// EnsureInclude prepends IncludeLine to the user's ssh config, creating the
// file if needed. A config that already has the line is left untouched.
func (w *Writer) EnsureInclude() error {
	ok, err := w.HasInclude()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	existing, err := os.ReadFile(w.ConfigPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read ssh config: %w", err)
	}
	if err := os.MkdirAll(w.SSHDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", w.SSHDir, err)
	}
	content := IncludeLine + "\n" + string(existing)
	if err := os.WriteFile(w.ConfigPath(), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write ssh config: %w", err)
	}
	return nil
}

// ValidateName rejects names that cannot be used as a Host alias or a file
// name.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("instance name cannot be empty")
	}
	if strings.ContainsAny(name, " \t*?!/\\") || name == "." || name == ".." {
		return fmt.Errorf("instance name %q cannot contain spaces, slashes or wildcard characters", name)
	}
	return nil
}
