// Package doctor runs local diagnostics for the docker-env client.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/security"
	"github.com/treykane/docker-env/internal/sshclient"
	"github.com/treykane/docker-env/internal/sshconfig"
	"github.com/treykane/docker-env/internal/util"
)

type Severity = security.Severity

const (
	SeverityLow    = security.SeverityLow
	SeverityMedium = security.SeverityMedium
	SeverityHigh   = security.SeverityHigh
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Options carries what the checks inspect.
type Options struct {
	Config appconfig.Config
	Writer *sshconfig.Writer
	// Health probes the directory service. Nil skips the check.
	Health func(ctx context.Context) error
	// LookPath checks for the ssh binary. Nil means sshclient.EnsureSSHBinary.
	LookPath func() error
}

// Run executes local diagnostics. Issues are sorted by descending severity.
func Run(ctx context.Context, opts Options) Report {
	var issues []Issue
	cfg := opts.Config

	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = sshclient.EnsureSSHBinary
	}
	if err := lookPath(); err != nil {
		sev := SeverityHigh
		if cfg.SSH.Transport == appconfig.TransportNative {
			sev = SeverityLow
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install the OpenSSH client and ensure `ssh` is on PATH",
		})
	}

	scratch := filepath.Join(util.DefaultString(cfg.ScratchDir, os.TempDir()), util.ScratchSubdir)
	if err := checkWritable(scratch); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "scratch-dir",
			Target:         scratch,
			Message:        err.Error(),
			Recommendation: "fix permissions or set scratch_dir; local ports will not be remembered between runs",
		})
	}

	if opts.Health != nil {
		if err := opts.Health(ctx); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "api-health",
				Target:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
				Message:        err.Error(),
				Recommendation: "check api.host/api.port or enable api.tunnel",
			})
		}
	}

	if opts.Writer != nil {
		issues = append(issues, sshConfigIssues(opts.Writer)...)
	}

	for _, f := range security.RunLocalAudit(cfg).Findings {
		issues = append(issues, Issue{
			Severity:       f.Severity,
			Check:          "security-audit",
			Target:         f.Target,
			Message:        f.Message,
			Recommendation: f.Recommendation,
		})
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := security.SeverityRank(issues[i].Severity)
		rj := security.SeverityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}
}

func sshConfigIssues(w *sshconfig.Writer) []Issue {
	var issues []Issue
	ok, err := w.HasInclude()
	switch {
	case err != nil:
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "ssh-include",
			Target:         w.ConfigPath(),
			Message:        err.Error(),
			Recommendation: "make the ssh config readable",
		})
	case !ok:
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "ssh-include",
			Target:         w.ConfigPath(),
			Message:        fmt.Sprintf("missing %q", sshconfig.IncludeLine),
			Recommendation: "connect once or add the line at the top of your ssh config so `ssh <name>` works",
		})
	}

	res, err := w.Parse()
	if err != nil {
		return issues
	}
	for _, msg := range res.Warnings {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "config-warning",
			Target:         w.ConfigPath(),
			Message:        msg,
			Recommendation: "fix malformed or unsupported ssh config directives",
		})
	}

	entries, _ := filepath.Glob(filepath.Join(w.EntryDir(), "*"))
	for _, path := range entries {
		name := filepath.Base(path)
		h, found := res.Find(name)
		switch {
		case found && filepath.Dir(h.Source) != w.EntryDir():
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "ssh-shadowed",
				Target:         name,
				Message:        fmt.Sprintf("Host %s is declared in %s before the docker-env entry", name, h.Source),
				Recommendation: fmt.Sprintf("move %q to the first line of your ssh config", sshconfig.IncludeLine),
			})
		case found && !util.PortOpen("", h.Port, util.ProbeTimeout):
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "ssh-stale-entry",
				Target:         name,
				Message:        fmt.Sprintf("entry points at localhost:%d but nothing is listening", h.Port),
				Recommendation: fmt.Sprintf("run `docker-env connect %s` or delete %s", name, path),
			})
		}
	}
	return issues
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
