package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the transport settings and the permissions of the
// files the client writes: ssh config entries, port records and its own
// config directory.
func RunLocalAudit(cfg appconfig.Config) AuditReport {
	var findings []Finding
	if cfg.SSH.Transport == appconfig.TransportNative && cfg.SSH.KnownHosts == "" {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        "native transport does not verify host keys",
			Recommendation: "set ssh.known_hosts to your known_hosts file",
		})
	}
	if cfg.API.Host != "localhost" && cfg.API.Host != "127.0.0.1" && !cfg.API.Tunnel {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("directory API on %s is reached without a tunnel", cfg.API.Host),
			Recommendation: "set api.tunnel to true to carry API traffic over ssh",
		})
	}

	sshDir := cfg.SSHDir()
	checkPathPerm(&findings, sshDir, 0o700, false)
	checkPathPerm(&findings, filepath.Join(sshDir, "config"), 0o600, true)
	checkPathPerm(&findings, filepath.Join(sshDir, util.ScratchSubdir), 0o700, false)
	if cfg.SSH.IdentityFile != "" {
		checkPathPerm(&findings, cfg.SSH.IdentityFile, 0o600, true)
	}

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o644, true)
		checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true)
	}
	scratch := util.DefaultString(cfg.ScratchDir, os.TempDir())
	checkPathPerm(&findings, filepath.Join(scratch, util.ScratchSubdir), 0o700, false)

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return SeverityRank(findings[i].Severity) > SeverityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}
}

// SeverityRank orders severities from low (1) to high (3).
func SeverityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
