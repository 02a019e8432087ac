// Package appconfig manages application configuration and file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/docker-env/internal/util"
)

const appDir = "docker-env"

// Transport selects how forwards are carried.
type Transport string

const (
	// TransportExec runs the system ssh binary per forward.
	TransportExec Transport = "exec"
	// TransportNative dials ssh in-process with golang.org/x/crypto/ssh.
	TransportNative Transport = "native"
)

// APIConfig locates the directory service.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Tunnel forwards the API through ssh to Host before use; Port is then
	// the local end and RemotePort the service port on Host.
	Tunnel     bool `yaml:"tunnel"`
	RemotePort int  `yaml:"remote_port"`
}

// SSHConfig controls the forwarding transport and ssh config entries.
type SSHConfig struct {
	Dir          string    `yaml:"dir"`
	Transport    Transport `yaml:"transport"`
	IdentityFile string    `yaml:"identity_file"`
	KnownHosts   string    `yaml:"known_hosts"`
}

// Config holds application-level configuration.
type Config struct {
	API                  APIConfig `yaml:"api"`
	SSH                  SSHConfig `yaml:"ssh"`
	CheckIntervalSeconds int       `yaml:"check_interval_seconds"`
	ScratchDir           string    `yaml:"scratch_dir"`
	User                 string    `yaml:"user"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			Host:       "localhost",
			Port:       3001,
			RemotePort: 3001,
		},
		SSH: SSHConfig{
			Dir:       "~/.ssh",
			Transport: TransportExec,
		},
		CheckIntervalSeconds: util.DefaultCheckIntervalSeconds,
	}
}

// CheckInterval returns the poll interval.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// SSHDir returns the ssh directory with ~ expanded.
func (c Config) SSHDir() string {
	return expandHome(c.SSH.Dir)
}

// EffectiveUser returns the configured user, or $USER.
func (c Config) EffectiveUser() string {
	return util.DefaultString(c.User, os.Getenv("USER"))
}

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/docker-env.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDir), nil
}

// EventsFilePath returns the full path to events.jsonl.
func EventsFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "events.jsonl"), nil
}

// Load reads config.yaml from the config directory, applies the HOST and
// PORT environment overrides and normalizes invalid values. If the file
// doesn't exist, it is created with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if host := strings.TrimSpace(os.Getenv("HOST")); host != "" {
		cfg.API.Host = host
	}
	if p, err := strconv.Atoi(strings.TrimSpace(os.Getenv("PORT"))); err == nil {
		cfg.API.Port = p
	}
}

func normalize(cfg *Config) {
	def := Default()
	cfg.API.Host = util.DefaultString(cfg.API.Host, def.API.Host)
	if util.ValidatePort(cfg.API.Port) != nil {
		cfg.API.Port = def.API.Port
	}
	if util.ValidatePort(cfg.API.RemotePort) != nil {
		cfg.API.RemotePort = def.API.RemotePort
	}
	cfg.SSH.Dir = util.DefaultString(cfg.SSH.Dir, def.SSH.Dir)
	switch cfg.SSH.Transport {
	case TransportExec, TransportNative:
	default:
		cfg.SSH.Transport = TransportExec
	}
	if cfg.CheckIntervalSeconds <= 0 {
		cfg.CheckIntervalSeconds = def.CheckIntervalSeconds
	}
	cfg.ScratchDir = expandHome(strings.TrimSpace(cfg.ScratchDir))
	cfg.SSH.IdentityFile = expandHome(cfg.SSH.IdentityFile)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o755); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
