// Package cli provides the command-line interface for docker-env.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/docker-env/internal/appconfig"
	"github.com/treykane/docker-env/internal/client"
	"github.com/treykane/docker-env/internal/directory"
	"github.com/treykane/docker-env/internal/events"
	"github.com/treykane/docker-env/internal/logging"
	"github.com/treykane/docker-env/internal/portstore"
	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/security"
	"github.com/treykane/docker-env/internal/sshclient"
	"github.com/treykane/docker-env/internal/sshconfig"
)

// deps are the collaborators that reach outside the process. Nil fields are
// built from the loaded configuration.
type deps struct {
	Forwarder  sshclient.Forwarder
	Discoverer sshclient.Discoverer
	Session    client.SessionFunc
	// Directory overrides the HTTP directory client.
	Directory client.Directory
	// Wait blocks a long-running command until it should shut down.
	Wait func(ctx context.Context)
}

type rootOptions struct {
	host  string
	port  int
	user  string
	debug bool

	// keepForwards is set by commands whose forwards outlive the
	// directory's advertisement.
	keepForwards bool

	deps deps
	cfg  appconfig.Config
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(deps{})
}

func newRootCommand(d deps) *cobra.Command {
	o := &rootOptions{deps: d}
	root := &cobra.Command{
		Use:           "docker-env",
		Short:         "Keep port forwards to remote docker-env instances alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if o.debug {
				level = slog.LevelDebug
			}
			logging.Setup(level, cmd.ErrOrStderr())
			return o.loadConfig(cmd)
		},
	}
	root.PersistentFlags().StringVar(&o.host, "host", "", "directory API host (overrides config and $HOST)")
	root.PersistentFlags().IntVar(&o.port, "port", 0, "directory API port (overrides config and $PORT)")
	root.PersistentFlags().StringVar(&o.user, "user", "", "acting user (defaults to config user or $USER)")
	root.PersistentFlags().BoolVar(&o.debug, "debug", false, "enable debug logging")

	root.AddCommand(newListCmd(o))
	root.AddCommand(newGetCmd(o))
	root.AddCommand(newConnectCmd(o))
	root.AddCommand(newForwardCmd(o))
	root.AddCommand(newSSHCmd(o))
	root.AddCommand(newShellCmd(o))
	root.AddCommand(newBundleCmd(o))
	root.AddCommand(newDoctorCmd(o))
	root.AddCommand(newEventsCmd(o))
	return root
}

// Execute runs the command tree and prints a user-safe error. It returns the
// process exit code.
func Execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		slog.Debug("command failed", "error", security.DebugMessage(err))
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", security.UserMessage(err, true))
		return 1
	}
	return 0
}

func (o *rootOptions) loadConfig(cmd *cobra.Command) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return security.Wrap("unable to load configuration", err)
	}
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.API.Host = o.host
	}
	if flags.Changed("port") {
		cfg.API.Port = o.port
	}
	if flags.Changed("user") {
		cfg.User = o.user
	}
	o.cfg = cfg
	return nil
}

func (o *rootOptions) sshWriter(p printer.Printer) (*sshconfig.Writer, error) {
	return sshconfig.NewWriter(o.cfg.SSHDir(), p)
}

func (o *rootOptions) directory() (client.Directory, error) {
	if o.deps.Directory != nil {
		return o.deps.Directory, nil
	}
	host := o.cfg.API.Host
	if o.cfg.API.Tunnel {
		host = "localhost"
	}
	dc, err := directory.NewForAddr(host, o.cfg.API.Port)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (o *rootOptions) forwarder() (sshclient.Forwarder, sshclient.Discoverer, error) {
	if o.deps.Forwarder != nil {
		return o.deps.Forwarder, o.deps.Discoverer, nil
	}
	if o.cfg.SSH.Transport == appconfig.TransportNative {
		return &sshclient.NativeForwarder{
			IdentityFile:   o.cfg.SSH.IdentityFile,
			KnownHostsFile: o.cfg.SSH.KnownHosts,
			UseAgent:       true,
		}, nil, nil
	}
	sc := sshclient.New()
	return sc, sc, nil
}

// requireSSH fails early when the configured transport needs the ssh binary
// and it is missing.
func (o *rootOptions) requireSSH() error {
	if o.deps.Forwarder != nil || o.cfg.SSH.Transport == appconfig.TransportNative {
		return nil
	}
	return sshclient.EnsureSSHBinary()
}

func (o *rootOptions) session() client.SessionFunc {
	if o.deps.Session != nil {
		return o.deps.Session
	}
	return sshclient.New().RunInteractive
}

// newClient builds the top-level client and opens the API tunnel when it
// is configured. Callers own Shutdown.
func (o *rootOptions) newClient(ctx context.Context, out io.Writer) (*client.Client, error) {
	p := printer.NewTerminal(out)
	dir, err := o.directory()
	if err != nil {
		return nil, err
	}
	fwd, disc, err := o.forwarder()
	if err != nil {
		return nil, err
	}
	writer, err := o.sshWriter(p)
	if err != nil {
		return nil, err
	}
	journal, err := events.NewStore()
	if err != nil {
		slog.Warn("event journal disabled", "error", err)
	}

	c, err := client.New(client.Options{
		Config:       o.cfg,
		Directory:    dir,
		Forwarder:    fwd,
		Discoverer:   disc,
		Session:      o.session(),
		Store:        portstore.NewStore(o.cfg.ScratchDir),
		SSHConfig:    writer,
		Events:       journal,
		Printer:      p,
		KeepForwards: o.keepForwards,
	})
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		c.Shutdown()
		return nil, err
	}
	return c, nil
}

func (o *rootOptions) wait(ctx context.Context) {
	if o.deps.Wait != nil {
		o.deps.Wait(ctx)
		return
	}
	<-ctx.Done()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
