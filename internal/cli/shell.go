package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/docker-env/internal/client"
	"github.com/treykane/docker-env/internal/util"
)

const shellPrompt = "docker-env> "

// commandKind tags one parsed shell command.
type commandKind int

const (
	cmdEmpty commandKind = iota
	cmdList
	cmdConnect
	cmdDisconnect
	cmdGet
	cmdForward
	cmdSSH
	cmdHelp
	cmdExit
)

type shellCommand struct {
	Kind       commandKind
	Name       string
	RemotePort int
	LocalPort  int
}

var shellUsage = map[commandKind]string{
	cmdList:       "ls",
	cmdConnect:    "connect <name>",
	cmdDisconnect: "disconnect <name>",
	cmdGet:        "get <name>",
	cmdForward:    "forward <name> <remote-port> [local-port]",
	cmdSSH:        "ssh <name>",
	cmdHelp:       "help",
	cmdExit:       "exit",
}

var shellKinds = map[string]commandKind{
	"ls":         cmdList,
	"list":       cmdList,
	"connect":    cmdConnect,
	"disconnect": cmdDisconnect,
	"get":        cmdGet,
	"forward":    cmdForward,
	"ssh":        cmdSSH,
	"help":       cmdHelp,
	"?":          cmdHelp,
	"exit":       cmdExit,
	"quit":       cmdExit,
}

func parseCommand(line string) (shellCommand, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return shellCommand{Kind: cmdEmpty}, nil
	}
	kind, ok := shellKinds[fields[0]]
	if !ok {
		return shellCommand{}, fmt.Errorf("unknown command %q, type help for a list", fields[0])
	}
	args := fields[1:]
	cmd := shellCommand{Kind: kind}
	usage := func() error { return fmt.Errorf("usage: %s", shellUsage[kind]) }

	switch kind {
	case cmdList, cmdHelp, cmdExit:
		if len(args) != 0 {
			return shellCommand{}, usage()
		}
	case cmdConnect, cmdDisconnect, cmdGet, cmdSSH:
		if len(args) != 1 {
			return shellCommand{}, usage()
		}
		cmd.Name = args[0]
	case cmdForward:
		if len(args) < 2 || len(args) > 3 {
			return shellCommand{}, usage()
		}
		cmd.Name = args[0]
		p, err := util.ParsePort(args[1])
		if err != nil {
			return shellCommand{}, err
		}
		cmd.RemotePort = p
		if len(args) == 3 {
			if cmd.LocalPort, err = util.ParsePort(args[2]); err != nil {
				return shellCommand{}, err
			}
		}
	}
	return cmd, nil
}

// shell is an interactive session holding connections open between commands.
type shell struct {
	client *client.Client
	out    io.Writer
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Commands:")
	for k := cmdList; k <= cmdExit; k++ {
		fmt.Fprintf(s.out, "  %s\n", shellUsage[k])
	}
}

// exec runs one command and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, cmd shellCommand) (bool, error) {
	switch cmd.Kind {
	case cmdEmpty:
	case cmdList:
		entries, err := s.client.List(ctx)
		if err != nil {
			return false, err
		}
		writeList(s.out, sortRecent(entries))
	case cmdConnect:
		if err := s.client.Connect(ctx, cmd.Name); err != nil {
			return false, err
		}
		touch(cmd.Name)
	case cmdDisconnect:
		s.client.Disconnect(cmd.Name, false)
	case cmdGet:
		view, err := s.client.Get(ctx, cmd.Name)
		if err != nil {
			return false, err
		}
		writeInstance(s.out, view)
	case cmdForward:
		port, err := s.client.Forward(ctx, cmd.Name, fmt.Sprintf("port %d", cmd.RemotePort), cmd.RemotePort, cmd.LocalPort)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Forwarding %s port %d on localhost:%d\n", cmd.Name, cmd.RemotePort, port)
	case cmdSSH:
		touch(cmd.Name)
		return false, s.client.SSH(ctx, cmd.Name)
	case cmdHelp:
		s.help()
	case cmdExit:
		return true, nil
	}
	return false, nil
}

// run reads commands from in until exit, end of input or ctx is done. A line
// is only read after the previous command finished, so an ssh session owns
// the terminal while it runs.
func (s *shell) run(ctx context.Context, in io.Reader) error {
	next := make(chan struct{})
	defer close(next)
	lines := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for range next {
			if !sc.Scan() {
				readErr <- sc.Err()
				return
			}
			lines <- sc.Text()
		}
	}()

	for {
		fmt.Fprint(s.out, shellPrompt)
		next <- struct{}{}
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.out)
				return <-readErr
			}
			line = l
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(s.out, err)
			continue
		}
		exit, err := s.exec(ctx, cmd)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				fmt.Fprintf(s.out, "Instance %s does not exist\n", cmd.Name)
			} else {
				fmt.Fprintln(s.out, err)
			}
		}
		if exit {
			return nil
		}
	}
}

func newShellCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive prompt that keeps connections open between commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.requireSSH(); err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			c, err := o.newClient(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Shutdown()
			fmt.Fprintf(cmd.OutOrStdout(), "docker-env client for %s, type help for commands\n", c.User())
			sh := &shell{client: c, out: cmd.OutOrStdout()}
			return sh.run(ctx, cmd.InOrStdin())
		},
	}
}
