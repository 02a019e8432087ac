package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/docker-env/internal/client"
	"github.com/treykane/docker-env/internal/history"
	"github.com/treykane/docker-env/internal/util"
)

func newListCmd(o *rootOptions) *cobra.Command {
	var recent, jsonOut bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List your instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Shutdown()
			entries, err := c.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list instances: %w", err)
			}
			if recent {
				entries = sortRecent(entries)
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			writeList(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "order by most recent connection")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newGetCmd(o *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show one instance and its advertised ports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.newClient(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Shutdown()
			view, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), view)
			}
			writeInstance(cmd.OutOrStdout(), view)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newConnectCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <name>...",
		Short: "Connect to instances and keep their ports forwarded until interrupted",
		Args:  cobra.MinimumNArgs(1),
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

			for _, name := range args {
				if err := c.Connect(ctx, name); err != nil {
					return err
				}
				touch(name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to disconnect.")
			o.wait(ctx)
			return nil
		},
	}
}

func newForwardCmd(o *rootOptions) *cobra.Command {
	var (
		label string
		keep  bool
	)
	cmd := &cobra.Command{
		Use:   "forward <name> <remote-port> [local-port]",
		Short: "Forward an extra remote port of an instance until interrupted",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := util.ParsePort(args[1])
			if err != nil {
				return fmt.Errorf("remote port: %w", err)
			}
			local := 0
			if len(args) == 3 {
				if local, err = util.ParsePort(args[2]); err != nil {
					return fmt.Errorf("local port: %w", err)
				}
			}
			if err := o.requireSSH(); err != nil {
				return err
			}

			o.keepForwards = keep
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			c, err := o.newClient(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Shutdown()

			port, err := c.Forward(ctx, args[0], util.DefaultString(label, fmt.Sprintf("port %d", remote)), remote, local)
			if err != nil {
				return err
			}
			touch(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "Forwarding %s port %d on localhost:%d. Press Ctrl-C to stop.\n", args[0], remote, port)
			o.wait(ctx)
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "display label for the forward")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the forward even when the instance stops advertising the port")
	return cmd
}

func newSSHCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ssh <name>",
		Short: "Open an interactive shell on an instance",
		Args:  cobra.ExactArgs(1),
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
			touch(args[0])
			return c.SSH(ctx, args[0])
		},
	}
}

func touch(name string) {
	s, err := history.NewStore()
	if err == nil {
		err = s.Touch(name)
	}
	if err != nil {
		slog.Warn("failed to record connection history", "name", name, "error", err)
	}
}

func sortRecent(entries []client.ListEntry) []client.ListEntry {
	s, err := history.NewStore()
	if err != nil {
		slog.Warn("failed to load connection history", "error", err)
		return entries
	}
	return history.SortRecent(entries, func(e client.ListEntry) string { return e.Instance.Name }, s.LastConnected())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeList(w io.Writer, entries []client.ListEntry) {
	fmt.Fprintf(w, "%-24s %-12s %-9s %-10s %s\n", "NAME", "STATUS", "SSH", "CONNECTED", "PORTS")
	for _, e := range entries {
		connected := "-"
		if e.Connected {
			connected = "yes"
		}
		fmt.Fprintf(w, "%-24s %-12s %-9d %-10s %s\n", e.Instance.Name, util.EmptyDash(e.Instance.Status), e.Instance.SSHPort, connected, portSummary(e))
	}
}

func portSummary(e client.ListEntry) string {
	var parts []string
	for _, p := range e.Instance.Ports {
		parts = append(parts, fmt.Sprintf("%s:%d", util.DefaultString(p.Label, "port"), p.RemotePort))
	}
	sort.Strings(parts)
	return util.EmptyDash(strings.Join(parts, ","))
}

func writeInstance(w io.Writer, v *client.InstanceView) {
	fmt.Fprintf(w, "Name:      %s\n", v.Instance.Name)
	fmt.Fprintf(w, "User:      %s\n", util.EmptyDash(v.Instance.User))
	fmt.Fprintf(w, "Status:    %s\n", util.EmptyDash(v.Instance.Status))
	fmt.Fprintf(w, "SSH port:  %d\n", v.Instance.SSHPort)
	fmt.Fprintf(w, "Connected: %t\n", v.Connected)
	if len(v.Ports) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%-16s %-8s %-8s %s\n", "LABEL", "REMOTE", "LOCAL", "STATUS")
	for _, p := range v.Ports {
		local := "-"
		if p.LocalPort > 0 {
			local = fmt.Sprint(p.LocalPort)
		}
		fmt.Fprintf(w, "%-16s %-8d %-8s %s\n", util.EmptyDash(p.Label), p.RemotePort, local, util.DefaultString(p.Status, "(Not connected)"))
	}
}
