package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/docker-env/internal/bundle"
)

func newBundleCmd(o *rootOptions) *cobra.Command {
	root := &cobra.Command{Use: "bundle", Short: "Manage named sets of instances and forwards"}

	create := &cobra.Command{
		Use:   "create <bundle> <instance[:remote[:local]]>...",
		Short: "Create or replace a bundle",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries := make([]bundle.Entry, 0, len(args)-1)
			for _, arg := range args[1:] {
				e, err := bundle.ParseEntry(arg)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			}
			store, err := bundle.NewStore()
			if err != nil {
				return err
			}
			if err := store.Save(args[0], entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved bundle %s (%d entries)\n", args[0], len(entries))
			return nil
		},
	}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List bundles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := bundle.NewStore()
			if err != nil {
				return err
			}
			all, err := store.List()
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), all)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %s\n", "NAME", "ENTRIES")
			for _, b := range all {
				parts := make([]string, len(b.Entries))
				for i, e := range b.Entries {
					parts[i] = e.String()
				}
				fmt.Fprintf(w, "%-20s %s\n", b.Name, strings.Join(parts, " "))
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	del := &cobra.Command{
		Use:   "delete <bundle>",
		Short: "Delete a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := bundle.NewStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted bundle %s\n", args[0])
			return nil
		},
	}

	run := &cobra.Command{
		Use:   "run <bundle>",
		Short: "Connect every instance of a bundle and keep it forwarded until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := bundle.NewStore()
			if err != nil {
				return err
			}
			def, err := store.Get(args[0])
			if err != nil {
				return err
			}
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

			w := cmd.OutOrStdout()
			var failed []string
			for _, e := range def.Entries {
				if e.RemotePort == 0 {
					if err := c.Connect(ctx, e.Instance); err != nil {
						failed = append(failed, fmt.Sprintf("%s: %v", e, err))
						continue
					}
				} else {
					label := e.Label
					if label == "" {
						label = fmt.Sprintf("port %d", e.RemotePort)
					}
					if _, err := c.Forward(ctx, e.Instance, label, e.RemotePort, e.LocalPort); err != nil {
						failed = append(failed, fmt.Sprintf("%s: %v", e, err))
						continue
					}
				}
				touch(e.Instance)
			}

			fmt.Fprintf(w, "bundle %s summary: %d ok, %d failed\n", def.Name, len(def.Entries)-len(failed), len(failed))
			for _, f := range failed {
				fmt.Fprintf(w, "  - %s\n", f)
			}
			if len(failed) == len(def.Entries) {
				return fmt.Errorf("no entry of bundle %s could be started", def.Name)
			}
			o.wait(ctx)
			return nil
		},
	}

	root.AddCommand(create, list, del, run)
	return root
}
