package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/docker-env/internal/doctor"
	"github.com/treykane/docker-env/internal/events"
	"github.com/treykane/docker-env/internal/printer"
	"github.com/treykane/docker-env/internal/util"
)

func newDoctorCmd(o *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the local setup and the directory API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := o.sshWriter(printer.Discard)
			if err != nil {
				return err
			}
			opts := doctor.Options{Config: o.cfg, Writer: writer}
			if dir, err := o.directory(); err == nil {
				opts.Health = func(ctx context.Context) error {
					ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
					defer cancel()
					_, err := dir.Health(ctx)
					return err
				}
			}
			report := doctor.Run(cmd.Context(), opts)
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			w := cmd.OutOrStdout()
			if len(report.Issues) == 0 {
				fmt.Fprintln(w, "No issues found.")
				return nil
			}
			fmt.Fprintf(w, "%-8s %-18s %-40s %s\n", "SEVERITY", "CHECK", "TARGET", "MESSAGE")
			for _, issue := range report.Issues {
				fmt.Fprintf(w, "%-8s %-18s %-40s %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
				if issue.Recommendation != "" {
					fmt.Fprintf(w, "%-8s %-18s %-40s -> %s\n", "", "", "", issue.Recommendation)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd(o *rootOptions) *cobra.Command {
	var (
		q       events.Query
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel event journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := events.NewStore()
			if err != nil {
				return err
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			got, err := store.Read(q)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			if jsonOut {
				if got == nil {
					got = []events.Event{}
				}
				return writeJSON(cmd.OutOrStdout(), got)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %-16s %-12s %-18s %-7s %-7s %s\n", "TIME", "INSTANCE", "LABEL", "EVENT", "LOCAL", "REMOTE", "MESSAGE")
			for _, e := range got {
				fmt.Fprintf(w, "%-20s %-16s %-12s %-18s %-7s %-7s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					util.EmptyDash(e.Instance), util.EmptyDash(e.Label), e.EventType,
					portCell(e.LocalPort), portCell(e.RemotePort), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.Instance, "instance", "", "only events for this instance")
	cmd.Flags().StringVar(&q.Label, "label", "", "only events for this tunnel label")
	cmd.Flags().StringVar(&q.EventType, "type", "", "only events of this type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration (e.g. 1h)")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "keep the most recent N events (0 for all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func portCell(p int) string {
	if p <= 0 {
		return "-"
	}
	return fmt.Sprint(p)
}
