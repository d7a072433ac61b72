package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/sigeti/reports/internal/dispatcher"
	"github.com/sigeti/reports/internal/lease"
	"github.com/spf13/cobra"
)

func NewDispatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dispatch",
		Short:   "Report dispatcher commands",
		Aliases: []string{"d"},
	}

	cmd.AddCommand(newDispatchOnceCommand())

	return cmd
}

func newDispatchOnceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one dispatcher pass and exit",
		Long: `Run one dispatcher pass: every due schedule is claimed, rendered and
mailed, and recurring schedules get their next occurrence. Meant for
deployments that drive the dispatcher from an external cron.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, closeApp, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			owner := lease.NewOwner()
			ok, err := lease.Hold(ctx, a.Locker, lease.LeaderKey, owner, a.Config.Redis.LockTTL)
			if err != nil {
				return fmt.Errorf("failed to take leader lease: %w", err)
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "Another dispatcher holds the leader lease, nothing to do")
				return nil
			}
			defer a.Locker.ReleaseLease(context.Background(), lease.LeaderKey, owner)

			res, err := a.Dispatcher.RunPass(ctx)
			if err != nil {
				return fmt.Errorf("dispatcher pass failed: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "OUTCOME\tCOUNT")
			outcomes := make([]string, 0, len(res.Counts))
			for o := range res.Counts {
				outcomes = append(outcomes, string(o))
			}
			sort.Strings(outcomes)
			for _, o := range outcomes {
				fmt.Fprintf(w, "%s\t%d\n", o, res.Counts[dispatcher.Outcome(o)])
			}
			fmt.Fprintf(w, "spawned\t%d\n", res.Spawned)
			if res.Stopped {
				fmt.Fprintln(w, "stopped early\tyes")
			}
			return w.Flush()
		},
	}

	return cmd
}
