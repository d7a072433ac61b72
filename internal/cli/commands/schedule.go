package commands

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sigeti/reports/internal/api/client"
	"github.com/sigeti/reports/internal/clock"
	"github.com/sigeti/reports/internal/recurrence"
	"github.com/spf13/cobra"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Short:   "Report schedule commands",
		Aliases: []string{"schedules", "s"},
	}

	cmd.AddCommand(newScheduleListCommand())
	cmd.AddCommand(newScheduleNextCommand())

	return cmd
}

func newScheduleListCommand() *cobra.Command {
	var (
		page     int
		pageSize int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List report schedules through the REST API",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.NewClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			list, err := c.ListSchedules(page, pageSize)
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDASHBOARDS\tSCHEDULED AT\tRECURRENCE\t#\tSTATUS")
			for _, s := range list.Results {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.ID,
					s.Name,
					strings.Join(s.Dashboards, ","),
					s.ScheduledAt.Format(time.RFC3339),
					s.RecurrenceType,
					s.OccurrenceNumber,
					s.DeliveryStatus,
				)
			}
			fmt.Fprintf(w, "\n%d schedule(s), page %d\n", list.Count, list.Page)
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Schedules per page")
	return cmd
}

func newScheduleNextCommand() *cobra.Command {
	var (
		count int
		from  string
	)

	cmd := &cobra.Command{
		Use:   "next [schedule_id]",
		Short: "Preview the next firing instants of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid schedule ID: %w", err)
			}
			if count < 1 {
				return fmt.Errorf("--count must be positive")
			}

			a, closeApp, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			var clk clock.Clock = a.Clock
			if from != "" {
				at, err := clock.Parse(from, a.Clock.Location())
				if err != nil {
					return fmt.Errorf("invalid --from: %w", err)
				}
				clk = clock.NewFixed(at, a.Clock.Location())
			}

			rec, err := a.Schedules.Get(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, occurrence %d)\n", rec.Name, rec.RecurrenceType, rec.OccurrenceNumber)
			if !rec.Recurs() {
				fmt.Fprintln(out, "Not recurring")
				return nil
			}

			rule, err := rec.Rule()
			if err != nil {
				return err
			}
			anchor := rec.ScheduledAt
			rule.Anchor = &anchor
			next := recurrence.NewCalculator(clk.Location()).Upcoming(rule, clk.Now(), count)
			if len(next) == 0 {
				fmt.Fprintln(out, "No further firings")
				return nil
			}
			for _, t := range next {
				fmt.Fprintln(out, t.Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 5, "Number of instants to show")
	cmd.Flags().StringVar(&from, "from", "", "Preview from this instant instead of now")
	return cmd
}
