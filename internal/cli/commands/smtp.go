package commands

import (
	"fmt"

	"github.com/sigeti/reports/internal/api/client"
	"github.com/spf13/cobra"
)

func NewSMTPCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "smtp",
		Short: "Mail transport commands",
	}

	cmd.AddCommand(newSMTPTestCommand())

	return cmd
}

func newSMTPTestCommand() *cobra.Command {
	var (
		to     string
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test message through the active SMTP configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote {
				c, err := client.NewClient()
				if err != nil {
					return fmt.Errorf("failed to create client: %w", err)
				}
				if err := c.TestSMTP(to); err != nil {
					return fmt.Errorf("smtp test failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Test message sent to %s by the server\n", to)
				return nil
			}

			a, closeApp, err := openApp(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer closeApp()

			if err := a.Transport.Refresh(cmd.Context()); err != nil {
				return err
			}
			conn, err := a.Transport.BuildConnection(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Transport.SendTest(cmd.Context(), to, a.Config.Reporting.Brand); err != nil {
				return fmt.Errorf("smtp test via %s:%d failed: %w", conn.Settings.Host, conn.Settings.Port, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Test message sent to %s via %s:%d (%s settings)\n",
				to, conn.Settings.Host, conn.Settings.Port, conn.Source)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Recipient address")
	cmd.Flags().BoolVar(&remote, "remote", false, "Ask the API server to send the message")
	cmd.MarkFlagRequired("to")
	return cmd
}
