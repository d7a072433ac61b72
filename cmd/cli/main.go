package main

import (
	"fmt"
	"os"

	"github.com/sigeti/reports/internal/cli/commands"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sigeti-reports",
	Short: "SIGETI reports CLI - operate the scheduled report dispatcher",
	Long: `sigeti-reports is the operations tool of the SIGETI report mailer.
It runs one-shot dispatcher passes, lists and previews schedules, and
checks the SMTP configuration.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ./config.yaml or /etc/sigeti/config.yaml)")

	// Add commands
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(commands.NewDispatchCommand())
	rootCmd.AddCommand(commands.NewScheduleCommand())
	rootCmd.AddCommand(commands.NewSMTPCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
