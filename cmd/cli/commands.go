package main

import (
	"fmt"
	"os"

	"github.com/sigeti/reports/internal/api/client"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Login to the SIGETI reports API",
	Long: `Login prints a bearer token. Export it as SIGETI_API_TOKEN for the
commands that talk to the API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			password = os.Getenv("SIGETI_API_PASSWORD")
		}

		baseURL := os.Getenv("SIGETI_API_URL")
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}

		token, err := client.New(baseURL, "").Login(username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "export SIGETI_API_TOKEN=%s\n", token)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Username")
	loginCmd.Flags().StringP("password", "p", "", "Password (or SIGETI_API_PASSWORD)")
	loginCmd.MarkFlagRequired("username")
}
