package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"skald/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "skald",
	Short: "Run deployment scripts on provider nodes",
	Long: `skald resolves a node through its provider account, runs a command on it
over SSH and retries while the node is still coming up.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken)
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("SKALD_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8810"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "skald API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SKALD_TOKEN"), "bearer token")
}
