package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"skald/cli/api"
	"skald/cli/style"
)

var (
	execHost      string
	execKey       string
	execUser      string
	execPassword  string
	execPort      int
	execRequester string
)

func init() {
	execCmd.Flags().StringVar(&execHost, "host", "", "connect to this address instead of resolving the node")
	execCmd.Flags().StringVar(&execKey, "key", "", "SSH key id (default: auto-select)")
	execCmd.Flags().StringVarP(&execUser, "user", "u", "", "SSH username")
	execCmd.Flags().StringVar(&execPassword, "password", "", "SSH password")
	execCmd.Flags().IntVarP(&execPort, "port", "p", 22, "SSH port")
	execCmd.Flags().StringVar(&execRequester, "requester", "", "requester email, when the server has no token auth")
	rootCmd.AddCommand(execCmd)
}

var execCmd = &cobra.Command{
	Use:   "exec <account> <node> -- <command...>",
	Short: "Run a command once in the background",
	Long: `exec queues a command that runs once and is never retried. You are
emailed the output only if it exits non-zero.`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := client.RunCommand(api.DeployRequest{
			Requester: execRequester,
			AccountID: args[0],
			NodeID:    args[1],
			Command:   strings.Join(args[2:], " "),
			KeyID:     execKey,
			Username:  execUser,
			Password:  execPassword,
			Port:      execPort,
			Host:      execHost,
		})
		if err != nil {
			return fmt.Errorf("exec failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, style.Title.Render("queued on "+args[1]))
		fmt.Fprintf(out, "  id:   %s\n", run.ID)
		fmt.Fprintf(out, "  saga: %s\n", style.DimText.Render(run.SagaID))
		return nil
	},
}
