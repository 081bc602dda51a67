package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"skald/cli/api"
	"skald/cli/style"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status <deployment-id>",
	Short: "Show a deployment and its event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		d, err := client.GetDeployment(args[0])
		if err != nil {
			return fmt.Errorf("fetch deployment: %w", err)
		}
		printDeployment(out, d)

		events, err := client.DeploymentEvents(d.ID)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(events) > 0 {
			fmt.Fprintln(out)
			printEvents(out, events)
		}
		return nil
	},
}

func printDeployment(out io.Writer, d *api.Deployment) {
	fmt.Fprintln(out, style.Title.Render("deployment "+d.ID))
	fmt.Fprintf(out, "  %s %s\n", style.Label.Render("status:  "), style.Status(d.Status))
	fmt.Fprintf(out, "  %s %s / %s\n", style.Label.Render("node:    "), d.AccountID, d.NodeID)
	fmt.Fprintf(out, "  %s %s\n", style.Label.Render("command: "), d.Command)
	fmt.Fprintf(out, "  %s %d\n", style.Label.Render("attempts:"), d.Attempts)
	if d.ExitStatus != nil {
		fmt.Fprintf(out, "  %s %d\n", style.Label.Render("exit:    "), *d.ExitStatus)
	}
	if d.LastError != "" {
		fmt.Fprintf(out, "  %s %s\n", style.Label.Render("error:   "), style.Unhealthy.Render(d.LastError))
	}
}
