package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"skald/cli/style"
)

var listLimit int

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "number of deployments")
	rootCmd.AddCommand(listCmd)
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent deployments",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		deps, err := client.ListDeployments(listLimit)
		if err != nil {
			return fmt.Errorf("fetch deployments: %w", err)
		}
		if len(deps) == 0 {
			fmt.Fprintln(out, style.DimText.Render("no deployments"))
			return nil
		}
		for _, d := range deps {
			started := d.StartedAt
			if ts, err := time.Parse(time.RFC3339Nano, d.StartedAt); err == nil {
				started = ts.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(out, "%s  %-8s  %-20s  %s  %s\n",
				style.DimText.Render(started),
				shortID(d.ID),
				d.NodeID,
				style.Status(d.Status),
				style.DimText.Render(fmt.Sprintf("(%d attempts)", d.Attempts)),
			)
		}
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
