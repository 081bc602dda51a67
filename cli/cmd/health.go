package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"skald/cli/style"
)

func init() {
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server and backing services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		h, err := client.Health()
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		status := style.Healthy.Render(h.Status)
		if h.Status != "ok" {
			status = style.Warning.Render(h.Status)
		}
		fmt.Fprintf(out, "skald %s\n", status)

		names := make([]string, 0, len(h.Services))
		for name := range h.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			dot := style.Healthy.Render("●")
			if h.Services[name] != "up" {
				dot = style.Unhealthy.Render("●")
			}
			fmt.Fprintf(out, "  %s %s\n", dot, name)
		}
		return nil
	},
}
