package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"skald/cli/api"
	"skald/cli/style"
)

var (
	sagaDeployment string
	sagaLimit      int
)

func init() {
	sagaCmd.Flags().StringVar(&sagaDeployment, "deployment", "", "filter by deployment id")
	sagaCmd.Flags().IntVar(&sagaLimit, "limit", 30, "number of events")
	rootCmd.AddCommand(sagaCmd)
}

var sagaCmd = &cobra.Command{
	Use:   "saga [saga-id]",
	Short: "View saga event log",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if len(args) > 0 {
			events, err := client.GetSagaEvents(args[0])
			if err != nil {
				return fmt.Errorf("fetch saga events: %w", err)
			}
			fmt.Fprintln(out, style.Title.Render("saga "+shortID(args[0])))
			printEvents(out, events)
			return nil
		}

		events, err := client.ListRecentSaga(sagaDeployment, sagaLimit)
		if err != nil {
			return fmt.Errorf("fetch saga events: %w", err)
		}
		if len(events) == 0 {
			fmt.Fprintln(out, style.DimText.Render("no saga events"))
			return nil
		}
		fmt.Fprintln(out, style.Title.Render("recent saga events"))
		printEvents(out, events)
		return nil
	},
}

func printEvents(out io.Writer, events []api.SagaEvent) {
	for _, evt := range events {
		ts, _ := time.Parse(time.RFC3339Nano, evt.Timestamp)
		attempt := ""
		if a := evt.Metadata["attempt"]; a != "" {
			attempt = style.DimText.Render("#" + a + " ")
		}
		fmt.Fprintf(out, "  %s %s %s%s\n",
			style.DimText.Render(ts.Local().Format("15:04:05")),
			style.Icon(evt.Action),
			attempt,
			evt.Message,
		)
	}
}
