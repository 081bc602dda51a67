package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"skald/cli/api"
	"skald/cli/style"
)

var (
	deployKey       string
	deployUser      string
	deployPassword  string
	deployPort      int
	deployRequester string
	deployWait      bool
	deployPoll      time.Duration
	deployTimeout   time.Duration
)

func init() {
	deployCmd.Flags().StringVar(&deployKey, "key", "", "SSH key id (default: auto-select)")
	deployCmd.Flags().StringVarP(&deployUser, "user", "u", "", "SSH username")
	deployCmd.Flags().StringVar(&deployPassword, "password", "", "SSH password")
	deployCmd.Flags().IntVarP(&deployPort, "port", "p", 22, "SSH port")
	deployCmd.Flags().StringVar(&deployRequester, "requester", "", "requester email, when the server has no token auth")
	deployCmd.Flags().BoolVarP(&deployWait, "wait", "w", false, "wait for the deployment to finish")
	deployCmd.Flags().DurationVar(&deployPoll, "poll", 5*time.Second, "status poll interval with --wait")
	deployCmd.Flags().DurationVar(&deployTimeout, "timeout", 10*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(deployCmd)
}

var deployCmd = &cobra.Command{
	Use:   "deploy <account> <node> -- <command...>",
	Short: "Run a deployment script on a node",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		d, err := client.Deploy(api.DeployRequest{
			Requester: deployRequester,
			AccountID: args[0],
			NodeID:    args[1],
			Command:   strings.Join(args[2:], " "),
			KeyID:     deployKey,
			Username:  deployUser,
			Password:  deployPassword,
			Port:      deployPort,
		})
		if err != nil {
			return fmt.Errorf("deploy failed: %w", err)
		}

		fmt.Fprintln(out, style.Title.Render("deploying to "+args[1]))
		fmt.Fprintf(out, "  id:   %s\n", d.ID)
		fmt.Fprintf(out, "  saga: %s\n", style.DimText.Render(d.SagaID))

		if !deployWait {
			return nil
		}
		final, err := waitFor(cmd.Context(), d.ID, deployPoll, deployTimeout)
		if err != nil {
			return err
		}
		printDeployment(out, final)
		if final.Status != "succeeded" {
			return fmt.Errorf("deployment %s", final.Status)
		}
		return nil
	},
}

var errPending = errors.New("deployment still running")

// waitFor polls the deployment at a constant interval until it is terminal.
func waitFor(ctx context.Context, id string, every, timeout time.Duration) (*api.Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var last *api.Deployment
	op := func() error {
		d, err := client.GetDeployment(id)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = d
		if !d.Terminal() {
			return errPending
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(every), ctx)); err != nil {
		if errors.Is(err, errPending) || errors.Is(err, context.DeadlineExceeded) {
			return last, fmt.Errorf("timed out waiting for %s", id)
		}
		return last, err
	}
	return last, nil
}
