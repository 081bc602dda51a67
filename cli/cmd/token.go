package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"skald/auth"
)

var (
	tokenEmail  string
	tokenSecret string
	tokenTTL    time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "requester identity")
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("SKALD_JWT_SECRET"), "HS256 signing secret")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a requester token for the API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenEmail == "" {
			return errors.New("--email is required")
		}
		if tokenSecret == "" {
			return errors.New("--secret or SKALD_JWT_SECRET is required")
		}
		tok, err := auth.NewValidator(tokenSecret).Sign(tokenEmail, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}
