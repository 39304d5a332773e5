package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	tokenUser string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token for a user",
	Long: `Issue an HS256 bearer token signed with JWT_SECRET. Intended for
calling the API locally; production tokens come from the identity service.

Examples:
  helyar token --user 6f1d0c1e-1f7a-4c55-9d0e-3f1b5c2a9e10 --ttl 1h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Tokens == nil {
			return errors.New("token requires a configured application")
		}
		if app.Config != nil && app.Config.IsProduction() {
			return errors.New("token is disabled in production")
		}

		userID, err := uuid.Parse(tokenUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}
		token, err := app.Tokens.IssueToken(userID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id (UUID)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(tokenCmd)
}
