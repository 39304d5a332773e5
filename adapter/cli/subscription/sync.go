package subscription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/adapter/cli"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <subscription-id>",
	Short: "Sync a subscription with its GoCardless counterpart",
	Long: `Read the remote subscription and apply its status locally:
active refreshes the expiry, cancelled cancels and finished expires.

Examples:
  helyar subscription sync 0d3c5f9a-2b8e-4c1d-9a7f-6e5b4c3d2a10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Repair == nil {
			return errors.New("sync requires a configured application")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid subscription id: %w", err)
		}

		s, err := app.Repair.SyncWithProvider(cmd.Context(), id)
		if err != nil {
			return err
		}
		printSubscription(cmd.OutOrStdout(), s)
		return nil
	},
}
