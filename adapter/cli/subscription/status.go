package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/helyar/helyar/adapter/cli"
	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/spf13/cobra"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a user's subscription setup status",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Status == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Subscription status requires database connection.")
			return nil
		}

		userID, err := uuid.Parse(statusUser)
		if err != nil {
			return fmt.Errorf("invalid --user: %w", err)
		}

		view, err := app.Status.Handle(cmd.Context(), userID)
		if errors.Is(err, domain.ErrSubscriptionNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No subscription found.")
			return nil
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Status: %s\n", view.Status)
		fmt.Fprintf(out, "Message: %s\n", view.Message)
		if view.MandateID != "" {
			fmt.Fprintf(out, "Mandate: %s\n", view.MandateID)
		}
		if view.RemoteSubscriptionID != "" {
			fmt.Fprintf(out, "GoCardless subscription: %s\n", view.RemoteSubscriptionID)
		}
		if view.ExpiresAt != nil {
			fmt.Fprintf(out, "Expires: %s\n", view.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusUser, "user", "", "user id (UUID)")
	_ = statusCmd.MarkFlagRequired("user")
}
