package subscription

import (
	"fmt"
	"io"
	"time"

	"github.com/helyar/helyar/internal/billing/domain"
	"github.com/spf13/cobra"
)

// Cmd is the subscription command group.
var Cmd = &cobra.Command{
	Use:   "subscription",
	Short: "Inspect and repair subscriptions",
	Long:  `Show a user's setup status, sync a subscription with GoCardless or retry a failed payment.`,
}

func init() {
	Cmd.AddCommand(statusCmd)
	Cmd.AddCommand(syncCmd)
	Cmd.AddCommand(retryPaymentCmd)
}

func printSubscription(out io.Writer, s *domain.Subscription) {
	fmt.Fprintf(out, "Subscription: %s (%s)\n", s.ID(), s.Status())
	fmt.Fprintf(out, "Active: %t\n", s.IsActive())
	if s.RemoteID() != "" {
		fmt.Fprintf(out, "GoCardless subscription: %s\n", s.RemoteID())
	}
	if s.ExpiresAt() != nil {
		fmt.Fprintf(out, "Expires: %s\n", s.ExpiresAt().Local().Format(time.RFC1123))
	}
	if n := s.FailedPaymentCount(); n > 0 {
		fmt.Fprintf(out, "Failed payments: %d\n", n)
	}
}
