package subscription

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/helyar/helyar/adapter/cli"
	"github.com/spf13/cobra"
)

var retryPaymentCmd = &cobra.Command{
	Use:   "retry-payment <subscription-id>",
	Short: "Collect a one-off payment after a failed charge",
	Long: `Create a one-off payment against the customer's mandate. Refused once
the subscription reached the failed payment limit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Repair == nil {
			return errors.New("retry-payment requires a configured application")
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid subscription id: %w", err)
		}

		payment, err := app.Repair.RetryFailedPayment(cmd.Context(), id)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Payment %s created (%s)\n", payment.RemoteID(), payment.Status())
		fmt.Fprintf(out, "Amount: %s\n", payment.Amount())
		if payment.ChargeDate() != nil {
			fmt.Fprintf(out, "Charge date: %s\n", payment.ChargeDate().Format("2006-01-02"))
		}
		return nil
	},
}
