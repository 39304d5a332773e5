package cli

import (
	"errors"
	"fmt"

	"github.com/helyar/helyar/pkg/observability"
	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database, broker and outbox health",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Health == nil {
			return errors.New("app not initialized")
		}

		overall := app.Health.GetOverallHealth(cmd.Context())
		body, err := overall.ToJSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))

		if overall.Status == observability.HealthStatusUnhealthy {
			return errors.New("service is unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
