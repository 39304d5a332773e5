package cli

import (
	"errors"
	"fmt"

	"github.com/helyar/helyar/internal/shared/infrastructure/database"
	"github.com/helyar/helyar/internal/shared/infrastructure/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long: `Apply the embedded schema for the configured driver. Every statement is
idempotent, so running it against an up-to-date database changes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Config == nil {
			return errors.New("migrate requires configuration")
		}
		cfg := app.Config

		conn, err := database.NewConnection(cmd.Context(), database.Config{
			URL:        cfg.DatabaseURL,
			SQLitePath: cfg.SQLitePath,
			MaxConns:   cfg.DatabaseMaxConns,
		})
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close()

		if err := migrations.Apply(cmd.Context(), conn); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s).\n", conn.Driver())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
