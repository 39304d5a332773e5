package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	serveWithWorker     bool
	serveShutdownWindow time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the subscription HTTP API",
	Long: `Run the subscription HTTP API until interrupted.

With --with-worker the reconciliation scheduler and the outbox processor
run in the same process, which is convenient in local mode.

Examples:
  helyar serve
  helyar serve --with-worker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Server == nil {
			return errors.New("serve requires a configured application")
		}
		return runServer(cmd.Context(), app)
	},
}

func runServer(ctx context.Context, app *App) error {
	log := Logger()

	var started []Service
	if serveWithWorker {
		for _, svc := range app.Background {
			if err := svc.Start(ctx); err != nil {
				stopAll(started)
				return fmt.Errorf("start background service: %w", err)
			}
			started = append(started, svc)
		}
	}
	defer stopAll(started)

	errCh := make(chan error, 1)
	go func() {
		if err := app.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownWindow)
	defer cancel()
	return app.Server.Shutdown(shutdownCtx)
}

func stopAll(services []Service) {
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also run the scheduler and outbox processor")
	serveCmd.Flags().DurationVar(&serveShutdownWindow, "shutdown-timeout", 15*time.Second, "graceful shutdown window")
	rootCmd.AddCommand(serveCmd)
}
