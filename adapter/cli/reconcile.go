package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	billingApp "github.com/helyar/helyar/internal/billing/application"
	"github.com/helyar/helyar/pkg/observability"
	"github.com/spf13/cobra"
)

var reconcileAll bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile [job]",
	Short: "Run a reconciliation job once",
	Long: `Run one reconciliation job synchronously, or every job with --all.
Without arguments the configured jobs and their last run are listed.

Jobs: expiry_sweep, expiry_reminders, pending_cleanup, resume_activation, purge_events

Examples:
  helyar reconcile
  helyar reconcile expiry_sweep
  helyar reconcile --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app := GetApp()
		if app == nil || app.Jobs == nil {
			return errors.New("reconcile requires a configured application")
		}

		var names []string
		switch {
		case reconcileAll:
			for _, status := range app.Jobs.Status() {
				names = append(names, status.Name)
			}
		case len(args) == 1:
			names = args
		default:
			return listJobs(cmd, app.Jobs.Status())
		}

		var errs []error
		for _, name := range names {
			result, err := observability.TimeOperationResult(cmd.Context(), Logger(), app.Metrics, "reconcile."+name,
				func(ctx context.Context) (*billingApp.JobResult, error) {
					return app.Jobs.RunOnce(ctx, name)
				})
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: scanned=%d changed=%d failed=%d\n",
				result.Job, result.Scanned, result.Changed, result.Failed)
		}
		return errors.Join(errs...)
	},
}

func listJobs(cmd *cobra.Command, jobs []billingApp.JobStatus) error {
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No reconciliation jobs are enabled.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tINTERVAL\tLAST RUN\tLAST ERROR")
	for _, job := range jobs {
		lastRun := "never"
		if job.LastRunAt != nil {
			lastRun = job.LastRunAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", job.Name, job.Interval, lastRun, job.LastError)
	}
	return w.Flush()
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileAll, "all", false, "run every enabled job")
	rootCmd.AddCommand(reconcileCmd)
}
