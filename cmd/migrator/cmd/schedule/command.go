// Package schedule provides the schedule command.
package schedule

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/agentstation/migrator/cmd/migrator/cmd/run"
	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/pkg/logging"
)

// NewCommand creates the schedule command with app dependencies.
func NewCommand(app appcontext.Interface) *cobra.Command {
	var spec string
	cmd := &cobra.Command{
		Use:     "schedule",
		GroupID: "core",
		Short:   "Run the migration on a cron schedule",
		Long: `Schedule runs every source on a standard cron schedule until interrupted.
Each run resumes from the checkpoints; a tick that fires while the previous
run is still going is skipped. Metrics, when enabled, are served the whole
time.`,
		Example: `  migrator schedule --cron "*/15 * * * *"
  migrator schedule --cron @hourly
  migrator schedule --cron "@every 10m"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), app, spec)
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "", "cron spec (required)")
	_ = cmd.MarkFlagRequired("cron")
	return cmd
}

// Run schedules the migration until ctx is done. Cancellation is a clean
// exit.
func Run(ctx context.Context, app appcontext.Interface, spec string) error {
	ctx = logging.WithLogger(ctx, app.Logger())
	m, err := app.Migrator(ctx)
	if err != nil {
		return err
	}
	err = run.WithMetrics(ctx, app.Metrics(), func(ctx context.Context) error {
		return m.Schedule(ctx, spec)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
