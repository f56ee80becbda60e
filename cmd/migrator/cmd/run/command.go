// Package run provides the run command.
package run

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/internal/cmd/output"
	"github.com/agentstation/migrator/internal/cmd/table"
	"github.com/agentstation/migrator/internal/metrics"
	"github.com/agentstation/migrator/pkg/logging"
)

// Flags holds the run command flags.
type Flags struct {
	RunID     string
	RetryKeys []string
	Conflicts bool
}

// NewCommand creates the run command with app dependencies.
func NewCommand(app appcontext.Interface) *cobra.Command {
	flags := &Flags{}
	cmd := &cobra.Command{
		Use:     "run [source]",
		GroupID: "core",
		Short:   "Migrate every source, or one, from its checkpoint",
		Long: `Run migrates the sources of the run file in order. Each source resumes
from its last committed checkpoint, so an interrupted run can simply be
started again.

With --retry-keys only the given legacy keys of one source are extracted
again before the run reads on from the checkpoint.`,
		Example: `  migrator run                          # Migrate all sources
  migrator run customers_sql            # Migrate one source
  migrator run crm --retry-keys 17,42   # Re-extract two legacy keys
  migrator run --conflicts -o json      # List conflicts routed to review`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			return Run(cmd.Context(), cmd.OutOrStdout(), app, source, flags)
		},
	}

	cmd.Flags().StringVar(&flags.RunID, "run-id", "", "run id stamped on audit entries (default is a new UUID)")
	cmd.Flags().StringSliceVar(&flags.RetryKeys, "retry-keys", nil, "legacy keys to re-extract (needs a source)")
	cmd.Flags().BoolVar(&flags.Conflicts, "conflicts", false, "print the conflicts routed to manual review instead of the summary")

	return cmd
}

// Run migrates and prints the run report. When metrics are enabled they are
// served for the duration of the run.
func Run(ctx context.Context, w io.Writer, app appcontext.Interface, source string, flags *Flags) error {
	format, err := output.Resolve(app.OutputFormat())
	if err != nil {
		return err
	}
	ctx = logging.WithLogger(ctx, app.Logger())

	m, err := app.Migrator(ctx)
	if err != nil {
		return err
	}

	var opts []migrator.RunOption
	if flags.RunID != "" {
		opts = append(opts, migrator.WithRunID(flags.RunID))
	}
	if len(flags.RetryKeys) > 0 {
		opts = append(opts, migrator.WithRetryKeys(flags.RetryKeys...))
	}

	var report *migrator.Report
	runErr := WithMetrics(ctx, app.Metrics(), func(ctx context.Context) error {
		var err error
		if source != "" {
			report, err = m.Run(ctx, source, opts...)
		} else {
			report, err = m.RunAll(ctx, opts...)
		}
		return err
	})
	if report == nil {
		return runErr
	}

	if err := Print(w, format, report, flags.Conflicts); err != nil {
		return err
	}
	return runErr
}

// Print writes the report summary, or its conflicts.
func Print(w io.Writer, format output.Format, report *migrator.Report, conflicts bool) error {
	if conflicts {
		all := report.Conflicts()
		return output.Print(w, format, output.Table{Value: all, Data: table.ConflictsToTableData(all)})
	}
	return output.Print(w, format, output.Table{Value: report, Data: table.ReportToTableData(report)})
}

// WithMetrics runs fn while the metrics endpoint is served. The endpoint
// stops when fn returns.
func WithMetrics(ctx context.Context, met *metrics.Metrics, fn func(ctx context.Context) error) error {
	if !met.IsEnabled() {
		return fn(ctx)
	}

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(serveCtx)
	g.Go(func() error { return met.Serve(gctx) })

	err := fn(ctx)
	stop()
	if serveErr := g.Wait(); serveErr != nil {
		logging.FromContext(ctx).Warn().Err(serveErr).Msg("Metrics endpoint failed")
	}
	return err
}
