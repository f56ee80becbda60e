// Package report provides the report command.
package report

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/agentstation/migrator"
	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/internal/cmd/output"
	"github.com/agentstation/migrator/internal/cmd/table"
	"github.com/agentstation/migrator/pkg/errors"
)

// Flags holds the report command flags.
type Flags struct {
	Source    string
	KPI       bool
	Conflicts bool
}

// NewCommand creates the report command with app dependencies.
func NewCommand(app appcontext.Interface) *cobra.Command {
	flags := &Flags{}
	cmd := &cobra.Command{
		Use:     "report",
		GroupID: "inspect",
		Short:   "Show the report of the last run",
		Long: `Report prints the report saved by the last run under the state directory.
It reads the report file only; no source or store is opened.`,
		Example: `  migrator report                  # Per-source summary
  migrator report --kpi            # Every KPI counter of the run
  migrator report --source crm --kpi
  migrator report --conflicts      # Conflicts routed to manual review`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.OutOrStdout(), app, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Source, "source", "", "limit the report to one source")
	cmd.Flags().BoolVar(&flags.KPI, "kpi", false, "list every KPI counter")
	cmd.Flags().BoolVar(&flags.Conflicts, "conflicts", false, "list conflicts routed to manual review")
	cmd.MarkFlagsMutuallyExclusive("kpi", "conflicts")
	return cmd
}

// Run loads and prints the last run report.
func Run(w io.Writer, app appcontext.Interface, flags *Flags) error {
	format, err := output.Resolve(app.OutputFormat())
	if err != nil {
		return err
	}
	cfg, err := app.RunConfig()
	if err != nil {
		return err
	}
	report, err := migrator.LoadReport(migrator.ReportPath(cfg.StateDir))
	if err != nil {
		if errors.IsNotFound(err) {
			return errors.NewNotFoundError("run report", "no run recorded under "+cfg.StateDir)
		}
		return err
	}

	if flags.Source == "" {
		switch {
		case flags.KPI:
			return output.Print(w, format, output.Table{Value: report.Totals, Data: table.KPIToTableData(report.Totals)})
		case flags.Conflicts:
			all := report.Conflicts()
			return output.Print(w, format, output.Table{Value: all, Data: table.ConflictsToTableData(all)})
		}
		return output.Print(w, format, output.Table{Value: report, Data: table.ReportToTableData(report)})
	}

	res, ok := report.Source(flags.Source)
	if !ok {
		return errors.NewNotFoundError("source in last run", flags.Source)
	}
	switch {
	case flags.Conflicts:
		return output.Print(w, format, output.Table{Value: res.Conflicts, Data: table.ConflictsToTableData(res.Conflicts)})
	default:
		return output.Print(w, format, output.Table{Value: res, Data: table.KPIToTableData(res.Report)})
	}
}
