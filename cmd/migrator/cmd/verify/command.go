// Package verify provides the verify command.
package verify

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/internal/cmd/output"
	"github.com/agentstation/migrator/internal/cmd/table"
	"github.com/agentstation/migrator/pkg/logging"
)

// NewCommand creates the verify command with app dependencies.
func NewCommand(app appcontext.Interface) *cobra.Command {
	return &cobra.Command{
		Use:     "verify",
		GroupID: "core",
		Short:   "Check the canonical store against the audit trail",
		Long: `Verify recomputes the canonical hash of every audited entity and compares
it with the latest audit entry for that entity. Entities that changed or
disappeared since they were written are reported and the command fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), cmd.OutOrStdout(), app)
		},
	}
}

// Run verifies and prints the verification report.
func Run(ctx context.Context, w io.Writer, app appcontext.Interface) error {
	format, err := output.Resolve(app.OutputFormat())
	if err != nil {
		return err
	}
	ctx = logging.WithLogger(ctx, app.Logger())

	m, err := app.Migrator(ctx)
	if err != nil {
		return err
	}
	report, err := m.Verify(ctx)
	if err != nil {
		return err
	}
	if err := output.Print(w, format, output.Table{Value: report, Data: table.VerificationToTableData(report)}); err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("audit verification failed: %d mismatched, %d missing, %d unaudited",
			len(report.Mismatched), len(report.Missing), len(report.Unaudited))
	}
	return nil
}
