// Package checkpoints provides the checkpoints command.
package checkpoints

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentstation/migrator/internal/appcontext"
	"github.com/agentstation/migrator/internal/cmd/output"
	"github.com/agentstation/migrator/internal/cmd/table"
	"github.com/agentstation/migrator/pkg/checkpoint"
	"github.com/agentstation/migrator/pkg/logging"
)

// NewCommand creates the checkpoints command with app dependencies.
func NewCommand(app appcontext.Interface) *cobra.Command {
	return &cobra.Command{
		Use:     "checkpoints",
		GroupID: "inspect",
		Aliases: []string{"checkpoint", "cursors"},
		Short:   "List the committed cursor of every source",
		Long: `Checkpoints lists where each source will resume. Sources that have not
committed a batch yet are listed with the start cursor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return Run(cmd.Context(), cmd.OutOrStdout(), app)
		},
	}
}

// Run prints the checkpoints.
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
	entries, err := m.Checkpoints(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Source] = true
	}
	for _, name := range m.SourceNames() {
		if !seen[name] {
			entries = append(entries, checkpoint.Entry{Source: name})
		}
	}
	return output.Print(w, format, output.Table{Value: entries, Data: table.CheckpointsToTableData(entries)})
}
