package app

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/agentstation/migrator/cmd/migrator/cmd/checkpoints"
	"github.com/agentstation/migrator/cmd/migrator/cmd/report"
	"github.com/agentstation/migrator/cmd/migrator/cmd/run"
	"github.com/agentstation/migrator/cmd/migrator/cmd/schedule"
	"github.com/agentstation/migrator/cmd/migrator/cmd/verify"
)

// registerCommands registers all subcommands with the root command.
func (a *App) registerCommands(rootCmd *cobra.Command) {
	// Migration commands
	rootCmd.AddCommand(run.NewCommand(a))
	rootCmd.AddCommand(schedule.NewCommand(a))
	rootCmd.AddCommand(verify.NewCommand(a))

	// Inspection commands
	rootCmd.AddCommand(report.NewCommand(a))
	rootCmd.AddCommand(checkpoints.NewCommand(a))
	rootCmd.AddCommand(a.CreateValidateCommand())

	rootCmd.AddCommand(a.CreateVersionCommand())
}

// CreateValidateCommand creates the validate command.
func (a *App) CreateValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		GroupID: "inspect",
		Short:   "Check the run file without migrating",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.RunConfig()
			if err != nil {
				return err
			}
			file := cfg.File
			if file == "" {
				file = "(defaults and environment)"
			}
			cmd.Printf("run file: %s\n", file)
			cmd.Printf("org:      %s\n", cfg.OrgID)
			for _, s := range cfg.Sources {
				cmd.Printf("source:   %s (%s)\n", s.Name, s.Kind)
			}
			cmd.Printf("target:   %s\n", cfg.Target.Kind)
			return nil
		},
	}
}

// CreateVersionCommand creates the version command.
func (a *App) CreateVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("migrator %s\n", a.version)
			if a.config.Verbose {
				cmd.Printf("  commit:   %s\n", a.commit)
				cmd.Printf("  built:    %s\n", a.date)
				cmd.Printf("  built by: %s\n", a.builtBy)
				cmd.Printf("  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
			}
		},
	}
}
