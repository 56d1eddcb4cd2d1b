package cli

import (
	"github.com/spf13/cobra"

	"github.com/shaiso/agentflow/internal/repo"
)

// NewMigrateCmd создаёт команду применения схемы БД.
func NewMigrateCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pool, err := appFn().Pool(ctx)
			if err != nil {
				return err
			}
			if err := repo.Migrate(ctx, pool); err != nil {
				return err
			}

			outputFn().Success("Schema applied")
			return nil
		},
	}
}
