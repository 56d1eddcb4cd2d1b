package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/repo"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(appFn, outputFn),
		newRunShowCmd(appFn, outputFn),
		newRunCancelCmd(appFn, outputFn),
	)

	return cmd
}

func newRunListCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	var workspace, status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := appFn().Store(ctx)
			if err != nil {
				return err
			}

			filter := repo.RunFilter{Status: domain.RunStatus(status), Limit: limit}
			if workspace != "" {
				ws, err := store.GetWorkspaceBySlug(ctx, workspace)
				if err != nil {
					return fmt.Errorf("workspace %q: %w", workspace, err)
				}
				filter.WorkspaceID = &ws.ID
			}

			runs, err := store.ListRuns(ctx, filter)
			if err != nil {
				return err
			}

			outputFn().Runs(runs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "Filter by workspace slug")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")

	return cmd
}

func newRunShowCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			store, err := appFn().Store(ctx)
			if err != nil {
				return err
			}
			run, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			steps, err := store.ListSteps(ctx, runID)
			if err != nil {
				return err
			}

			outputFn().RunDetails(run, steps)
			return nil
		},
	}
}

func newRunCancelCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}

			store, err := appFn().Store(ctx)
			if err != nil {
				return err
			}
			run, err := store.CancelRun(ctx, runID)
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}
