package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/agentflow/internal/engine"
)

// NewWorkflowCmd создаёт группу команд для управления workflows.
func NewWorkflowCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
	}

	cmd.AddCommand(
		newWorkflowPublishCmd(appFn, outputFn),
		newWorkflowShowCmd(appFn, outputFn),
	)

	return cmd
}

func newWorkflowPublishCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	var workspace, file string

	cmd := &cobra.Command{
		Use:   "publish NAME",
		Short: "Publish a new immutable workflow version from a DAG file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := outputFn()

			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read dag: %w", err)
			}
			spec, err := engine.Parse(data)
			if err != nil {
				return err
			}
			// Публикуем только графы, которые загрузятся при запуске run
			if _, err := engine.BuildDAG(spec); err != nil {
				return err
			}

			store, err := appFn().Store(ctx)
			if err != nil {
				return err
			}
			ws, err := store.EnsureWorkspace(ctx, workspace, workspace)
			if err != nil {
				return err
			}
			wf, err := store.EnsureWorkflow(ctx, ws.ID, args[0])
			if err != nil {
				return err
			}
			v, err := store.PublishVersion(ctx, wf.ID, *spec)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Published %s version %d", wf.Name, v.Version))
			out.Version(wf, v)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "default", "Workspace slug")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to DAG JSON document")
	cmd.MarkFlagRequired("file")

	return cmd
}

func newWorkflowShowCmd(appFn func() *App, outputFn func() *Output) *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show the latest version of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := appFn().Store(ctx)
			if err != nil {
				return err
			}
			ws, err := store.GetWorkspaceBySlug(ctx, workspace)
			if err != nil {
				return fmt.Errorf("workspace %q: %w", workspace, err)
			}
			wf, v, _, err := engine.LoadVersion(ctx, store, ws.ID, args[0])
			if err != nil {
				return err
			}

			outputFn().Version(wf, v)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "default", "Workspace slug")

	return cmd
}
