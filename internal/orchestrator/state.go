package orchestrator

import (
	"context"
	"fmt"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
)

// snapshot возвращает состояние уже запущенного run без побочных эффектов.
// Jobs восстанавливаются по существующим steps; пропущенные steps не выполнялись и не включаются.
func (o *Orchestrator) snapshot(ctx context.Context, run *domain.Run) (*Result, error) {
	_, dag, err := o.loader.ForVersion(ctx, run.VersionID)
	if err != nil {
		return nil, err
	}

	steps, err := o.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	jobs := make([]domain.StepJob, 0, len(steps))
	for i := range steps {
		step := &steps[i]
		node := dag.GetNode(step.NodeID)
		if node == nil || step.Status == domain.StepStatusSkipped {
			continue
		}
		jobs = append(jobs, engine.NewStepJob(run, node, step, max(step.Attempt, 1)))
	}

	return &Result{
		RunID:         run.ID,
		Status:        run.Status,
		WorkflowID:    run.WorkflowID,
		WorkspaceID:   run.WorkspaceID,
		StepsEnqueued: jobs,
		Reused:        true,
	}, nil
}
