package engine

import (
	"github.com/shaiso/agentflow/internal/domain"
)

// RunContextOf возвращает идентификаторы run для шаблонов.
func RunContextOf(run *domain.Run) RunContext {
	return RunContext{
		ID:          run.ID.String(),
		WorkflowID:  run.WorkflowID.String(),
		WorkspaceID: run.WorkspaceID.String(),
	}
}

// RenderConfig рендерит конфигурацию узла по состоянию run.
func (n *Node) RenderConfig(run *domain.Run, state RunState) (map[string]any, error) {
	ctx := ContextFromState(state)
	ctx.Run = RunContextOf(run)
	return RenderConfig(n.Def.Config, ctx)
}

// NewStepJob собирает job очереди для попытки attempt step узла.
//
// Payload содержит input run и конфигурацию step, отрендеренную при его создании.
func NewStepJob(run *domain.Run, node *Node, step *domain.Step, attempt int) domain.StepJob {
	return domain.StepJob{
		RunID:       run.ID,
		StepID:      step.ID,
		WorkflowID:  run.WorkflowID,
		WorkspaceID: run.WorkspaceID,

		NodeID:    node.ID,
		NodeType:  node.Def.Type,
		Connector: node.Def.Connector,
		Action:    node.Def.Action,

		Payload: map[string]any{
			"input":  run.Input,
			"config": step.Input,
		},

		IdempotencyKey: domain.AttemptKey(step.ID, attempt),
		Attempt:        attempt,
		ScheduledFor:   step.ScheduledFor,
	}
}
