package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/agentflow/internal/connector"
	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
)

// attempt — всё, что нужно для выполнения одной попытки step.
type attempt struct {
	job   domain.StepJob
	run   *domain.Run
	step  *domain.Step
	node  *engine.Node
	state engine.RunState
}

// execution — результат попытки.
type execution struct {
	output map[string]any

	// audit — запись о вызове коннектора; nil для узлов без вызова.
	audit *domain.ToolExecution
}

// execute выполняет узел в зависимости от его типа.
//
// Ошибки, которые бессмысленно повторять, помечены connector.Permanent.
func (w *Worker) execute(ctx context.Context, a *attempt) (*execution, error) {
	switch a.node.Def.Type {
	case domain.NodeTypeAction:
		return w.executeAction(ctx, a)

	case domain.NodeTypeConditional:
		result, err := a.node.EvaluateCondition(a.state)
		if err != nil {
			return nil, connector.Permanent(fmt.Errorf("evaluate condition: %w", err))
		}
		return &execution{output: map[string]any{"result": result}}, nil

	case domain.NodeTypeWait:
		// Задержка уже выдержана очередью
		until := w.now().UTC()
		if a.step.ScheduledFor != nil {
			until = a.step.ScheduledFor.UTC()
		}
		return &execution{output: map[string]any{"waited_until": until.Format(time.RFC3339Nano)}}, nil

	default:
		return nil, connector.Permanent(fmt.Errorf("%w: %s", ErrUnknownNodeType, a.node.Def.Type))
	}
}

// executeAction вызывает действие коннектора и готовит запись аудита.
func (w *Worker) executeAction(ctx context.Context, a *attempt) (*execution, error) {
	cfg, err := a.node.RenderConfig(a.run, a.state)
	if err != nil {
		return nil, connector.Permanent(fmt.Errorf("render config: %w", err))
	}

	actx := connector.ActionContext{
		RunID:       a.run.ID,
		StepID:      a.step.ID,
		WorkspaceID: a.run.WorkspaceID,
		WorkflowID:  a.run.WorkflowID,
		NodeID:      a.node.ID,
		Payload: map[string]any{
			"input":  a.run.Input,
			"config": cfg,
		},
	}

	audit := &domain.ToolExecution{
		StepID:         a.step.ID,
		RunID:          a.run.ID,
		Connector:      a.node.Def.Connector,
		Action:         a.node.Def.Action,
		Attempt:        a.job.Attempt,
		IdempotencyKey: a.job.IdempotencyKey,
		Request:        connector.Redact(cfg),
		StartedAt:      w.now().UTC(),
	}

	out, execErr := w.executor.Execute(ctx, a.node.Def.Connector, a.node.Def.Action, actx, a.job.IdempotencyKey)

	audit.EndedAt = w.now().UTC()
	audit.DurationMs = audit.EndedAt.Sub(audit.StartedAt).Milliseconds()
	if execErr != nil {
		audit.Error = execErr.Error()
		return &execution{audit: audit}, execErr
	}
	audit.Response = out

	output, err := a.node.ProjectOutputs(ctx, out)
	if err != nil {
		return &execution{audit: audit}, connector.Permanent(fmt.Errorf("project outputs: %w", err))
	}
	return &execution{output: output, audit: audit}, nil
}

// timeout возвращает таймаут попытки узла.
func (w *Worker) timeout(node *engine.Node) time.Duration {
	if node.Def.TimeoutSec > 0 {
		return time.Duration(node.Def.TimeoutSec) * time.Second
	}
	return w.jobTimeout
}
