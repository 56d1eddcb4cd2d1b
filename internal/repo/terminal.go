package repo

import (
	"fmt"
	"strings"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
)

// Verdict — финальный статус run, вычисленный по его steps.
type Verdict struct {
	Status domain.RunStatus
	Output map[string]any
	Error  string
}

// DecideTerminal решает, можно ли завершить run.
//
// Run не завершается, пока есть незавершённые steps или узлы,
// для которых ещё можно создать step. Иначе failed, если есть
// упавшие steps, и completed с выходами успешных sink-узлов.
func DecideTerminal(dag *engine.DAG, run *domain.Run, steps []domain.Step) (Verdict, bool) {
	if run.IsFinished() {
		return Verdict{}, false
	}

	byNode := make(map[string]*domain.Step, len(steps))
	for i := range steps {
		if !steps[i].Status.IsTerminal() {
			return Verdict{}, false
		}
		byNode[steps[i].NodeID] = &steps[i]
	}

	if dag.Pending(engine.NewRunState(run.Input, steps)) {
		return Verdict{}, false
	}

	var failures []string
	for _, node := range dag.Order {
		step, ok := byNode[node.ID]
		if ok && step.Status == domain.StepStatusFailed {
			failures = append(failures, fmt.Sprintf("%s: %s", node.ID, step.Error))
		}
	}
	if len(failures) > 0 {
		return Verdict{
			Status: domain.RunStatusFailed,
			Error:  fmt.Sprintf("%d step(s) failed: %s", len(failures), strings.Join(failures, "; ")),
		}, true
	}

	output := make(map[string]any)
	for _, sink := range dag.Sinks() {
		if step, ok := byNode[sink.ID]; ok && step.Status == domain.StepStatusSucceeded {
			output[sink.ID] = step.Output
		}
	}
	return Verdict{Status: domain.RunStatusCompleted, Output: output}, true
}
