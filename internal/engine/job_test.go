package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/agentflow/internal/domain"
)

func TestNode_RenderConfig(t *testing.T) {
	dag := mustBuild(t, &domain.DAGSpec{
		Nodes: []domain.NodeDef{{
			ID: "a", Type: domain.NodeTypeAction, Connector: "http", Action: "get",
			Config: map[string]any{"url": "{{ .Input.base }}/{{ .Run.ID }}"},
		}},
	})

	run := &domain.Run{ID: uuid.New(), Input: map[string]any{"base": "https://x"}}
	cfg, err := dag.GetNode("a").RenderConfig(run, NewRunState(run.Input, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg["url"] != "https://x/"+run.ID.String() {
		t.Errorf("unexpected url %v", cfg["url"])
	}
}

func TestNewStepJob(t *testing.T) {
	dag := mustBuild(t, &domain.DAGSpec{
		Nodes: []domain.NodeDef{{ID: "a", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"}},
	})

	run := &domain.Run{ID: uuid.New(), WorkflowID: uuid.New(), WorkspaceID: uuid.New(), Input: map[string]any{"k": 1}}
	step := &domain.Step{ID: uuid.New(), NodeID: "a", Input: map[string]any{"x": "y"}}

	job := NewStepJob(run, dag.GetNode("a"), step, 2)

	if job.Attempt != 2 || job.IdempotencyKey != step.ID.String()+":attempt:2" {
		t.Errorf("unexpected attempt/key: %d %s", job.Attempt, job.IdempotencyKey)
	}
	if job.Connector != "core" || job.Action != "noop" || job.NodeType != domain.NodeTypeAction {
		t.Errorf("unexpected node fields: %+v", job)
	}
	if job.RunID != run.ID || job.WorkspaceID != run.WorkspaceID {
		t.Errorf("run ids not carried")
	}
	if job.Payload["config"].(map[string]any)["x"] != "y" {
		t.Errorf("config not carried in payload")
	}
}
