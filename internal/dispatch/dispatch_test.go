package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/repo/memory"
	"github.com/shaiso/agentflow/internal/repo/repotest"
	"github.com/shaiso/agentflow/internal/retry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, Backoff: retry.BackoffFixed, Initial: time.Millisecond}

func TestAdvance_SkipsFalsePredicate(t *testing.T) {
	store := memory.New()
	fx := repotest.Publish(t, store, domain.DAGSpec{
		Nodes: []domain.NodeDef{
			{ID: "a", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "b", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "c", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
		},
		Edges: []domain.EdgeDef{
			{From: "a", To: "b", When: "output.ok == true"},
			{From: "b", To: "c"},
		},
	})
	ctx := context.Background()
	q := queue.NewMemory()
	d := New(Config{Steps: store, Queue: q, Retry: fastRetry})

	run, _, err := store.CreateRun(ctx, repo.CreateRunParams{
		WorkflowID: fx.Workflow.ID, VersionID: fx.Version.ID, WorkspaceID: fx.Workspace.ID,
		Trigger: domain.TriggerManual,
	})
	require.NoError(t, err)
	_, dag, err := store.Loader().ForVersion(ctx, fx.Version.ID)
	require.NoError(t, err)

	jobs, err := d.Advance(ctx, run, dag, nil)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	output := map[string]any{"ok": false}
	_, err = store.TransitionStep(ctx, jobs[0].StepID, domain.StepStatusReady, domain.StepStatusSucceeded,
		repo.StepPatch{Output: output})
	require.NoError(t, err)

	steps, err := store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	jobs, err = d.Advance(ctx, run, dag, steps)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	steps, err = store.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		if s.NodeID != "a" {
			assert.Equal(t, domain.StepStatusSkipped, s.Status, s.NodeID)
		}
	}

	// Повторный вызов ничего не создаёт
	jobs, err = d.Advance(ctx, run, dag, steps)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, q.Len())
}
