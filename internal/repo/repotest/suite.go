// Package repotest — общие тесты поведения repo.Store.
//
// Один набор проверок запускается и для хранилища в памяти,
// и для PostgreSQL (integration).
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/repo"
)

// Fixture — опубликованный workflow a → b для тестов.
type Fixture struct {
	Workspace *domain.Workspace
	Workflow  *domain.Workflow
	Version   *domain.WorkflowVersion
}

// ChainSpec — DAG из двух action-узлов a → b.
func ChainSpec() domain.DAGSpec {
	return domain.DAGSpec{
		Nodes: []domain.NodeDef{
			{ID: "a", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "b", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
		},
		Edges: []domain.EdgeDef{{From: "a", To: "b"}},
	}
}

// Publish создаёт workspace, workflow и версию с переданным DAG.
func Publish(t *testing.T, s repo.Store, spec domain.DAGSpec) Fixture {
	t.Helper()
	ctx := context.Background()

	ws, err := s.EnsureWorkspace(ctx, "ws-"+uuid.NewString()[:8], "")
	require.NoError(t, err)
	wf, err := s.EnsureWorkflow(ctx, ws.ID, "wf")
	require.NoError(t, err)
	v, err := s.PublishVersion(ctx, wf.ID, spec)
	require.NoError(t, err)

	return Fixture{Workspace: ws, Workflow: wf, Version: v}
}

func (f Fixture) params(key string) repo.CreateRunParams {
	return repo.CreateRunParams{
		WorkflowID:     f.Workflow.ID,
		VersionID:      f.Version.ID,
		WorkspaceID:    f.Workspace.ID,
		Trigger:        domain.TriggerManual,
		Input:          map[string]any{"x": "1"},
		IdempotencyKey: key,
	}
}

// Run запускает все проверки для хранилища, созданного newStore.
func Run(t *testing.T, newStore func(t *testing.T) repo.Store) {
	t.Run("Versions", func(t *testing.T) { testVersions(t, newStore(t)) })
	t.Run("CreateRunIdempotent", func(t *testing.T) { testCreateRunIdempotent(t, newStore(t)) })
	t.Run("CreateRunConcurrent", func(t *testing.T) { testCreateRunConcurrent(t, newStore(t)) })
	t.Run("CreateSteps", func(t *testing.T) { testCreateSteps(t, newStore(t)) })
	t.Run("TransitionExactlyOnce", func(t *testing.T) { testTransitionExactlyOnce(t, newStore(t)) })
	t.Run("TransitionPatch", func(t *testing.T) { testTransitionPatch(t, newStore(t)) })
	t.Run("StartRun", func(t *testing.T) { testStartRun(t, newStore(t)) })
	t.Run("CancelRun", func(t *testing.T) { testCancelRun(t, newStore(t)) })
	t.Run("MarkRunTerminalCompleted", func(t *testing.T) { testMarkRunTerminalCompleted(t, newStore(t)) })
	t.Run("MarkRunTerminalFailed", func(t *testing.T) { testMarkRunTerminalFailed(t, newStore(t)) })
	t.Run("ToolExecutions", func(t *testing.T) { testToolExecutions(t, newStore(t)) })
}

func testVersions(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())

	second, err := s.PublishVersion(ctx, f.Workflow.ID, ChainSpec())
	require.NoError(t, err)
	assert.Equal(t, f.Version.Version+1, second.Version)

	latest, err := s.GetLatestVersion(ctx, f.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	wf, err := s.GetWorkflowByName(ctx, f.Workspace.ID, "wf")
	require.NoError(t, err)
	require.NotNil(t, wf.LatestVersionID)
	assert.Equal(t, second.ID, *wf.LatestVersionID)

	got, err := s.GetVersion(ctx, f.Version.ID)
	require.NoError(t, err)
	assert.Len(t, got.DAG.Nodes, 2)

	_, err = s.GetWorkflowByName(ctx, f.Workspace.ID, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func testCreateRunIdempotent(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())

	first, created, err := s.CreateRun(ctx, f.params("k1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RunStatusPending, first.Status)
	assert.Equal(t, "1", first.Input["x"])

	again, created, err := s.CreateRun(ctx, f.params("k1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	other, created, err := s.CreateRun(ctx, f.params("k2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	// Без ключа каждый вызов создаёт новый run
	a, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	b, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func testCreateRunConcurrent(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[uuid.UUID]bool)
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, ok, err := s.CreateRun(ctx, f.params("same"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[run.ID] = true
			if ok {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func testCreateSteps(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)

	created, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, domain.StepStatusReady, created[0].Status)
	assert.Equal(t, 0, created[0].Attempt)
	assert.Equal(t, domain.DefaultMaxAttempts, created[0].MaxAttempts)

	// Повторное создание для того же узла ничего не возвращает
	again, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{
		{NodeID: "a", Type: domain.NodeTypeAction},
		{NodeID: "b", Type: domain.NodeTypeAction, MaxAttempts: 5},
	})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", again[0].NodeID)
	assert.Equal(t, 5, again[0].MaxAttempts)

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	skipped, err := s.CreateSkippedSteps(ctx, run.ID, []repo.NewStep{{NodeID: "c", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	require.Len(t, skipped, 1)
	assert.Equal(t, domain.StepStatusSkipped, skipped[0].Status)
	assert.NotNil(t, skipped[0].EndedAt)

	_, err = s.CreateReadySteps(ctx, uuid.New(), []repo.NewStep{{NodeID: "a"}})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func testTransitionExactlyOnce(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	created, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	stepID := created[0].ID

	const workers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    int
		stale  int
		others []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			_, err := s.TransitionStep(ctx, stepID, domain.StepStatusReady, domain.StepStatusRunning,
				repo.StepPatch{StartedAt: &now, IncrementAttempt: true})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, repo.ErrStaleTransition):
				stale++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 1, won)
	assert.Equal(t, workers-1, stale)

	step, err := s.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusRunning, step.Status)
	assert.Equal(t, 1, step.Attempt)
}

func testTransitionPatch(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	created, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	stepID := created[0].ID

	_, err = s.TransitionStep(ctx, stepID, domain.StepStatusReady, domain.StepStatusRunning,
		repo.StepPatch{IncrementAttempt: true})
	require.NoError(t, err)

	msg := "boom"
	later := time.Now().UTC().Add(time.Minute)
	step, err := s.TransitionStep(ctx, stepID, domain.StepStatusRunning, domain.StepStatusReady,
		repo.StepPatch{Error: &msg, ScheduledFor: &later})
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusReady, step.Status)
	assert.Equal(t, "boom", step.Error)
	require.NotNil(t, step.ScheduledFor)
	assert.WithinDuration(t, later, *step.ScheduledFor, time.Millisecond)
	assert.Equal(t, 1, step.Attempt)

	_, err = s.TransitionStep(ctx, stepID, domain.StepStatusReady, domain.StepStatusRunning,
		repo.StepPatch{IncrementAttempt: true})
	require.NoError(t, err)

	now := time.Now().UTC()
	step, err = s.TransitionStep(ctx, stepID, domain.StepStatusRunning, domain.StepStatusSucceeded,
		repo.StepPatch{Output: map[string]any{"ok": true}, EndedAt: &now})
	require.NoError(t, err)
	assert.Equal(t, 2, step.Attempt)
	assert.Equal(t, true, step.Output["ok"])

	_, err = s.TransitionStep(ctx, stepID, domain.StepStatusRunning, domain.StepStatusFailed, repo.StepPatch{})
	var staleErr *repo.StaleTransitionError
	require.ErrorAs(t, err, &staleErr)
	assert.Equal(t, domain.StepStatusRunning, staleErr.Expected)
	assert.Equal(t, domain.StepStatusSucceeded, staleErr.Actual)

	_, err = s.TransitionStep(ctx, uuid.New(), domain.StepStatusReady, domain.StepStatusRunning, repo.StepPatch{})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func testStartRun(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)

	started, err := s.StartRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = s.StartRun(ctx, run.ID)
	assert.ErrorIs(t, err, repo.ErrStaleTransition)

	_, err = s.StartRun(ctx, uuid.New())
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func testCancelRun(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	created, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)

	cancelled, err := s.CancelRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.EndedAt)

	step, err := s.GetStep(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepStatusSkipped, step.Status)

	_, err = s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "b", Type: domain.NodeTypeAction}})
	assert.ErrorIs(t, err, repo.ErrRunFinished)

	_, err = s.CancelRun(ctx, run.ID)
	assert.ErrorIs(t, err, repo.ErrStaleTransition)

	res, err := s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.RunStatusCancelled, res.Run.Status)
}

// finish проводит step через running в указанный финальный статус.
func finish(t *testing.T, s repo.Store, stepID uuid.UUID, to domain.StepStatus, output map[string]any, msg string) {
	t.Helper()
	ctx := context.Background()

	_, err := s.TransitionStep(ctx, stepID, domain.StepStatusReady, domain.StepStatusRunning,
		repo.StepPatch{IncrementAttempt: true})
	require.NoError(t, err)

	now := time.Now().UTC()
	patch := repo.StepPatch{Output: output, EndedAt: &now}
	if msg != "" {
		patch.Error = &msg
	}
	_, err = s.TransitionStep(ctx, stepID, domain.StepStatusRunning, to, patch)
	require.NoError(t, err)
}

func testMarkRunTerminalCompleted(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	_, err = s.StartRun(ctx, run.ID)
	require.NoError(t, err)

	a, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)

	// a ещё не завершён
	res, err := s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.RunStatusRunning, res.Run.Status)

	finish(t, s, a[0].ID, domain.StepStatusSucceeded, map[string]any{"v": "a"}, "")

	// b ещё можно создать
	res, err = s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	b, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "b", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	finish(t, s, b[0].ID, domain.StepStatusSucceeded, map[string]any{"v": "b"}, "")

	res, err = s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.RunStatusCompleted, res.Run.Status)
	assert.NotNil(t, res.Run.EndedAt)
	require.Contains(t, res.Run.Output, "b")
	assert.NotContains(t, res.Run.Output, "a")

	res, err = s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, domain.RunStatusCompleted, res.Run.Status)
}

func testMarkRunTerminalFailed(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)

	a, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)
	finish(t, s, a[0].ID, domain.StepStatusFailed, nil, "connection refused")

	res, err := s.MarkRunTerminal(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, domain.RunStatusFailed, res.Run.Status)
	assert.Contains(t, res.Run.Error, "a: connection refused")
	assert.NotNil(t, res.Run.StartedAt)
}

func testToolExecutions(t *testing.T, s repo.Store) {
	ctx := context.Background()
	f := Publish(t, s, ChainSpec())
	run, _, err := s.CreateRun(ctx, f.params(""))
	require.NoError(t, err)
	created, err := s.CreateReadySteps(ctx, run.ID, []repo.NewStep{{NodeID: "a", Type: domain.NodeTypeAction}})
	require.NoError(t, err)

	now := time.Now().UTC()
	exec := &domain.ToolExecution{
		StepID:         created[0].ID,
		RunID:          run.ID,
		Connector:      "http",
		Action:         "get",
		Attempt:        1,
		IdempotencyKey: domain.AttemptKey(created[0].ID, 1),
		Request:        map[string]any{"url": "http://example"},
		Error:          "timeout",
		DurationMs:     12,
		StartedAt:      now,
		EndedAt:        now,
	}
	require.NoError(t, s.RecordToolExecution(ctx, exec))
	assert.NotEqual(t, uuid.Nil, exec.ID)

	execs, err := s.ListToolExecutions(ctx, created[0].ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "timeout", execs[0].Error)
	assert.Equal(t, "http://example", execs[0].Request["url"])
}
