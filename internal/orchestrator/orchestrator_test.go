package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/repo/memory"
	"github.com/shaiso/agentflow/internal/repo/repotest"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

var fastRetry = retry.Policy{MaxAttempts: 3, Backoff: retry.BackoffFixed, Initial: time.Millisecond}

type env struct {
	store   *memory.Store
	queue   *queue.Memory
	metrics *telemetry.MemoryMetrics
	orch    *Orchestrator
	fx      repotest.Fixture
}

func newEnv(t *testing.T, spec domain.DAGSpec) *env {
	t.Helper()
	return newEnvWithQueue(t, spec, nil)
}

func newEnvWithQueue(t *testing.T, spec domain.DAGSpec, q queue.Queue) *env {
	t.Helper()

	e := &env{
		store:   memory.New(),
		queue:   queue.NewMemory(),
		metrics: telemetry.NewMemoryMetrics(),
	}
	if q == nil {
		q = e.queue
	}
	e.fx = repotest.Publish(t, e.store, spec)
	e.orch = New(Config{
		Store:   e.store,
		Loader:  e.store.Loader(),
		Queue:   q,
		Metrics: e.metrics,
		Retry:   fastRetry,
	})
	return e
}

func (e *env) request(key string) Request {
	return Request{
		WorkspaceSlug:  e.fx.Workspace.Slug,
		WorkflowName:   e.fx.Workflow.Name,
		Trigger:        domain.TriggerManual,
		Input:          map[string]any{"name": "ann"},
		IdempotencyKey: key,
	}
}

func single() domain.DAGSpec {
	return domain.DAGSpec{
		Nodes: []domain.NodeDef{{
			ID: "n1", Type: domain.NodeTypeAction, Connector: "core", Action: "transform",
			Config: map[string]any{"greeting": "hello {{ .Input.name }}"},
		}},
	}
}

// failingQueue отказывает первые fail вызовов Add.
type failingQueue struct {
	mu    sync.Mutex
	fail  int
	calls int
	next  queue.Queue
}

func (q *failingQueue) Add(ctx context.Context, job domain.StepJob, opts queue.Options) error {
	q.mu.Lock()
	q.calls++
	failing := q.calls <= q.fail
	q.mu.Unlock()
	if failing {
		return errors.New("broker unavailable")
	}
	return q.next.Add(ctx, job, opts)
}

func TestOrchestrate_SingleNode(t *testing.T) {
	e := newEnv(t, single())
	ctx := context.Background()

	res, err := e.orch.Orchestrate(ctx, e.request(""))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusRunning, res.Status)
	assert.False(t, res.Reused)
	assert.Equal(t, e.fx.Workflow.ID, res.WorkflowID)
	assert.Equal(t, e.fx.Workspace.ID, res.WorkspaceID)
	require.Len(t, res.StepsEnqueued, 1)

	job := res.StepsEnqueued[0]
	assert.Equal(t, "n1", job.NodeID)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, domain.AttemptKey(job.StepID, 1), job.IdempotencyKey)
	assert.Equal(t, "hello ann", job.Payload["config"].(map[string]any)["greeting"])

	steps, err := e.store.ListSteps(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepStatusReady, steps[0].Status)
	assert.Equal(t, 0, steps[0].Attempt)
	assert.Equal(t, domain.DefaultMaxAttempts, steps[0].MaxAttempts)

	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 1, e.metrics.Count(telemetry.StepsEnqueued))
	assert.Equal(t, 1, e.metrics.CountWith(telemetry.StepsEnqueued, map[string]string{telemetry.LabelConnector: "core"}))
	assert.Equal(t, 1, e.metrics.Count(telemetry.RunsStarted))
}

func TestOrchestrate_RootsOnly(t *testing.T) {
	e := newEnv(t, domain.DAGSpec{
		Nodes: []domain.NodeDef{
			{ID: "a", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "b", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "c", Type: domain.NodeTypeAction, Connector: "core", Action: "noop",
				Retry: &domain.RetryPolicy{MaxAttempts: 5}},
		},
		Edges: []domain.EdgeDef{{From: "a", To: "b"}},
	})

	res, err := e.orch.Orchestrate(context.Background(), e.request(""))
	require.NoError(t, err)

	nodes := make([]string, 0, len(res.StepsEnqueued))
	for _, job := range res.StepsEnqueued {
		nodes = append(nodes, job.NodeID)
	}
	assert.ElementsMatch(t, []string{"a", "c"}, nodes)

	steps, err := e.store.ListSteps(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		if s.NodeID == "c" {
			assert.Equal(t, 5, s.MaxAttempts)
		}
	}
}

func TestOrchestrate_Idempotent(t *testing.T) {
	e := newEnv(t, single())
	ctx := context.Background()

	first, err := e.orch.Orchestrate(ctx, e.request("req-1"))
	require.NoError(t, err)

	second, err := e.orch.Orchestrate(ctx, e.request("req-1"))
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, second.Reused)
	require.Len(t, second.StepsEnqueued, 1)
	assert.Equal(t, first.StepsEnqueued[0].StepID, second.StepsEnqueued[0].StepID)

	// Второй вызов ничего не ставит в очередь
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 1, e.metrics.Count(telemetry.RunsStarted))

	runs, err := e.store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestOrchestrate_ConcurrentSameKey(t *testing.T) {
	e := newEnv(t, single())
	ctx := context.Background()

	const callers = 10
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.orch.Orchestrate(ctx, e.request("same"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].RunID, res.RunID)
		if !res.Reused {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	steps, err := e.store.ListSteps(ctx, results[0].RunID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
	assert.Equal(t, 1, e.metrics.Count(telemetry.RunsStarted))

	// Корневой job поставлен ровно один раз
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 1, e.metrics.Count(telemetry.StepsEnqueued))
}

// heldStore задерживает первый StartRun, пока тест не отпустит его.
type heldStore struct {
	*memory.Store
	held    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (s *heldStore) StartRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	if s.held.CompareAndSwap(false, true) {
		close(s.entered)
		<-s.release
	}
	return s.Store.StartRun(ctx, runID)
}

func TestOrchestrate_SameKeyWhilePending(t *testing.T) {
	mem := memory.New()
	store := &heldStore{Store: mem, entered: make(chan struct{}), release: make(chan struct{})}
	fx := repotest.Publish(t, mem, single())
	q := queue.NewMemory()
	metrics := telemetry.NewMemoryMetrics()

	newOrch := func() *Orchestrator {
		return New(Config{Store: store, Loader: mem.Loader(), Queue: q, Metrics: metrics, Retry: fastRetry})
	}
	leader, follower := newOrch(), newOrch()

	req := Request{
		WorkspaceSlug:  fx.Workspace.Slug,
		WorkflowName:   fx.Workflow.Name,
		IdempotencyKey: "same",
	}
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := leader.Orchestrate(ctx, req)
		done <- outcome{res, err}
	}()

	// Лидер создал run и поставил корневой job, но ещё не запустил run
	<-store.entered
	run, err := mem.GetRun(ctx, mustRunID(t, mem))
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusPending, run.Status)

	second, err := follower.Orchestrate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, run.ID, second.RunID)
	assert.True(t, second.Reused)
	assert.Empty(t, second.StepsEnqueued)

	close(store.release)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, run.ID, first.res.RunID)
	assert.False(t, first.res.Reused)
	assert.Len(t, first.res.StepsEnqueued, 1)

	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, metrics.Count(telemetry.StepsEnqueued))
	assert.Equal(t, 1, metrics.Count(telemetry.RunsStarted))
}

func mustRunID(t *testing.T, s *memory.Store) uuid.UUID {
	t.Helper()
	runs, err := s.ListRuns(context.Background(), repo.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0].ID
}

func TestOrchestrate_CallerErrors(t *testing.T) {
	e := newEnv(t, single())
	ctx := context.Background()

	cyclic := domain.DAGSpec{
		Nodes: []domain.NodeDef{
			{ID: "a", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
			{ID: "b", Type: domain.NodeTypeAction, Connector: "core", Action: "noop"},
		},
		Edges: []domain.EdgeDef{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	broken, err := e.store.EnsureWorkflow(ctx, e.fx.Workspace.ID, "broken")
	require.NoError(t, err)
	_, err = e.store.PublishVersion(ctx, broken.ID, cyclic)
	require.NoError(t, err)

	_, err = e.store.EnsureWorkflow(ctx, e.fx.Workspace.ID, "unpublished")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(r *Request)
		target error
	}{
		{"unknown workspace", func(r *Request) { r.WorkspaceSlug = "nope" }, ErrWorkspaceNotFound},
		{"unknown workflow", func(r *Request) { r.WorkflowName = "nope" }, ErrWorkflowNotFound},
		{"no published version", func(r *Request) { r.WorkflowName = "unpublished" }, ErrWorkflowNotFound},
		{"invalid dag", func(r *Request) { r.WorkflowName = "broken" }, engine.ErrInvalidDag},
		{"missing workflow name", func(r *Request) { r.WorkflowName = "" }, ErrInvalidRequest},
		{"unknown trigger", func(r *Request) { r.Trigger = "cron" }, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := e.request("")
			tt.mutate(&req)

			_, err := e.orch.Orchestrate(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, isCallerError(err))
		})
	}

	runs, err := e.store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, 0, e.metrics.Count(telemetry.RunsFailed))
	assert.Equal(t, 0, e.queue.Len())
}

func TestOrchestrate_EnqueueFailure(t *testing.T) {
	mem := queue.NewMemory()
	fq := &failingQueue{fail: 100, next: mem}
	e := newEnvWithQueue(t, single(), fq)
	ctx := context.Background()

	_, err := e.orch.Orchestrate(ctx, e.request("k"))
	require.Error(t, err)
	assert.Equal(t, fastRetry.MaxAttempts, fq.calls)
	assert.Equal(t, 1, e.metrics.Count(telemetry.RunsFailed))

	runs, err := e.store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStatusPending, runs[0].Status)

	steps, err := e.store.ListSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepStatusReady, steps[0].Status)

	// Брокер вернулся: тот же ключ запускает run, но не ставит
	// существующий ready step повторно
	fq.mu.Lock()
	fq.fail = 0
	fq.mu.Unlock()

	res, err := e.orch.Orchestrate(ctx, e.request("k"))
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, runs[0].ID, res.RunID)
	assert.Equal(t, domain.RunStatusRunning, res.Status)
	assert.Empty(t, res.StepsEnqueued)
	assert.Equal(t, 0, mem.Len())
	assert.Equal(t, 0, e.metrics.Count(telemetry.StepsEnqueued))

	steps, err = e.store.ListSteps(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.StepStatusReady, steps[0].Status)
}

func TestOrchestrate_EnqueueRetried(t *testing.T) {
	mem := queue.NewMemory()
	fq := &failingQueue{fail: 2, next: mem}
	e := newEnvWithQueue(t, single(), fq)

	res, err := e.orch.Orchestrate(context.Background(), e.request(""))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusRunning, res.Status)
	assert.Equal(t, 3, fq.calls)
	assert.Equal(t, 1, mem.Len())
}

func TestOrchestrate_EmptyDAG(t *testing.T) {
	e := newEnv(t, domain.DAGSpec{})

	res, err := e.orch.Orchestrate(context.Background(), e.request(""))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, res.Status)
	assert.Empty(t, res.StepsEnqueued)
	assert.Equal(t, 1, e.metrics.Count(telemetry.RunsCompleted))
}

func TestOrchestrate_WaitRoot(t *testing.T) {
	e := newEnv(t, domain.DAGSpec{
		Nodes: []domain.NodeDef{{ID: "pause", Type: domain.NodeTypeWait, Config: map[string]any{"duration": "1h"}}},
	})

	res, err := e.orch.Orchestrate(context.Background(), e.request(""))
	require.NoError(t, err)
	require.Len(t, res.StepsEnqueued, 1)

	job := res.StepsEnqueued[0]
	require.NotNil(t, job.ScheduledFor)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *job.ScheduledFor, time.Minute)

	// Job ещё не созрел
	_, ok := e.queue.TryPull()
	assert.False(t, ok)
	assert.Equal(t, 1, e.queue.Len())
	assert.Equal(t, 1, e.metrics.CountWith(telemetry.StepsEnqueued, map[string]string{telemetry.LabelConnector: "wait"}))
}

func TestHandleRunRequested(t *testing.T) {
	e := newEnv(t, single())
	ctx := context.Background()

	ok := e.request("msg-1")
	err := e.orch.handleRunRequested(ctx, &mq.Delivery{
		Message: *mq.NewMessage(mq.MessageTypeRunRequested, map[string]any{
			"workspace_slug":  ok.WorkspaceSlug,
			"workflow_name":   ok.WorkflowName,
			"trigger":         "webhook",
			"idempotency_key": ok.IdempotencyKey,
		}),
	})
	require.NoError(t, err)

	runs, err := e.store.ListRuns(ctx, repo.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.TriggerWebhook, runs[0].Trigger)

	// Неизвестный workflow — отказ без повторной доставки
	err = e.orch.handleRunRequested(ctx, &mq.Delivery{
		Message: *mq.NewMessage(mq.MessageTypeRunRequested, Request{
			WorkspaceSlug: ok.WorkspaceSlug,
			WorkflowName:  "missing-" + uuid.NewString(),
		}),
	})
	assert.ErrorIs(t, err, mq.ErrReject)
}

func TestStart_RequiresConnection(t *testing.T) {
	e := newEnv(t, single())
	assert.Error(t, e.orch.Start(context.Background()))
}
