// Package memory — хранилище в памяти с той же семантикой, что и PostgreSQL.
//
// Используется в тестах и в локальном режиме CLI (orchestrate --local).
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/repo"
)

// Store — реализация repo.Store в памяти. Все операции выполняются
// под одной блокировкой, что даёт ту же атомарность, что и транзакции БД.
type Store struct {
	mu sync.Mutex

	workspaces map[uuid.UUID]*domain.Workspace
	workflows  map[uuid.UUID]*domain.Workflow
	versions   map[uuid.UUID]*domain.WorkflowVersion
	runs       map[uuid.UUID]*domain.Run
	steps      map[uuid.UUID]*domain.Step
	execs      []domain.ToolExecution

	// runKeys — (workspace, idempotency key) → run.
	runKeys map[string]uuid.UUID

	// stepNodes — (run, node) → step.
	stepNodes map[string]uuid.UUID

	loader *engine.Loader
	now    func() time.Time
}

var _ repo.Store = (*Store)(nil)

// New создаёт пустое хранилище.
func New() *Store {
	s := &Store{
		workspaces: make(map[uuid.UUID]*domain.Workspace),
		workflows:  make(map[uuid.UUID]*domain.Workflow),
		versions:   make(map[uuid.UUID]*domain.WorkflowVersion),
		runs:       make(map[uuid.UUID]*domain.Run),
		steps:      make(map[uuid.UUID]*domain.Step),
		runKeys:    make(map[string]uuid.UUID),
		stepNodes:  make(map[string]uuid.UUID),
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.loader = engine.NewLoader(s)
	return s
}

// Loader возвращает кэш DAG поверх этого хранилища.
func (s *Store) Loader() *engine.Loader {
	return s.loader
}

// --- Workspaces ---

// GetWorkspaceBySlug возвращает workspace по slug.
func (s *Store) GetWorkspaceBySlug(_ context.Context, slug string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workspaceBySlug(slug)
}

func (s *Store) workspaceBySlug(slug string) (*domain.Workspace, error) {
	for _, ws := range s.workspaces {
		if ws.Slug == slug {
			cp := *ws
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

// EnsureWorkspace возвращает workspace по slug, создавая его при отсутствии.
func (s *Store) EnsureWorkspace(_ context.Context, slug, name string) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ws, err := s.workspaceBySlug(slug); err == nil {
		return ws, nil
	}
	if name == "" {
		name = slug
	}
	ws := &domain.Workspace{ID: uuid.New(), Slug: slug, Name: name, CreatedAt: s.now()}
	s.workspaces[ws.ID] = ws
	cp := *ws
	return &cp, nil
}

// --- Workflows ---

// GetWorkflowByName возвращает workflow по имени в рамках workspace.
func (s *Store) GetWorkflowByName(_ context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflowByName(workspaceID, name)
}

func (s *Store) workflowByName(workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	for _, wf := range s.workflows {
		if wf.WorkspaceID == workspaceID && wf.Name == name {
			cp := *wf
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

// EnsureWorkflow возвращает workflow по имени, создавая его при отсутствии.
func (s *Store) EnsureWorkflow(_ context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf, err := s.workflowByName(workspaceID, name); err == nil {
		return wf, nil
	}
	if _, ok := s.workspaces[workspaceID]; !ok {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, repo.ErrNotFound)
	}
	wf := &domain.Workflow{ID: uuid.New(), WorkspaceID: workspaceID, Name: name, CreatedAt: s.now()}
	s.workflows[wf.ID] = wf
	cp := *wf
	return &cp, nil
}

// PublishVersion сохраняет DAG как новую версию и делает её последней.
func (s *Store) PublishVersion(_ context.Context, workflowID uuid.UUID, spec domain.DAGSpec) (*domain.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, repo.ErrNotFound
	}

	next := 1
	for _, v := range s.versions {
		if v.WorkflowID == workflowID && v.Version >= next {
			next = v.Version + 1
		}
	}

	v := &domain.WorkflowVersion{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		Version:    next,
		DAG:        spec,
		CreatedAt:  s.now(),
	}
	s.versions[v.ID] = v
	id := v.ID
	wf.LatestVersionID = &id

	cp := *v
	return &cp, nil
}

// GetVersion возвращает версию по ID.
func (s *Store) GetVersion(_ context.Context, versionID uuid.UUID) (*domain.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[versionID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// GetLatestVersion возвращает последнюю версию workflow.
func (s *Store) GetLatestVersion(_ context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok || wf.LatestVersionID == nil {
		return nil, repo.ErrNotFound
	}
	cp := *s.versions[*wf.LatestVersionID]
	return &cp, nil
}

// --- Runs ---

// CreateRun создаёт run в статусе pending (идемпотентно по ключу).
func (s *Store) CreateRun(_ context.Context, params repo.CreateRunParams) (*domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ""
	if params.IdempotencyKey != "" {
		key = params.WorkspaceID.String() + ":" + params.IdempotencyKey
		if id, ok := s.runKeys[key]; ok {
			return copyRun(s.runs[id]), false, nil
		}
	}

	run := &domain.Run{
		ID:             uuid.New(),
		WorkflowID:     params.WorkflowID,
		VersionID:      params.VersionID,
		WorkspaceID:    params.WorkspaceID,
		Status:         domain.RunStatusPending,
		Trigger:        params.Trigger,
		Input:          params.Input,
		IdempotencyKey: params.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	s.runs[run.ID] = run
	if key != "" {
		s.runKeys[key] = run.ID
	}
	return copyRun(run), true, nil
}

// GetRun возвращает run по ID.
func (s *Store) GetRun(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return copyRun(run), nil
}

// ListRuns возвращает runs с фильтрацией, новые первыми.
func (s *Store) ListRuns(_ context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := make([]domain.Run, 0)
	for _, run := range s.runs {
		if filter.WorkspaceID != nil && run.WorkspaceID != *filter.WorkspaceID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		runs = append(runs, *copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// StartRun переводит run pending → running.
func (s *Store) StartRun(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if run.Status != domain.RunStatusPending {
		return nil, staleRun(runID, domain.RunStatusPending, run.Status)
	}
	now := s.now()
	run.Status = domain.RunStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	return copyRun(run), nil
}

// CancelRun переводит run в cancelled и пропускает pending/ready steps.
func (s *Store) CancelRun(_ context.Context, runID uuid.UUID) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return nil, staleRun(runID, domain.RunStatusRunning, run.Status)
	}

	now := s.now()
	run.Status = domain.RunStatusCancelled
	run.EndedAt = &now

	for _, step := range s.steps {
		if step.RunID != runID {
			continue
		}
		if step.Status == domain.StepStatusPending || step.Status == domain.StepStatusReady {
			step.Status = domain.StepStatusSkipped
			step.EndedAt = &now
		}
	}
	return copyRun(run), nil
}

// MarkRunTerminal завершает run, если больше нечего выполнять.
func (s *Store) MarkRunTerminal(ctx context.Context, runID uuid.UUID) (*repo.TerminalResult, error) {
	s.mu.Lock()
	run, ok := s.runs[runID]
	if !ok {
		s.mu.Unlock()
		return nil, repo.ErrNotFound
	}
	versionID := run.VersionID
	s.mu.Unlock()

	// Loader обращается к хранилищу сам, поэтому DAG загружается без блокировки
	_, dag, err := s.loader.ForVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load dag: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	verdict, ok := repo.DecideTerminal(dag, run, s.runSteps(runID))
	if !ok {
		return &repo.TerminalResult{Run: copyRun(run)}, nil
	}

	now := s.now()
	run.Status = verdict.Status
	run.Output = verdict.Output
	run.Error = verdict.Error
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.EndedAt = &now
	return &repo.TerminalResult{Run: copyRun(run), Changed: true}, nil
}

// --- Steps ---

// CreateReadySteps создаёт steps в статусе ready.
func (s *Store) CreateReadySteps(_ context.Context, runID uuid.UUID, steps []repo.NewStep) ([]domain.Step, error) {
	return s.createSteps(runID, steps, domain.StepStatusReady)
}

// CreateSkippedSteps создаёт steps в статусе skipped.
func (s *Store) CreateSkippedSteps(_ context.Context, runID uuid.UUID, steps []repo.NewStep) ([]domain.Step, error) {
	return s.createSteps(runID, steps, domain.StepStatusSkipped)
}

func (s *Store) createSteps(runID uuid.UUID, steps []repo.NewStep, status domain.StepStatus) ([]domain.Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if run.Status.IsTerminal() {
		return nil, repo.ErrRunFinished
	}

	now := s.now()
	var created []domain.Step
	for _, ns := range steps {
		key := runID.String() + ":" + ns.NodeID
		if _, exists := s.stepNodes[key]; exists {
			continue
		}

		maxAttempts := ns.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = domain.DefaultMaxAttempts
		}
		step := &domain.Step{
			ID:           uuid.New(),
			RunID:        runID,
			NodeID:       ns.NodeID,
			Type:         ns.Type,
			Status:       status,
			MaxAttempts:  maxAttempts,
			ScheduledFor: ns.ScheduledFor,
			Input:        ns.Input,
			CreatedAt:    now,
		}
		if status.IsTerminal() {
			ended := now
			step.EndedAt = &ended
		}
		s.steps[step.ID] = step
		s.stepNodes[key] = step.ID
		created = append(created, *step)
	}
	return created, nil
}

// TransitionStep выполняет условный переход статуса step.
func (s *Store) TransitionStep(_ context.Context, stepID uuid.UUID, from, to domain.StepStatus, patch repo.StepPatch) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if step.Status != from {
		return nil, &repo.StaleTransitionError{StepID: stepID, Expected: from, Actual: step.Status}
	}

	step.Status = to
	if patch.Output != nil {
		step.Output = patch.Output
	}
	if patch.Error != nil {
		step.Error = *patch.Error
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		step.EndedAt = patch.EndedAt
	}
	if patch.ScheduledFor != nil {
		step.ScheduledFor = patch.ScheduledFor
	}
	if patch.IncrementAttempt {
		step.Attempt++
	}

	cp := *step
	return &cp, nil
}

// GetStep возвращает step по ID.
func (s *Store) GetStep(_ context.Context, stepID uuid.UUID) (*domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[stepID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *step
	return &cp, nil
}

// ListSteps возвращает steps run в порядке создания.
func (s *Store) ListSteps(_ context.Context, runID uuid.UUID) ([]domain.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runSteps(runID), nil
}

func (s *Store) runSteps(runID uuid.UUID) []domain.Step {
	steps := make([]domain.Step, 0)
	for _, step := range s.steps {
		if step.RunID == runID {
			steps = append(steps, *step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].NodeID < steps[j].NodeID
	})
	return steps
}

// --- Tool executions ---

// RecordToolExecution сохраняет запись о попытке вызова коннектора.
func (s *Store) RecordToolExecution(_ context.Context, exec *domain.ToolExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	s.execs = append(s.execs, *exec)
	return nil
}

// ListToolExecutions возвращает попытки вызова коннектора для step.
func (s *Store) ListToolExecutions(_ context.Context, stepID uuid.UUID) ([]domain.ToolExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execs := make([]domain.ToolExecution, 0)
	for _, exec := range s.execs {
		if exec.StepID == stepID {
			execs = append(execs, exec)
		}
	}
	return execs, nil
}

func copyRun(run *domain.Run) *domain.Run {
	cp := *run
	return &cp
}

func staleRun(runID uuid.UUID, expected, actual domain.RunStatus) error {
	return fmt.Errorf("%w: run %s: expected %s, actual %s", repo.ErrStaleTransition, runID, expected, actual)
}
