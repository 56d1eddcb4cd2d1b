package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentflow/internal/domain"
)

// WorkspaceStore — хранилище workspaces.
type WorkspaceStore interface {
	GetWorkspaceBySlug(ctx context.Context, slug string) (*domain.Workspace, error)
	EnsureWorkspace(ctx context.Context, slug, name string) (*domain.Workspace, error)
}

// WorkflowStore — хранилище workflows и их неизменяемых версий.
type WorkflowStore interface {
	GetWorkflowByName(ctx context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error)
	EnsureWorkflow(ctx context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error)
	GetVersion(ctx context.Context, versionID uuid.UUID) (*domain.WorkflowVersion, error)
	GetLatestVersion(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error)
	PublishVersion(ctx context.Context, workflowID uuid.UUID, spec domain.DAGSpec) (*domain.WorkflowVersion, error)
}

// RunStore — хранилище runs.
type RunStore interface {
	// CreateRun создаёт run в статусе pending. При повторном ключе
	// идемпотентности возвращает существующий run и created=false.
	CreateRun(ctx context.Context, params CreateRunParams) (*domain.Run, bool, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	// StartRun переводит run pending → running.
	StartRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)

	// CancelRun переводит run в cancelled и пропускает ещё не захваченные steps.
	CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error)

	// MarkRunTerminal завершает run, если больше нечего выполнять.
	MarkRunTerminal(ctx context.Context, runID uuid.UUID) (*TerminalResult, error)
}

// StepStore — хранилище steps.
type StepStore interface {
	CreateReadySteps(ctx context.Context, runID uuid.UUID, steps []NewStep) ([]domain.Step, error)
	CreateSkippedSteps(ctx context.Context, runID uuid.UUID, steps []NewStep) ([]domain.Step, error)

	// TransitionStep выполняет переход from → to только если текущий
	// статус равен from. Иначе возвращает *StaleTransitionError.
	TransitionStep(ctx context.Context, stepID uuid.UUID, from, to domain.StepStatus, patch StepPatch) (*domain.Step, error)
	GetStep(ctx context.Context, stepID uuid.UUID) (*domain.Step, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]domain.Step, error)
}

// ToolExecutionStore — журнал вызовов коннекторов.
type ToolExecutionStore interface {
	RecordToolExecution(ctx context.Context, exec *domain.ToolExecution) error
	ListToolExecutions(ctx context.Context, stepID uuid.UUID) ([]domain.ToolExecution, error)
}

// Store объединяет все хранилища.
type Store interface {
	WorkspaceStore
	WorkflowStore
	RunStore
	StepStore
	ToolExecutionStore
}

// CreateRunParams — параметры создания run.
type CreateRunParams struct {
	WorkflowID     uuid.UUID
	VersionID      uuid.UUID
	WorkspaceID    uuid.UUID
	Trigger        domain.TriggerKind
	Input          map[string]any
	IdempotencyKey string
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	WorkspaceID *uuid.UUID
	Status      domain.RunStatus
	Limit       int
}

// NewStep — step, который нужно создать для узла.
type NewStep struct {
	NodeID       string
	Type         domain.NodeType
	MaxAttempts  int
	Input        map[string]any
	ScheduledFor *time.Time
}

// StepPatch — изменения, применяемые вместе с переходом статуса.
// Nil-поля не меняются.
type StepPatch struct {
	Output       map[string]any
	Error        *string
	StartedAt    *time.Time
	EndedAt      *time.Time
	ScheduledFor *time.Time

	// IncrementAttempt увеличивает счётчик попыток на 1.
	IncrementAttempt bool
}

// TerminalResult — результат MarkRunTerminal.
type TerminalResult struct {
	Run *domain.Run

	// Changed — true только для вызова, который перевёл run в финальный статус.
	Changed bool
}
