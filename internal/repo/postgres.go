package repo

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentflow/internal/engine"
)

// Postgres — реализация Store поверх PostgreSQL.
type Postgres struct {
	*WorkspaceRepo
	*WorkflowRepo
	*RunRepo
	*StepRepo
	*ToolExecutionRepo

	// Loader — кэш DAG версий, общий для оркестратора и воркера.
	Loader *engine.Loader
}

var _ Store = (*Postgres)(nil)

// New собирает все репозитории над одним пулом соединений.
func New(pool *pgxpool.Pool) *Postgres {
	workflows := NewWorkflowRepo(pool)
	loader := engine.NewLoader(workflows)
	return &Postgres{
		WorkspaceRepo:     NewWorkspaceRepo(pool),
		WorkflowRepo:      workflows,
		RunRepo:           NewRunRepo(pool, loader),
		StepRepo:          NewStepRepo(pool),
		ToolExecutionRepo: NewToolExecutionRepo(pool),
		Loader:            loader,
	}
}
