package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentflow/internal/domain"
)

// WorkflowRepo — репозиторий для работы с workflows и версиями.
type WorkflowRepo struct {
	pool *pgxpool.Pool
}

// NewWorkflowRepo создаёт новый WorkflowRepo.
func NewWorkflowRepo(pool *pgxpool.Pool) *WorkflowRepo {
	return &WorkflowRepo{pool: pool}
}

const workflowColumns = `id, workspace_id, name, latest_version_id, created_at`

// GetWorkflowByName возвращает workflow по имени в рамках workspace.
func (r *WorkflowRepo) GetWorkflowByName(ctx context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE workspace_id = $1 AND name = $2`
	return scanWorkflow(r.pool.QueryRow(ctx, query, workspaceID, name))
}

// EnsureWorkflow возвращает workflow по имени, создавая его при отсутствии.
func (r *WorkflowRepo) EnsureWorkflow(ctx context.Context, workspaceID uuid.UUID, name string) (*domain.Workflow, error) {
	query := `
		INSERT INTO workflows (id, workspace_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, name) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, uuid.New(), workspaceID, name, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	return r.GetWorkflowByName(ctx, workspaceID, name)
}

// PublishVersion сохраняет DAG как новую неизменяемую версию
// и делает её последней.
func (r *WorkflowRepo) PublishVersion(ctx context.Context, workflowID uuid.UUID, spec domain.DAGSpec) (*domain.WorkflowVersion, error) {
	dagJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal dag: %w", err)
	}

	var version *domain.WorkflowVersion
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		// Блокируем workflow, чтобы номера версий не пересекались
		var id uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM workflows WHERE id = $1 FOR UPDATE`, workflowID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock workflow: %w", err)
		}

		var next int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_versions WHERE workflow_id = $1`,
			workflowID,
		).Scan(&next)
		if err != nil {
			return fmt.Errorf("next version: %w", err)
		}

		version = &domain.WorkflowVersion{
			ID:         uuid.New(),
			WorkflowID: workflowID,
			Version:    next,
			DAG:        spec,
			CreatedAt:  time.Now().UTC(),
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_versions (id, workflow_id, version, dag, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, version.ID, version.WorkflowID, version.Version, dagJSON, version.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyExists
			}
			return fmt.Errorf("insert version: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE workflows SET latest_version_id = $2 WHERE id = $1`, workflowID, version.ID)
		if err != nil {
			return fmt.Errorf("update latest version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

// GetVersion возвращает версию по её ID.
func (r *WorkflowRepo) GetVersion(ctx context.Context, versionID uuid.UUID) (*domain.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version, dag, created_at
		FROM workflow_versions
		WHERE id = $1
	`
	return scanVersion(r.pool.QueryRow(ctx, query, versionID))
}

// GetLatestVersion возвращает последнюю версию workflow.
func (r *WorkflowRepo) GetLatestVersion(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version, dag, created_at
		FROM workflow_versions
		WHERE workflow_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return scanVersion(r.pool.QueryRow(ctx, query, workflowID))
}

func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	err := row.Scan(&wf.ID, &wf.WorkspaceID, &wf.Name, &wf.LatestVersionID, &wf.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	return &wf, nil
}

func scanVersion(row pgx.Row) (*domain.WorkflowVersion, error) {
	var v domain.WorkflowVersion
	var dagJSON []byte

	err := row.Scan(&v.ID, &v.WorkflowID, &v.Version, &dagJSON, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}

	if err := json.Unmarshal(dagJSON, &v.DAG); err != nil {
		return nil, fmt.Errorf("unmarshal dag: %w", err)
	}
	return &v, nil
}
