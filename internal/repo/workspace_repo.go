package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentflow/internal/domain"
)

// WorkspaceRepo — репозиторий для работы с workspaces.
type WorkspaceRepo struct {
	pool *pgxpool.Pool
}

// NewWorkspaceRepo создаёт новый WorkspaceRepo.
func NewWorkspaceRepo(pool *pgxpool.Pool) *WorkspaceRepo {
	return &WorkspaceRepo{pool: pool}
}

const workspaceColumns = `id, slug, name, created_at`

// GetWorkspaceBySlug возвращает workspace по slug.
func (r *WorkspaceRepo) GetWorkspaceBySlug(ctx context.Context, slug string) (*domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE slug = $1`
	return scanWorkspace(r.pool.QueryRow(ctx, query, slug))
}

// EnsureWorkspace возвращает workspace по slug, создавая его при отсутствии.
func (r *WorkspaceRepo) EnsureWorkspace(ctx context.Context, slug, name string) (*domain.Workspace, error) {
	if name == "" {
		name = slug
	}
	query := `
		INSERT INTO workspaces (id, slug, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, uuid.New(), slug, name, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return r.GetWorkspaceBySlug(ctx, slug)
}

func scanWorkspace(row pgx.Row) (*domain.Workspace, error) {
	var ws domain.Workspace
	err := row.Scan(&ws.ID, &ws.Slug, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workspace: %w", err)
	}
	return &ws, nil
}
