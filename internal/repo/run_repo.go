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
	"github.com/shaiso/agentflow/internal/engine"
)

// RunRepo — репозиторий для работы с runs.
type RunRepo struct {
	pool   *pgxpool.Pool
	loader *engine.Loader
}

// NewRunRepo создаёт новый RunRepo.
// Loader нужен MarkRunTerminal для DAG версии run.
func NewRunRepo(pool *pgxpool.Pool, loader *engine.Loader) *RunRepo {
	return &RunRepo{pool: pool, loader: loader}
}

const runColumns = `id, workflow_id, version_id, workspace_id, status, trigger_kind, input, output,
	error, idempotency_key, started_at, ended_at, created_at`

// CreateRun создаёт run в статусе pending.
//
// Повторный вызов с тем же (workspace, idempotency key) возвращает
// существующий run и created=false.
func (r *RunRepo) CreateRun(ctx context.Context, params CreateRunParams) (*domain.Run, bool, error) {
	inputJSON, err := marshalJSON(params.Input)
	if err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO runs (id, workflow_id, version_id, workspace_id, status, trigger_kind, input, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (workspace_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING ` + runColumns

	run, err := scanRun(r.pool.QueryRow(ctx, query,
		uuid.New(),
		params.WorkflowID,
		params.VersionID,
		params.WorkspaceID,
		domain.RunStatusPending,
		params.Trigger,
		inputJSON,
		nullString(params.IdempotencyKey),
		time.Now().UTC(),
	))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}

	// Конфликт по ключу идемпотентности: читаем существующий run
	query = `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = $1 AND idempotency_key = $2`
	run, err = scanRun(r.pool.QueryRow(ctx, query, params.WorkspaceID, params.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("get run by idempotency key: %w", err)
	}
	return run, false, nil
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, runID))
}

// ListRuns возвращает runs с фильтрацией, новые первыми.
func (r *RunRepo) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::uuid IS NULL OR workspace_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, filter.WorkspaceID, nullString(string(filter.Status)), limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// StartRun переводит run pending → running.
func (r *RunRepo) StartRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	query := `
		UPDATE runs
		SET status = $2, started_at = COALESCE(started_at, $3)
		WHERE id = $1 AND status = $4
		RETURNING ` + runColumns
	run, err := scanRun(r.pool.QueryRow(ctx, query,
		runID, domain.RunStatusRunning, time.Now().UTC(), domain.RunStatusPending))
	if errors.Is(err, ErrNotFound) {
		return nil, r.staleRun(ctx, r.pool, runID, domain.RunStatusPending)
	}
	return run, err
}

// CancelRun переводит run pending|running → cancelled.
// Ещё не захваченные steps (pending, ready) становятся skipped;
// running steps завершат текущую попытку и увидят отмену.
func (r *RunRepo) CancelRun(ctx context.Context, runID uuid.UUID) (*domain.Run, error) {
	var run *domain.Run
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		query := `
			UPDATE runs
			SET status = $2, ended_at = $3
			WHERE id = $1 AND status IN ($4, $5)
			RETURNING ` + runColumns
		var err error
		run, err = scanRun(tx.QueryRow(ctx, query,
			runID, domain.RunStatusCancelled, now, domain.RunStatusPending, domain.RunStatusRunning))
		if errors.Is(err, ErrNotFound) {
			return r.staleRun(ctx, tx, runID, domain.RunStatusRunning)
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE steps
			SET status = $2, ended_at = $3
			WHERE run_id = $1 AND status IN ($4, $5)
		`, runID, domain.StepStatusSkipped, now, domain.StepStatusPending, domain.StepStatusReady)
		if err != nil {
			return fmt.Errorf("skip steps: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// MarkRunTerminal завершает run, если больше нечего выполнять
// (см. DecideTerminal). Строка run блокируется на время решения,
// поэтому Changed=true получает ровно один вызывающий.
func (r *RunRepo) MarkRunTerminal(ctx context.Context, runID uuid.UUID) (*TerminalResult, error) {
	var result *TerminalResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			return err
		}
		if run.IsFinished() {
			result = &TerminalResult{Run: run}
			return nil
		}

		steps, err := listSteps(ctx, tx, runID)
		if err != nil {
			return err
		}
		_, dag, err := r.loader.ForVersion(ctx, run.VersionID)
		if err != nil {
			return fmt.Errorf("load dag: %w", err)
		}

		verdict, ok := DecideTerminal(dag, run, steps)
		if !ok {
			result = &TerminalResult{Run: run}
			return nil
		}

		outputJSON, err := marshalJSON(verdict.Output)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		query := `
			UPDATE runs
			SET status = $2, output = $3, error = $4,
			    started_at = COALESCE(started_at, $5), ended_at = $5
			WHERE id = $1
			RETURNING ` + runColumns
		run, err = scanRun(tx.QueryRow(ctx, query,
			runID, verdict.Status, outputJSON, nullString(verdict.Error), now))
		if err != nil {
			return fmt.Errorf("finalize run: %w", err)
		}
		result = &TerminalResult{Run: run, Changed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// staleRun формирует ошибку для несостоявшегося перехода run.
func (r *RunRepo) staleRun(ctx context.Context, q querier, runID uuid.UUID, expected domain.RunStatus) error {
	var actual domain.RunStatus
	err := q.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	return fmt.Errorf("%w: run %s: expected %s, actual %s", ErrStaleTransition, runID, expected, actual)
}

// scanRun сканирует строку в Run. Подходит и для pgx.Row, и для pgx.Rows.
func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var inputJSON, outputJSON []byte
	var runError, idempotencyKey *string

	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.VersionID,
		&run.WorkspaceID,
		&run.Status,
		&run.Trigger,
		&inputJSON,
		&outputJSON,
		&runError,
		&idempotencyKey,
		&run.StartedAt,
		&run.EndedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if run.Input, err = unmarshalJSON(inputJSON); err != nil {
		return nil, err
	}
	if run.Output, err = unmarshalJSON(outputJSON); err != nil {
		return nil, err
	}
	if runError != nil {
		run.Error = *runError
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}
	return &run, nil
}
