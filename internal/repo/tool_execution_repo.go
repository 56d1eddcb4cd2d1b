package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/agentflow/internal/domain"
)

// ToolExecutionRepo — журнал вызовов коннекторов.
type ToolExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewToolExecutionRepo создаёт новый ToolExecutionRepo.
func NewToolExecutionRepo(pool *pgxpool.Pool) *ToolExecutionRepo {
	return &ToolExecutionRepo{pool: pool}
}

// RecordToolExecution сохраняет запись о попытке вызова коннектора.
func (r *ToolExecutionRepo) RecordToolExecution(ctx context.Context, exec *domain.ToolExecution) error {
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	requestJSON, err := marshalJSON(exec.Request)
	if err != nil {
		return err
	}
	responseJSON, err := marshalJSON(exec.Response)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tool_executions (id, step_id, run_id, connector, action, attempt, idempotency_key,
		                             request, response, error, duration_ms, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.pool.Exec(ctx, query,
		exec.ID,
		exec.StepID,
		exec.RunID,
		exec.Connector,
		exec.Action,
		exec.Attempt,
		exec.IdempotencyKey,
		requestJSON,
		responseJSON,
		nullString(exec.Error),
		exec.DurationMs,
		exec.StartedAt,
		exec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

// ListToolExecutions возвращает попытки вызова коннектора для step.
func (r *ToolExecutionRepo) ListToolExecutions(ctx context.Context, stepID uuid.UUID) ([]domain.ToolExecution, error) {
	query := `
		SELECT id, step_id, run_id, connector, action, attempt, idempotency_key,
		       request, response, error, duration_ms, started_at, ended_at
		FROM tool_executions
		WHERE step_id = $1
		ORDER BY started_at
	`
	rows, err := r.pool.Query(ctx, query, stepID)
	if err != nil {
		return nil, fmt.Errorf("list tool executions: %w", err)
	}
	defer rows.Close()

	var execs []domain.ToolExecution
	for rows.Next() {
		var exec domain.ToolExecution
		var requestJSON, responseJSON []byte
		var execError *string
		err := rows.Scan(
			&exec.ID,
			&exec.StepID,
			&exec.RunID,
			&exec.Connector,
			&exec.Action,
			&exec.Attempt,
			&exec.IdempotencyKey,
			&requestJSON,
			&responseJSON,
			&execError,
			&exec.DurationMs,
			&exec.StartedAt,
			&exec.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan tool execution: %w", err)
		}
		if exec.Request, err = unmarshalJSON(requestJSON); err != nil {
			return nil, err
		}
		if exec.Response, err = unmarshalJSON(responseJSON); err != nil {
			return nil, err
		}
		if execError != nil {
			exec.Error = *execError
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}
