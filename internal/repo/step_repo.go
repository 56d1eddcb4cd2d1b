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

// StepRepo — репозиторий для работы со steps.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

const stepColumns = `id, run_id, node_id, type, status, attempt, max_attempts, scheduled_for,
	input, output, error, started_at, ended_at, created_at`

// CreateReadySteps создаёт steps в статусе ready.
//
// Узлы, для которых step уже существует, пропускаются; возвращаются
// только созданные этим вызовом steps. Для завершённого run
// возвращает ErrRunFinished.
func (r *StepRepo) CreateReadySteps(ctx context.Context, runID uuid.UUID, steps []NewStep) ([]domain.Step, error) {
	return r.createSteps(ctx, runID, steps, domain.StepStatusReady)
}

// CreateSkippedSteps создаёт steps в статусе skipped.
func (r *StepRepo) CreateSkippedSteps(ctx context.Context, runID uuid.UUID, steps []NewStep) ([]domain.Step, error) {
	return r.createSteps(ctx, runID, steps, domain.StepStatusSkipped)
}

func (r *StepRepo) createSteps(ctx context.Context, runID uuid.UUID, steps []NewStep, status domain.StepStatus) ([]domain.Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	var created []domain.Step
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var runStatus domain.RunStatus
		err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&runStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		if runStatus.IsTerminal() {
			return ErrRunFinished
		}

		now := time.Now().UTC()
		var endedAt *time.Time
		if status.IsTerminal() {
			endedAt = &now
		}

		query := `
			INSERT INTO steps (id, run_id, node_id, type, status, attempt, max_attempts,
			                   scheduled_for, input, ended_at, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10)
			ON CONFLICT (run_id, node_id) DO NOTHING
			RETURNING ` + stepColumns

		for _, ns := range steps {
			inputJSON, err := marshalJSON(ns.Input)
			if err != nil {
				return err
			}
			maxAttempts := ns.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = domain.DefaultMaxAttempts
			}

			step, err := scanStep(tx.QueryRow(ctx, query,
				uuid.New(), runID, ns.NodeID, ns.Type, status, maxAttempts,
				ns.ScheduledFor, inputJSON, endedAt, now,
			))
			if errors.Is(err, ErrNotFound) {
				// step для узла уже создан конкурентным вызовом
				continue
			}
			if err != nil {
				return fmt.Errorf("insert step %s: %w", ns.NodeID, err)
			}
			created = append(created, *step)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// TransitionStep выполняет условный переход статуса step.
//
// UPDATE применяется только при status = from; иначе возвращается
// *StaleTransitionError с фактическим статусом.
func (r *StepRepo) TransitionStep(ctx context.Context, stepID uuid.UUID, from, to domain.StepStatus, patch StepPatch) (*domain.Step, error) {
	outputJSON, err := marshalJSON(patch.Output)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE steps
		SET status        = $3,
		    output        = COALESCE($4, output),
		    error         = COALESCE($5, error),
		    started_at    = COALESCE($6, started_at),
		    ended_at      = COALESCE($7, ended_at),
		    scheduled_for = COALESCE($8, scheduled_for),
		    attempt       = attempt + CASE WHEN $9::boolean THEN 1 ELSE 0 END
		WHERE id = $1 AND status = $2
		RETURNING ` + stepColumns

	step, err := scanStep(r.pool.QueryRow(ctx, query,
		stepID, from, to,
		outputJSON, patch.Error, patch.StartedAt, patch.EndedAt, patch.ScheduledFor,
		patch.IncrementAttempt,
	))
	if err == nil {
		return step, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("transition step: %w", err)
	}

	var actual domain.StepStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM steps WHERE id = $1`, stepID).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get step status: %w", err)
	}
	return nil, &StaleTransitionError{StepID: stepID, Expected: from, Actual: actual}
}

// GetStep возвращает step по ID.
func (r *StepRepo) GetStep(ctx context.Context, stepID uuid.UUID) (*domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE id = $1`
	return scanStep(r.pool.QueryRow(ctx, query, stepID))
}

// ListSteps возвращает все steps run в порядке создания.
func (r *StepRepo) ListSteps(ctx context.Context, runID uuid.UUID) ([]domain.Step, error) {
	return listSteps(ctx, r.pool, runID)
}

func listSteps(ctx context.Context, q querier, runID uuid.UUID) ([]domain.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE run_id = $1 ORDER BY created_at, node_id`
	rows, err := q.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// scanStep сканирует строку в Step.
func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	var inputJSON, outputJSON []byte
	var stepError *string

	err := row.Scan(
		&step.ID,
		&step.RunID,
		&step.NodeID,
		&step.Type,
		&step.Status,
		&step.Attempt,
		&step.MaxAttempts,
		&step.ScheduledFor,
		&inputJSON,
		&outputJSON,
		&stepError,
		&step.StartedAt,
		&step.EndedAt,
		&step.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if step.Input, err = unmarshalJSON(inputJSON); err != nil {
		return nil, err
	}
	if step.Output, err = unmarshalJSON(outputJSON); err != nil {
		return nil, err
	}
	if stepError != nil {
		step.Error = *stepError
	}
	return &step, nil
}
