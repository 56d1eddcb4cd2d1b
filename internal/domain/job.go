package domain

import (
	"time"

	"github.com/google/uuid"
)

// StepJob — сообщение очереди о шаге, готовом к выполнению.
//
// Job не является источником истины: воркер всегда захватывает step
// через переход ready → running в хранилище.
type StepJob struct {
	RunID       uuid.UUID `json:"run_id"`
	StepID      uuid.UUID `json:"step_id"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`

	NodeID    string   `json:"node_id"`
	NodeType  NodeType `json:"node_type"`
	Connector string   `json:"connector,omitempty"`
	Action    string   `json:"action,omitempty"`

	// Payload — {"input": ..., "config": ...}.
	Payload map[string]any `json:"payload,omitempty"`

	// IdempotencyKey — "<stepId>:attempt:<attempt>".
	IdempotencyKey string `json:"idempotency_key"`

	// Attempt — номер попытки, для которой создан job (начиная с 1).
	Attempt int `json:"attempt"`

	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// NextAttempt возвращает job для следующей попытки того же step.
func (j StepJob) NextAttempt(scheduledFor time.Time) StepJob {
	next := j
	next.Attempt = j.Attempt + 1
	next.IdempotencyKey = AttemptKey(j.StepID, next.Attempt)
	next.ScheduledFor = &scheduledFor
	return next
}
