package domain

import (
	"time"

	"github.com/google/uuid"
)

// ToolExecution — запись аудита одного вызова коннектора.
//
// Создаётся для каждой попытки, успешной или нет.
// Request хранится с замаскированными секретами.
type ToolExecution struct {
	ID             uuid.UUID      `json:"id"`
	StepID         uuid.UUID      `json:"step_id"`
	RunID          uuid.UUID      `json:"run_id"`
	Connector      string         `json:"connector"`
	Action         string         `json:"action"`
	Attempt        int            `json:"attempt"`
	IdempotencyKey string         `json:"idempotency_key"`
	Request        map[string]any `json:"request,omitempty"`
	Response       map[string]any `json:"response,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMs     int64          `json:"duration_ms"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
}
