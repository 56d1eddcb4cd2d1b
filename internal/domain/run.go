package domain

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts — количество попыток шага, если политика не задана.
const DefaultMaxAttempts = 3

// Run — экземпляр выполнения версии workflow.
//
// Run создаётся оркестратором по запросу триггера (manual, schedule, webhook).
// Каждый run привязан к конкретной версии и имеет свой набор steps.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	WorkflowID  uuid.UUID `json:"workflow_id"`
	VersionID   uuid.UUID `json:"version_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Trigger — источник запуска.
	Trigger TriggerKind `json:"trigger"`

	// Input — входные данные, переданные при запуске.
	Input map[string]any `json:"input,omitempty"`

	// Output — выходы sink-узлов (заполняется при completed).
	Output map[string]any `json:"output,omitempty"`

	// Error — агрегированная ошибка при failed.
	Error string `json:"error,omitempty"`

	// IdempotencyKey — ключ идемпотентности в рамках workspace.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}
