package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step — выполнение одного узла DAG внутри run.
//
// Пара (RunID, NodeID) уникальна: на каждый узел создаётся не более одного step.
type Step struct {
	// ID — уникальный идентификатор step.
	ID uuid.UUID `json:"id"`

	// RunID — ссылка на родительский run.
	RunID uuid.UUID `json:"run_id"`

	// NodeID — ID узла из DAGSpec.
	NodeID string `json:"node_id"`

	// Type — тип узла (копия NodeDef.Type).
	Type NodeType `json:"type"`

	// Status — текущий статус.
	Status StepStatus `json:"status"`

	// Attempt — количество начатых попыток.
	Attempt int `json:"attempt"`

	// MaxAttempts — предельное количество попыток.
	MaxAttempts int `json:"max_attempts"`

	// ScheduledFor — время, раньше которого шаг не должен выполняться.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// Input — отрендеренная конфигурация узла.
	Input map[string]any `json:"input,omitempty"`

	// Output — результат выполнения. Доступен потомкам через предикаты и шаблоны.
	Output map[string]any `json:"output,omitempty"`

	// Error — ошибка последней попытки.
	Error string `json:"error,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsFinished возвращает true, если step завершён.
func (s *Step) IsFinished() bool {
	return s.Status.IsTerminal()
}

// CanRetry проверяет, можно ли сделать ещё одну попытку.
func (s *Step) CanRetry() bool {
	return s.Attempt < s.MaxAttempts
}

// AttemptKey возвращает ключ идемпотентности для попытки.
func AttemptKey(stepID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s:attempt:%d", stepID, attempt)
}
