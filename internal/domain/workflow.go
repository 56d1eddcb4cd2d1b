package domain

import (
	"time"

	"github.com/google/uuid"
)

// Workspace — изолированное пространство, которому принадлежат workflows и runs.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Workflow — именованное определение процесса в рамках workspace.
//
// Один workflow может иметь множество неизменяемых версий (WorkflowVersion).
// Run всегда выполняет конкретную версию.
type Workflow struct {
	// ID — уникальный идентификатор workflow.
	ID uuid.UUID `json:"id"`

	// WorkspaceID — владелец workflow.
	WorkspaceID uuid.UUID `json:"workspace_id"`

	// Name — уникальное в рамках workspace имя (например, "sync-orders").
	Name string `json:"name"`

	// LatestVersionID — последняя опубликованная версия. Nil, пока версий нет.
	LatestVersionID *uuid.UUID `json:"latest_version_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WorkflowVersion — неизменяемый снимок DAG.
type WorkflowVersion struct {
	// ID — идентификатор версии (versionId).
	ID uuid.UUID `json:"id"`

	// WorkflowID — ссылка на родительский workflow.
	WorkflowID uuid.UUID `json:"workflow_id"`

	// Version — номер версии (1, 2, 3, ...).
	Version int `json:"version"`

	// DAG — документ графа.
	DAG DAGSpec `json:"dag"`

	CreatedAt time.Time `json:"created_at"`
}

// DAGSpec — документ графа: узлы и рёбра.
type DAGSpec struct {
	Nodes []NodeDef `json:"nodes"`
	Edges []EdgeDef `json:"edges,omitempty"`
}

// NodeDef — определение узла графа.
type NodeDef struct {
	// ID — уникальный в рамках DAG идентификатор узла.
	ID string `json:"id"`

	// Name — человекочитаемое имя.
	Name string `json:"name,omitempty"`

	// Type — action, conditional или wait.
	Type NodeType `json:"type"`

	// Connector — имя коннектора (для action).
	Connector string `json:"connector,omitempty"`

	// Action — имя действия коннектора (для action).
	Action string `json:"action,omitempty"`

	// Config — конфигурация узла. Строковые значения могут быть шаблонами
	// ({{ .Input.x }}, {{ .Steps.fetch.Output.body }}).
	// Для conditional: expression. Для wait: duration, duration_sec или cron.
	Config map[string]any `json:"config,omitempty"`

	// Retry — политика повторных попыток. Nil — значения по умолчанию.
	Retry *RetryPolicy `json:"retry,omitempty"`

	// TimeoutSec — таймаут одной попытки в секундах.
	TimeoutSec int `json:"timeout_sec,omitempty"`

	// Outputs — jq-проекции результата коннектора (имя → выражение).
	// Пусто — результат сохраняется целиком.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// EdgeDef — ребро графа.
type EdgeDef struct {
	From string `json:"from"`
	To   string `json:"to"`

	// When — предикат (expr) над {output, input}. Пусто — всегда true.
	When string `json:"when,omitempty"`
}

// RetryPolicy — политика повторных попыток узла.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "linear", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty"`

	// Jitter — случайная задержка в [0, delay] (full jitter).
	Jitter bool `json:"jitter,omitempty"`
}
