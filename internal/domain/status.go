package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	pending → running → completed
//	                  ↘ failed
//	        (или) → cancelled (из pending или running)
type RunStatus string

const (
	// RunStatusPending — run создан, шаги ещё не поставлены в очередь.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning — run в процессе выполнения.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted — все достижимые шаги завершились без ошибок.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed — хотя бы один шаг завершился с ошибкой.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled — run отменён.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus — статус выполнения шага.
//
// Жизненный цикл:
//
//	pending → ready → running → succeeded
//	                          ↘ failed
//	                          ↘ ready (retry)
//	(или) → skipped
type StepStatus string

const (
	// StepStatusPending — шаг создан, но ещё не готов.
	StepStatusPending StepStatus = "pending"

	// StepStatusReady — шаг готов и поставлен (или будет поставлен) в очередь.
	StepStatusReady StepStatus = "ready"

	// StepStatusRunning — шаг захвачен воркером.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded — шаг успешно завершён.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed — шаг завершился с ошибкой (после всех попыток).
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped — шаг не будет выполняться (ложный предикат или отмена run).
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal возвращает true, если статус финальный.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// IsResolved возвращает true, если шаг завершён без ошибки
// (его потомки могут быть вычислены).
func (s StepStatus) IsResolved() bool {
	return s == StepStatusSucceeded || s == StepStatusSkipped
}

// TriggerKind — источник запуска run.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWebhook  TriggerKind = "webhook"
)

// Valid проверяет, что источник запуска известен.
func (t TriggerKind) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerWebhook:
		return true
	default:
		return false
	}
}

// NodeType — тип узла DAG.
type NodeType string

const (
	// NodeTypeAction — вызов действия коннектора.
	NodeTypeAction NodeType = "action"

	// NodeTypeConditional — вычисление выражения, результат {"result": bool}.
	NodeTypeConditional NodeType = "conditional"

	// NodeTypeWait — отложенное выполнение без вызова коннектора.
	NodeTypeWait NodeType = "wait"
)

// Valid проверяет, что тип узла известен.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeAction, NodeTypeConditional, NodeTypeWait:
		return true
	default:
		return false
	}
}
