package engine

import "errors"

// ErrInvalidDag — документ графа не прошёл валидацию.
// Все ошибки валидации ниже оборачиваются в InvalidDagError и
// сопоставляются с ErrInvalidDag через errors.Is.
var ErrInvalidDag = errors.New("invalid dag")

// ErrWorkflowNotFound — workflow не найден или не имеет опубликованной версии.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Ошибки валидации DAG.
var (
	// ErrEmptyNodeID — узел не имеет ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownNodeType — неизвестный тип узла.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrMissingConnector — action-узел без connector или action.
	ErrMissingConnector = errors.New("action node requires connector and action")

	// ErrUnknownNode — ребро ссылается на несуществующий узел.
	ErrUnknownNode = errors.New("edge references unknown node")

	// ErrSelfEdge — ребро из узла в самого себя.
	ErrSelfEdge = errors.New("edge points to its source")

	// ErrDuplicateEdge — повторяющееся ребро.
	ErrDuplicateEdge = errors.New("duplicate edge")

	// ErrCyclicDependency — обнаружен цикл.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrInvalidPredicate — предикат ребра или выражение узла не компилируется.
	ErrInvalidPredicate = errors.New("invalid predicate")

	// ErrInvalidWait — некорректная конфигурация wait-узла.
	ErrInvalidWait = errors.New("invalid wait config")

	// ErrInvalidOutputs — некорректная jq-проекция.
	ErrInvalidOutputs = errors.New("invalid outputs projection")
)

// Ошибки выполнения.
var (
	// ErrPredicateResult — предикат вернул не bool.
	ErrPredicateResult = errors.New("predicate must return bool")

	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// InvalidDagError — ошибка валидации DAG с контекстом.
type InvalidDagError struct {
	NodeID  string // ID узла, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *InvalidDagError) Error() string {
	if e.NodeID != "" {
		return "invalid dag: node " + e.NodeID + ": " + e.Message
	}
	return "invalid dag: " + e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *InvalidDagError) Unwrap() error {
	return e.Err
}

// Is позволяет сопоставить любую ошибку валидации с ErrInvalidDag.
func (e *InvalidDagError) Is(target error) bool {
	return target == ErrInvalidDag
}

// NewInvalidDagError создаёт новую ошибку валидации.
func NewInvalidDagError(nodeID, field, message string, err error) *InvalidDagError {
	return &InvalidDagError{
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
