package orchestrator

import (
	"errors"

	"github.com/shaiso/agentflow/internal/engine"
)

// Ошибки оркестратора.
var (
	// ErrWorkspaceNotFound — workspace с указанным slug не существует.
	ErrWorkspaceNotFound = errors.New("workspace not found")

	// ErrWorkflowNotFound — workflow не найден или у него нет опубликованной версии.
	ErrWorkflowNotFound = engine.ErrWorkflowNotFound

	// ErrInvalidRequest — в запросе не хватает обязательных полей.
	ErrInvalidRequest = errors.New("invalid orchestrate request")
)

// isCallerError проверяет, что ошибка вызвана запросом, а не инфраструктурой.
// Такие запросы бессмысленно повторять.
func isCallerError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkspaceNotFound) ||
		errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, engine.ErrInvalidDag)
}
