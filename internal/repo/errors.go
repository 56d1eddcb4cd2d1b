package repo

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shaiso/agentflow/internal/domain"
)

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = domain.ErrNotFound

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrRunFinished — run уже в финальном статусе, новые steps не создаются.
	ErrRunFinished = errors.New("run already finished")

	// ErrStaleTransition — статус step изменился конкурентно.
	ErrStaleTransition = errors.New("stale transition")
)

// StaleTransitionError — переход step не применён: текущий статус
// отличается от ожидаемого. Ожидаемая ситуация при гонках воркеров.
type StaleTransitionError struct {
	StepID   uuid.UUID
	Expected domain.StepStatus
	Actual   domain.StepStatus
}

// Error реализует интерфейс error.
func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for step %s: expected %s, actual %s", e.StepID, e.Expected, e.Actual)
}

// Is позволяет сопоставить ошибку с ErrStaleTransition.
func (e *StaleTransitionError) Is(target error) bool {
	return target == ErrStaleTransition
}
