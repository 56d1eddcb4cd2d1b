package connector

import (
	"errors"
	"fmt"
)

// Ошибки коннекторов.
var (
	// ErrPermanent — ошибка, повтор которой не имеет смысла.
	ErrPermanent = errors.New("permanent error")

	// ErrUnknownConnector — коннектор не зарегистрирован.
	ErrUnknownConnector = errors.New("unknown connector")

	// ErrUnknownAction — у коннектора нет такого действия.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidInput — конфигурация действия не прошла валидацию схемы.
	ErrInvalidInput = errors.New("invalid action input")
)

// Permanent помечает ошибку как неповторяемую.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// ExecutionError — ошибка выполнения действия коннектора.
type ExecutionError struct {
	Connector string
	Action    string
	Err       error
}

// Error реализует интерфейс error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Connector, e.Action, e.Err)
}

// Unwrap возвращает исходную ошибку.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Retryable сообщает, можно ли повторить действие.
func (e *ExecutionError) Retryable() bool {
	return !errors.Is(e.Err, ErrPermanent)
}
