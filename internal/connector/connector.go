// Package connector — вызов действий внешних систем.
//
// Registry хранит коннекторы и их действия, валидирует входные данные
// по JSON Schema, ограничивает частоту вызовов и гарантирует, что
// одно и то же действие с одним ключом идемпотентности выполняется
// не более одного раза в процессе.
package connector

import (
	"context"

	"github.com/google/uuid"
)

// ActionContext — контекст вызова действия.
type ActionContext struct {
	RunID       uuid.UUID
	StepID      uuid.UUID
	WorkspaceID uuid.UUID
	WorkflowID  uuid.UUID
	NodeID      string

	// Payload — {"input": вход run, "config": отрендеренная конфигурация узла}.
	Payload map[string]any
}

// Config возвращает конфигурацию узла из payload.
func (a ActionContext) Config() map[string]any {
	if cfg, ok := a.Payload["config"].(map[string]any); ok {
		return cfg
	}
	return map[string]any{}
}

// Executor выполняет действия коннекторов.
type Executor interface {
	Execute(ctx context.Context, connector, action string, actx ActionContext, idempotencyKey string) (map[string]any, error)
}

// Request — вызов действия.
type Request struct {
	ActionContext

	// Config — конфигурация узла (уже прошедшая валидацию).
	Config map[string]any

	// IdempotencyKey — ключ попытки; внешние системы получают его как есть.
	IdempotencyKey string
}

// ActionFunc — реализация действия.
type ActionFunc func(ctx context.Context, req Request) (map[string]any, error)

// Action — действие коннектора.
type Action struct {
	Name string

	// Schema — JSON Schema конфигурации. Пусто — без валидации.
	Schema string

	Handler ActionFunc
}

// Connector — набор действий одной внешней системы.
type Connector struct {
	Name    string
	Actions []Action

	// RateLimit — вызовов в секунду на коннектор. 0 — без ограничения.
	RateLimit float64
	Burst     int
}
