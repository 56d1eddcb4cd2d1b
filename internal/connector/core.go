package connector

import (
	"context"
	"maps"
)

// NewCore создаёт встроенный коннектор core.
//
// Действия:
//   - transform — возвращает отрендеренную конфигурацию как результат
//     (шаблоны уже подставлены оркестратором или воркером)
//   - noop — пустой результат
func NewCore() Connector {
	return Connector{
		Name: "core",
		Actions: []Action{
			{Name: "transform", Handler: transform},
			{Name: "noop", Handler: noop},
		},
	}
}

func transform(_ context.Context, req Request) (map[string]any, error) {
	return maps.Clone(req.Config), nil
}

func noop(context.Context, Request) (map[string]any, error) {
	return map[string]any{}, nil
}
