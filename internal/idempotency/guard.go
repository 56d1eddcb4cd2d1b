// Package idempotency защищает создание run от дублей по ключу идемпотентности.
package idempotency

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/repo"
)

// Guard — создание run с дедупликацией по (workspace, key).
//
// Конкурентные вызовы внутри процесса схлопываются через singleflight,
// между процессами дедупликацию обеспечивает уникальный индекс хранилища.
type Guard struct {
	runs  repo.RunStore
	group singleflight.Group
}

// NewGuard создаёт Guard поверх хранилища runs.
func NewGuard(runs repo.RunStore) *Guard {
	return &Guard{runs: runs}
}

type createResult struct {
	run     *domain.Run
	created bool
}

// CreateRun создаёт run или возвращает существующий для того же ключа.
// created=true получает ровно один вызывающий.
func (g *Guard) CreateRun(ctx context.Context, params repo.CreateRunParams) (*domain.Run, bool, error) {
	if params.IdempotencyKey == "" {
		return g.runs.CreateRun(ctx, params)
	}

	key := params.WorkspaceID.String() + ":" + params.IdempotencyKey

	// Вызывающий, чей вызов выполнил функцию, получает created от хранилища,
	// остальные участники (shared) видят уже существующий run.
	var leader bool
	v, err, shared := g.group.Do(key, func() (any, error) {
		leader = true
		run, created, err := g.runs.CreateRun(ctx, params)
		if err != nil {
			return nil, err
		}
		return createResult{run: run, created: created}, nil
	})
	if err != nil {
		return nil, false, err
	}

	res := v.(createResult)
	created := res.created
	if shared && !leader {
		created = false
	}
	run := *res.run
	return &run, created, nil
}
