// Package queue — контракт очереди шагов и её реализация в памяти.
//
// Очередь доставляет StepJob воркерам как минимум один раз. Источником
// истины остаётся хранилище: воркер захватывает step переходом
// ready → running, поэтому дубли сообщений безопасны.
package queue

import (
	"context"
	"time"

	"github.com/shaiso/agentflow/internal/domain"
)

// Options — параметры постановки job в очередь.
type Options struct {
	// Delay — задержка доставки (retry backoff, wait-узлы).
	Delay time.Duration
}

// Queue — очередь готовых к выполнению шагов.
type Queue interface {
	Add(ctx context.Context, job domain.StepJob, opts Options) error
}

// DeadLetterQueue — приёмник jobs, исчерпавших попытки.
type DeadLetterQueue interface {
	DeadLetter(ctx context.Context, job domain.StepJob, reason string) error
}

// DeadLetter — запись в очереди недоставленных.
type DeadLetter struct {
	Job    domain.StepJob
	Reason string
	At     time.Time
}
