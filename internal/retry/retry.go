// Package retry — политика повторных попыток и вычисление задержек.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/domain"
)

// Стратегии задержки.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Policy — политика повторных попыток.
type Policy struct {
	// MaxAttempts — предельное количество попыток (включая первую).
	MaxAttempts int

	// Backoff — fixed, linear или exponential.
	Backoff string

	Initial time.Duration
	Max     time.Duration

	// Jitter — случайная задержка в [0, delay].
	Jitter bool
}

// maxDelay — верхняя граница задержки при Max = 0.
const maxDelay = 24 * time.Hour

// Decision — решение после неудачной попытки.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: domain.DefaultMaxAttempts,
		Backoff:     BackoffExponential,
		Initial:     time.Second,
		Max:         30 * time.Second,
	}
}

// FromConfig строит политику по умолчанию из конфигурации процесса.
func FromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.Backoff != "" {
		p.Backoff = cfg.Backoff
	}
	if cfg.InitialDelay > 0 {
		p.Initial = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		p.Max = cfg.MaxDelay
	}
	p.Jitter = cfg.Jitter
	return p
}

// FromSpec накладывает политику узла на значения по умолчанию.
// Незаданные поля узла берутся из defaults.
func FromSpec(spec *domain.RetryPolicy, defaults Policy) Policy {
	p := defaults
	if spec == nil {
		return p
	}
	if spec.MaxAttempts > 0 {
		p.MaxAttempts = spec.MaxAttempts
	}
	if spec.Backoff != "" {
		p.Backoff = spec.Backoff
	}
	if spec.InitialDelayMs > 0 {
		p.Initial = time.Duration(spec.InitialDelayMs) * time.Millisecond
	}
	if spec.MaxDelayMs > 0 {
		p.Max = time.Duration(spec.MaxDelayMs) * time.Millisecond
	}
	if spec.Jitter {
		p.Jitter = true
	}
	return p
}

// Next решает, нужна ли ещё попытка после неудачной попытки attempt (с 1).
func (p Policy) Next(attempt int, err error) Decision {
	if attempt >= p.MaxAttempts || !IsRetryable(err) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt)}
}

// Delay вычисляет задержку перед попыткой attempt+1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var base float64
	switch p.Backoff {
	case BackoffLinear:
		base = float64(p.Initial) * float64(attempt)
	case BackoffExponential:
		base = float64(p.Initial) * math.Pow(2, float64(attempt-1))
	default:
		// "fixed" или неизвестная стратегия
		base = float64(p.Initial)
	}

	// Ограничиваем до преобразования, чтобы не переполнить int64
	if p.Max > 0 && base > float64(p.Max) {
		base = float64(p.Max)
	}
	base = min(base, float64(maxDelay))
	delay := time.Duration(base)

	if p.Jitter && delay > 0 {
		delay = time.Duration(rand.Float64() * float64(delay)) //nolint:gosec // jitter не требует crypto rand
	}
	return delay
}

// retryable — ошибка, которая сама знает, можно ли её повторять.
type retryable interface {
	Retryable() bool
}

// IsRetryable проверяет, имеет ли смысл повторять операцию.
//
// Отмена контекста не повторяется. Ошибки, реализующие Retryable(),
// решают сами; остальные (включая таймауты) считаются временными.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Do выполняет fn, повторяя её по политике p.
// Возвращает последнюю ошибку, если попытки исчерпаны.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	maxAttempts := max(p.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		decision := p.Next(attempt, err)
		if !decision.Retry || attempt >= maxAttempts {
			return fmt.Errorf("after %d attempt(s): %w", attempt, err)
		}

		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}
