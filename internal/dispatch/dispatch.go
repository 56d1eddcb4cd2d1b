package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

// Dispatcher создаёт steps для узлов, которые можно создать по текущему
// состоянию run, и ставит jobs готовых steps в очередь.
//
// Используется оркестратором для корневых узлов и воркером после
// завершения каждого step.
type Dispatcher struct {
	steps   repo.StepStore
	queue   queue.Queue
	metrics telemetry.Metrics
	retry   retry.Policy
	logger  *slog.Logger
	now     func() time.Time
}

// Config — конфигурация Dispatcher.
type Config struct {
	Steps repo.StepStore
	Queue queue.Queue

	// Metrics — приёмник счётчиков (default: telemetry.Nop).
	Metrics telemetry.Metrics

	// Retry — политика по умолчанию: MaxAttempts новых steps и повтор
	// постановки в очередь (default: retry.DefaultPolicy()).
	Retry retry.Policy

	Logger *slog.Logger
}

// New создаёт Dispatcher.
func New(cfg Config) *Dispatcher {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Nop{}
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		steps:   cfg.Steps,
		queue:   cfg.Queue,
		metrics: metrics,
		retry:   policy,
		logger:  logger,
		now:     time.Now,
	}
}

// Advance создаёт steps для разрешённых узлов и ставит готовые в очередь.
//
// steps — все steps run на момент вызова. Узлы, для которых step уже
// есть, не трогаются; повторный вызов с тем же состоянием ничего не создаёт.
// Если run уже завершён или отменён, ничего не создаётся.
func (d *Dispatcher) Advance(ctx context.Context, run *domain.Run, dag *engine.DAG, steps []domain.Step) ([]domain.StepJob, error) {
	state := engine.NewRunState(run.Input, steps)
	res := dag.Resolve(state)

	for _, err := range res.Errors {
		d.logger.Warn("edge predicate evaluation failed", "run_id", run.ID, "error", err)
	}
	if res.Empty() {
		return nil, nil
	}

	if len(res.Skipped) > 0 {
		skipped, err := d.steps.CreateSkippedSteps(ctx, run.ID, d.skippedSteps(res.Skipped))
		if err != nil {
			if errors.Is(err, repo.ErrRunFinished) {
				return nil, nil
			}
			return nil, fmt.Errorf("create skipped steps: %w", err)
		}
		for i := range skipped {
			d.logger.Debug("step skipped", "run_id", run.ID, "node_id", skipped[i].NodeID)
		}
	}

	if len(res.Ready) == 0 {
		return nil, nil
	}

	created, err := d.steps.CreateReadySteps(ctx, run.ID, d.readySteps(run, state, res.Ready))
	if err != nil {
		if errors.Is(err, repo.ErrRunFinished) {
			d.logger.Debug("run finished, ready steps not created", "run_id", run.ID)
			return nil, nil
		}
		return nil, fmt.Errorf("create ready steps: %w", err)
	}

	jobs := make([]domain.StepJob, 0, len(created))
	for i := range created {
		node := dag.GetNode(created[i].NodeID)
		jobs = append(jobs, engine.NewStepJob(run, node, &created[i], 1))
	}
	return d.Enqueue(ctx, jobs)
}

// readySteps готовит steps для готовых узлов: конфигурация рендерится
// по состоянию run, wait-узлы получают время запуска.
func (d *Dispatcher) readySteps(run *domain.Run, state engine.RunState, nodes []*engine.Node) []repo.NewStep {
	now := d.now()
	out := make([]repo.NewStep, 0, len(nodes))

	for _, node := range nodes {
		input, err := node.RenderConfig(run, state)
		if err != nil {
			// Воркер повторит рендеринг и провалит step
			d.logger.Warn("render node config failed",
				"run_id", run.ID,
				"node_id", node.ID,
				"error", err,
			)
			input = node.Def.Config
		}

		ns := repo.NewStep{
			NodeID:      node.ID,
			Type:        node.Def.Type,
			MaxAttempts: retry.FromSpec(node.Def.Retry, d.retry).MaxAttempts,
			Input:       input,
		}
		if delay := node.WaitDelay(now); delay > 0 {
			at := now.Add(delay)
			ns.ScheduledFor = &at
		}
		out = append(out, ns)
	}
	return out
}

func (d *Dispatcher) skippedSteps(nodes []*engine.Node) []repo.NewStep {
	out := make([]repo.NewStep, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, repo.NewStep{
			NodeID:      node.ID,
			Type:        node.Def.Type,
			MaxAttempts: retry.FromSpec(node.Def.Retry, d.retry).MaxAttempts,
		})
	}
	return out
}

// Enqueue ставит jobs в очередь, повторяя каждую постановку по политике.
//
// Job с ScheduledFor в будущем ставится с задержкой. Возвращает jobs,
// поставленные до первой неудачи.
func (d *Dispatcher) Enqueue(ctx context.Context, jobs []domain.StepJob) ([]domain.StepJob, error) {
	now := d.now()

	for i, job := range jobs {
		var delay time.Duration
		if job.ScheduledFor != nil {
			delay = max(job.ScheduledFor.Sub(now), 0)
		}

		err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
			return d.queue.Add(ctx, job, queue.Options{Delay: delay})
		})
		if err != nil {
			return jobs[:i], fmt.Errorf("enqueue step %s: %w", job.NodeID, err)
		}

		d.metrics.Increment(telemetry.StepsEnqueued, telemetry.StepLabels(job.Connector, string(job.NodeType)))
		d.logger.Debug("step enqueued",
			"run_id", job.RunID,
			"step_id", job.StepID,
			"node_id", job.NodeID,
			"attempt", job.Attempt,
			"delay", delay,
		)
	}
	return jobs, nil
}
