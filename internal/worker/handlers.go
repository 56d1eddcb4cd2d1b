package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

// interruptTimeout — сколько даётся на возврат step в ready при остановке воркера.
const interruptTimeout = 5 * time.Second

// handleStepReady обрабатывает сообщение step.ready.
func (w *Worker) handleStepReady(ctx context.Context, delivery *mq.Delivery) error {
	job, err := mq.ParsePayload[domain.StepJob](&delivery.Message)
	if err != nil {
		w.logger.Error("failed to parse step.ready payload", "error", err)
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}
	return w.ProcessStepJob(ctx, job)
}

// ProcessStepJob выполняет одну попытку step.
//
// Job доставляется как минимум один раз: дубли отсекаются захватом
// ready → running. Возвращает только ошибки хранилища и очереди,
// после которых job нужно доставить повторно.
func (w *Worker) ProcessStepJob(ctx context.Context, job domain.StepJob) error {
	logger := telemetry.WithStep(w.logger, job.RunID.String(), job.StepID.String(), job.NodeID)

	step, err := w.claim(ctx, job, logger)
	if err != nil || step == nil {
		return err
	}

	// Номер попытки и ключ — по хранилищу, а не по сообщению
	job.Attempt = step.Attempt
	job.IdempotencyKey = domain.AttemptKey(step.ID, step.Attempt)
	logger = logger.With("attempt", step.Attempt)

	w.metrics.Increment(telemetry.StepsStarted, telemetry.StepLabels(job.Connector, string(job.NodeType)))
	logger.Info("step started")

	run, dag, err := w.loadRun(ctx, job.RunID)
	if err != nil {
		return err
	}

	if run.Status == domain.RunStatusCancelled {
		if _, err := w.store.TransitionStep(ctx, step.ID, domain.StepStatusRunning, domain.StepStatusSkipped,
			repo.StepPatch{EndedAt: w.timestamp()}); err != nil && !errors.Is(err, repo.ErrStaleTransition) {
			return fmt.Errorf("skip step of cancelled run: %w", err)
		}
		logger.Info("step skipped, run cancelled")
		return w.finalize(ctx, run, logger)
	}

	node := dag.GetNode(step.NodeID)
	if node == nil {
		err := fmt.Errorf("%w: %s", ErrNodeNotFound, step.NodeID)
		return w.fail(ctx, run, dag, step, job, err, retry.Decision{}, logger)
	}

	steps, err := w.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, w.timeout(node))
	res, execErr := w.execute(execCtx, &attempt{
		job:   job,
		run:   run,
		step:  step,
		node:  node,
		state: engine.NewRunState(run.Input, steps),
	})
	cancel()

	if res != nil && res.audit != nil {
		// Журнал не влияет на состояние step
		if err := w.store.RecordToolExecution(ctx, res.audit); err != nil {
			logger.Error("failed to record tool execution", "error", err)
		}
	}

	if execErr != nil {
		// Воркер останавливается: попытка не засчитывается как неудачная
		if ctx.Err() != nil {
			return w.interrupt(ctx, step, logger)
		}

		policy := retry.FromSpec(node.Def.Retry, w.retry)
		policy.MaxAttempts = step.MaxAttempts
		return w.fail(ctx, run, dag, step, job, execErr, policy.Next(step.Attempt, execErr), logger)
	}

	return w.succeed(ctx, run, dag, step, job, res.output, logger)
}

// claim захватывает step для выполнения.
//
// Возвращает nil без ошибки, если job устарел: step уже захвачен,
// завершён или ещё не должен выполняться.
func (w *Worker) claim(ctx context.Context, job domain.StepJob, logger *slog.Logger) (*domain.Step, error) {
	current, err := w.store.GetStep(ctx, job.StepID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			logger.Warn("step not found, dropping job")
			return nil, nil
		}
		return nil, fmt.Errorf("get step: %w", err)
	}

	if current.Status.IsTerminal() {
		logger.Debug("step already finished", "status", current.Status)
		return nil, w.recover(ctx, job, logger)
	}

	// Дубль старой попытки пришёл раньше backoff новой
	if current.Status == domain.StepStatusReady && current.ScheduledFor != nil {
		if wait := current.ScheduledFor.Sub(w.now()); wait > 0 {
			logger.Debug("job arrived early, deferring", "delay", wait)
			if err := w.queue.Add(ctx, job, queue.Options{Delay: wait}); err != nil {
				return nil, fmt.Errorf("defer job: %w", err)
			}
			return nil, nil
		}
	}

	step, err := w.store.TransitionStep(ctx, job.StepID, domain.StepStatusReady, domain.StepStatusRunning,
		repo.StepPatch{StartedAt: w.timestamp(), IncrementAttempt: true})
	if err != nil {
		var stale *repo.StaleTransitionError
		if errors.As(err, &stale) {
			logger.Debug("step already claimed", "reason", err)
			if stale.Actual.IsTerminal() {
				return nil, w.recover(ctx, job, logger)
			}
			return nil, nil
		}
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return step, nil
}

// recover повторяет продвижение run после завершённого step.
//
// Предыдущий обработчик мог упасть между завершением step и созданием
// steps потомков. Повторное продвижение идемпотентно; готовые steps
// потомков ставятся в очередь ещё раз, дубли отсекаются захватом.
func (w *Worker) recover(ctx context.Context, job domain.StepJob, logger *slog.Logger) error {
	run, dag, err := w.loadRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run.IsFinished() {
		return nil
	}

	steps, err := w.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	successors := make(map[string]bool)
	for _, edge := range dag.Successors(job.NodeID) {
		successors[edge.To.ID] = true
	}

	var jobs []domain.StepJob
	for i := range steps {
		step := &steps[i]
		if step.Status == domain.StepStatusReady && successors[step.NodeID] {
			jobs = append(jobs, engine.NewStepJob(run, dag.GetNode(step.NodeID), step, step.Attempt+1))
		}
	}
	if _, err := w.dispatcher.Enqueue(ctx, jobs); err != nil {
		return err
	}

	return w.advance(ctx, run, dag, logger)
}

// succeed сохраняет результат step и продвигает run.
func (w *Worker) succeed(ctx context.Context, run *domain.Run, dag *engine.DAG, step *domain.Step, job domain.StepJob, output map[string]any, logger *slog.Logger) error {
	noError := ""
	_, err := w.store.TransitionStep(ctx, step.ID, domain.StepStatusRunning, domain.StepStatusSucceeded,
		repo.StepPatch{Output: output, Error: &noError, EndedAt: w.timestamp()})
	if err != nil {
		if errors.Is(err, repo.ErrStaleTransition) {
			logger.Debug("step changed during execution", "reason", err)
			return nil
		}
		return fmt.Errorf("mark step succeeded: %w", err)
	}

	w.metrics.Increment(telemetry.StepsSucceeded, telemetry.StepLabels(job.Connector, string(job.NodeType)))
	logger.Info("step succeeded")

	return w.advance(ctx, run, dag, logger)
}

// fail обрабатывает неудачную попытку: повтор через очередь с задержкой
// или окончательное падение step.
func (w *Worker) fail(ctx context.Context, run *domain.Run, dag *engine.DAG, step *domain.Step, job domain.StepJob, execErr error, decision retry.Decision, logger *slog.Logger) error {
	errMsg := execErr.Error()
	labels := telemetry.StepLabels(job.Connector, string(job.NodeType))

	if decision.Retry {
		at := w.now().Add(decision.Delay)
		if _, err := w.store.TransitionStep(ctx, step.ID, domain.StepStatusRunning, domain.StepStatusReady,
			repo.StepPatch{Error: &errMsg, ScheduledFor: &at}); err != nil {
			if errors.Is(err, repo.ErrStaleTransition) {
				logger.Debug("step changed during execution", "reason", err)
				return nil
			}
			return fmt.Errorf("schedule retry: %w", err)
		}

		w.metrics.Increment(telemetry.StepsFailed, labels)
		logger.Warn("step attempt failed, retrying",
			"error", errMsg,
			"delay", decision.Delay,
			"max_attempts", step.MaxAttempts,
		)

		_, err := w.dispatcher.Enqueue(ctx, []domain.StepJob{job.NextAttempt(at)})
		return err
	}

	if _, err := w.store.TransitionStep(ctx, step.ID, domain.StepStatusRunning, domain.StepStatusFailed,
		repo.StepPatch{Error: &errMsg, EndedAt: w.timestamp()}); err != nil {
		if errors.Is(err, repo.ErrStaleTransition) {
			logger.Debug("step changed during execution", "reason", err)
			return nil
		}
		return fmt.Errorf("mark step failed: %w", err)
	}

	w.metrics.Increment(telemetry.StepsFailed, labels)
	logger.Error("step failed", "error", errMsg, "retryable", retry.IsRetryable(execErr))

	if w.dlq != nil {
		if err := w.dlq.DeadLetter(ctx, job, errMsg); err != nil {
			logger.Error("failed to dead-letter job", "error", err)
		}
	}

	return w.advance(ctx, run, dag, logger)
}

// interrupt возвращает захваченный step в ready, когда воркер
// останавливается посреди попытки. Сообщение будет доставлено повторно.
func (w *Worker) interrupt(ctx context.Context, step *domain.Step, logger *slog.Logger) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptTimeout)
	defer cancel()

	msg := "interrupted: worker shutting down"
	if _, err := w.store.TransitionStep(cleanupCtx, step.ID, domain.StepStatusRunning, domain.StepStatusReady,
		repo.StepPatch{Error: &msg}); err != nil {
		logger.Error("failed to release interrupted step", "error", err)
	}
	return ctx.Err()
}

// advance создаёт steps узлов, ставших разрешёнными, и пытается завершить run.
func (w *Worker) advance(ctx context.Context, run *domain.Run, dag *engine.DAG, logger *slog.Logger) error {
	steps, err := w.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	jobs, err := w.dispatcher.Advance(ctx, run, dag, steps)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		logger.Debug("successors enqueued", "count", len(jobs))
	}

	return w.finalize(ctx, run, logger)
}

// finalize завершает run, если выполнять больше нечего.
func (w *Worker) finalize(ctx context.Context, run *domain.Run, logger *slog.Logger) error {
	res, err := w.store.MarkRunTerminal(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("mark run terminal: %w", err)
	}
	if !res.Changed {
		return nil
	}

	labels := telemetry.RunLabels(run.WorkspaceID.String())
	switch res.Run.Status {
	case domain.RunStatusCompleted:
		w.metrics.Increment(telemetry.RunsCompleted, labels)
		logger.Info("run completed", "duration", res.Run.Duration())
	case domain.RunStatusFailed:
		w.metrics.Increment(telemetry.RunsFailed, labels)
		logger.Warn("run failed", "error", res.Run.Error, "duration", res.Run.Duration())
	}
	return nil
}

// loadRun загружает run и DAG его версии.
func (w *Worker) loadRun(ctx context.Context, runID uuid.UUID) (*domain.Run, *engine.DAG, error) {
	run, err := w.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("get run: %w", err)
	}
	_, dag, err := w.loader.ForVersion(ctx, run.VersionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load version: %w", err)
	}
	return run, dag, nil
}

func (w *Worker) timestamp() *time.Time {
	t := w.now().UTC()
	return &t
}
