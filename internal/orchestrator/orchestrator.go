package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/shaiso/agentflow/internal/dispatch"
	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/idempotency"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

const defaultPrefetch = 10

// Request — запрос на запуск workflow.
//
// Это же тело сообщения run.requested в очереди runs.requested.
type Request struct {
	WorkspaceSlug  string             `json:"workspace_slug"`
	WorkflowName   string             `json:"workflow_name"`
	Trigger        domain.TriggerKind `json:"trigger"`
	Input          map[string]any     `json:"input,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

func (r Request) validate() error {
	if r.WorkspaceSlug == "" {
		return fmt.Errorf("%w: workspace_slug is required", ErrInvalidRequest)
	}
	if r.WorkflowName == "" {
		return fmt.Errorf("%w: workflow_name is required", ErrInvalidRequest)
	}
	if r.Trigger != "" && !r.Trigger.Valid() {
		return fmt.Errorf("%w: unknown trigger %q", ErrInvalidRequest, r.Trigger)
	}
	return nil
}

// Result — результат Orchestrate.
type Result struct {
	RunID       uuid.UUID        `json:"run_id"`
	Status      domain.RunStatus `json:"status"`
	WorkflowID  uuid.UUID        `json:"workflow_id"`
	WorkspaceID uuid.UUID        `json:"workspace_id"`

	// StepsEnqueued — jobs, поставленные этим вызовом. Для повторного
	// запроса по уже запущенному run — jobs существующих steps, без
	// постановки в очередь.
	StepsEnqueued []domain.StepJob `json:"steps_enqueued"`

	// Reused — run уже существовал с тем же ключом идемпотентности.
	Reused bool `json:"reused"`
}

// Orchestrator создаёт runs и запускает их корневые шаги.
//
// Не хранит состояния между вызовами: всё, что нужно для продолжения
// run, лежит в repo. Несколько экземпляров могут работать параллельно.
type Orchestrator struct {
	store      repo.Store
	loader     *engine.Loader
	guard      *idempotency.Guard
	dispatcher *dispatch.Dispatcher
	metrics    telemetry.Metrics

	// MQ (только для Start)
	conn     *mq.Connection
	consumer *mq.Consumer
	prefetch int

	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Orchestrator.
type Config struct {
	Store repo.Store

	// Loader — кэш DAG по версиям (default: engine.NewLoader(Store)).
	Loader *engine.Loader

	Queue   queue.Queue
	Metrics telemetry.Metrics

	// Retry — политика по умолчанию для новых steps и постановки в очередь.
	Retry retry.Policy

	// Conn — подключение к RabbitMQ для потребления runs.requested.
	Conn     *mq.Connection
	Prefetch int

	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "orchestrator")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Nop{}
	}

	loader := cfg.Loader
	if loader == nil {
		loader = engine.NewLoader(cfg.Store)
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}

	return &Orchestrator{
		store:  cfg.Store,
		loader: loader,
		guard:  idempotency.NewGuard(cfg.Store),
		dispatcher: dispatch.New(dispatch.Config{
			Steps:   cfg.Store,
			Queue:   cfg.Queue,
			Metrics: metrics,
			Retry:   cfg.Retry,
			Logger:  logger,
		}),
		metrics:  metrics,
		conn:     cfg.Conn,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Orchestrate создаёт run последней версии workflow и ставит в очередь
// его корневые шаги.
//
// Повторный запрос с тем же ключом идемпотентности возвращает тот же run.
// Если он ещё pending, создаются только недостающие корневые steps и
// в очередь попадают только их jobs. Steps, оставшиеся ready без job
// после прерванного запуска, подбирает внешний reconciliation sweep.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}

	ws, err := o.store.GetWorkspaceBySlug(ctx, req.WorkspaceSlug)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, req.WorkspaceSlug)
		}
		return nil, fmt.Errorf("get workspace: %w", err)
	}

	wf, version, dag, err := o.loader.Load(ctx, ws.ID, req.WorkflowName)
	if err != nil {
		return nil, err
	}

	run, created, err := o.guard.CreateRun(ctx, repo.CreateRunParams{
		WorkflowID:     wf.ID,
		VersionID:      version.ID,
		WorkspaceID:    ws.ID,
		Trigger:        req.Trigger,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	logger := telemetry.WithRunID(o.logger, run.ID.String())

	if !created && run.Status != domain.RunStatusPending {
		logger.Debug("run reused", "status", run.Status, "idempotency_key", req.IdempotencyKey)
		return o.snapshot(ctx, run)
	}

	// Reused pending run загружается по своей версии, а не по последней
	if run.VersionID != version.ID {
		if _, dag, err = o.loader.ForVersion(ctx, run.VersionID); err != nil {
			return nil, err
		}
	}

	jobs, err := o.start(ctx, run, dag)
	if err != nil {
		o.metrics.Increment(telemetry.RunsFailed, telemetry.RunLabels(run.WorkspaceID.String()))
		logger.Error("failed to start run", "error", err, "steps_enqueued", len(jobs))
		return nil, err
	}

	if created {
		o.metrics.Increment(telemetry.RunsStarted, telemetry.RunLabels(run.WorkspaceID.String()))
	}

	current, err := o.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	logger.Info("run started",
		"workflow", req.WorkflowName,
		"version", version.Version,
		"trigger", req.Trigger,
		"nodes", dag.Size(),
		"steps_enqueued", len(jobs),
		"reused", !created,
	)

	return &Result{
		RunID:         current.ID,
		Status:        current.Status,
		WorkflowID:    current.WorkflowID,
		WorkspaceID:   current.WorkspaceID,
		StepsEnqueued: jobs,
		Reused:        !created,
	}, nil
}

// start создаёт недостающие корневые steps, ставит их в очередь и
// переводит run в running.
func (o *Orchestrator) start(ctx context.Context, run *domain.Run, dag *engine.DAG) ([]domain.StepJob, error) {
	steps, err := o.store.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}

	jobs, err := o.dispatcher.Advance(ctx, run, dag, steps)
	if err != nil {
		return jobs, err
	}

	if _, err := o.store.StartRun(ctx, run.ID); err != nil {
		// Быстрый воркер мог уже завершить run
		if !errors.Is(err, repo.ErrStaleTransition) {
			return jobs, fmt.Errorf("start run: %w", err)
		}
		o.logger.Debug("run already started", "run_id", run.ID, "reason", err)
	}

	if dag.Size() == 0 {
		res, err := o.store.MarkRunTerminal(ctx, run.ID)
		if err != nil {
			return jobs, fmt.Errorf("mark run terminal: %w", err)
		}
		if res.Changed {
			o.metrics.Increment(telemetry.RunsCompleted, telemetry.RunLabels(run.WorkspaceID.String()))
		}
	}

	return jobs, nil
}
