package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/agentflow/internal/connector"
	"github.com/shaiso/agentflow/internal/dispatch"
	"github.com/shaiso/agentflow/internal/engine"
	"github.com/shaiso/agentflow/internal/mq"
	"github.com/shaiso/agentflow/internal/queue"
	"github.com/shaiso/agentflow/internal/repo"
	"github.com/shaiso/agentflow/internal/retry"
	"github.com/shaiso/agentflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultJobTimeout  = 30 * time.Second
	defaultConcurrency = 5
)

// Worker выполняет steps.
//
// Worker — stateless компонент системы, который:
//   - Получает StepJob из очереди steps.ready
//   - Захватывает step переходом ready → running
//   - Выполняет узел (коннектор, условие или ожидание)
//   - Повторяет неудачные попытки через очередь с задержкой
//   - Создаёт steps следующих узлов и завершает run
//
// Workers масштабируются горизонтально — несколько экземпляров
// могут потреблять из одной очереди.
type Worker struct {
	store      repo.Store
	loader     *engine.Loader
	executor   connector.Executor
	queue      queue.Queue
	dlq        queue.DeadLetterQueue
	dispatcher *dispatch.Dispatcher
	metrics    telemetry.Metrics
	retry      retry.Policy

	jobTimeout  time.Duration
	concurrency int

	// MQ (только для Start)
	conn     *mq.Connection
	consumer *mq.Consumer

	logger     *slog.Logger
	now        func() time.Time
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	Store repo.Store

	// Loader — кэш DAG по версиям (default: engine.NewLoader(Store)).
	Loader *engine.Loader

	// Executor — исполнитель действий (default: connector.NewDefaultRegistry).
	Executor connector.Executor

	// Queue — очередь для повторных попыток и следующих узлов.
	Queue queue.Queue

	// DLQ — приёмник steps, упавших окончательно (опционально).
	DLQ queue.DeadLetterQueue

	Metrics telemetry.Metrics

	// Retry — политика по умолчанию; политика узла переопределяет её поля.
	Retry retry.Policy

	// JobTimeout — таймаут попытки, если узел не задаёт свой (default: 30s).
	JobTimeout time.Duration

	// Concurrency — количество одновременно обрабатываемых jobs (default: 5).
	Concurrency int

	// Conn — подключение к RabbitMQ для потребления steps.ready.
	Conn *mq.Connection

	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.Nop{}
	}

	loader := cfg.Loader
	if loader == nil {
		loader = engine.NewLoader(cfg.Store)
	}

	executor := cfg.Executor
	if executor == nil {
		executor = connector.NewDefaultRegistry(logger)
	}

	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy()
	}

	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = defaultJobTimeout
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Worker{
		store:    cfg.Store,
		loader:   loader,
		executor: executor,
		queue:    cfg.Queue,
		dlq:      cfg.DLQ,
		dispatcher: dispatch.New(dispatch.Config{
			Steps:   cfg.Store,
			Queue:   cfg.Queue,
			Metrics: metrics,
			Retry:   policy,
			Logger:  logger,
		}),
		metrics:     metrics,
		retry:       policy,
		jobTimeout:  jobTimeout,
		concurrency: concurrency,
		conn:        cfg.Conn,
		logger:      logger,
		now:         time.Now,
	}
}

// Start запускает потребление очереди steps.ready.
func (w *Worker) Start(ctx context.Context) error {
	if w.conn == nil {
		return errors.New("worker: mq connection is not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	w.consumer = mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
		Queue:       mq.QueueStepsReady,
		Handler:     w.handleStepReady,
		Prefetch:    w.concurrency,
		Concurrency: w.concurrency,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("step consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started",
		"concurrency", w.concurrency,
		"job_timeout", w.jobTimeout,
	)
	return nil
}

// Stop останавливает Worker и ждёт завершения текущих jobs.
func (w *Worker) Stop() {
	w.logger.Info("stopping worker...")

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	w.logger.Info("worker stopped")
}

// Drain выполняет jobs из очереди в памяти, пока она не опустеет.
//
// Отложенные jobs дожидаются своего времени. Используется в тестах
// и в локальном режиме CLI, где очередь живёт в том же процессе.
func (w *Worker) Drain(ctx context.Context, q *queue.Memory) error {
	for q.Len() > 0 {
		job, err := q.Pull(ctx)
		if err != nil {
			return err
		}
		if err := w.ProcessStepJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}
