package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/agentflow/internal/mq"
)

// Start запускает потребление запросов из очереди runs.requested.
// Триггеры (webhook, расписание) только публикуют Request.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.conn == nil {
		return errors.New("orchestrator: mq connection is not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel

	o.consumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:       mq.QueueRunsRequested,
		Handler:     o.handleRunRequested,
		Prefetch:    o.prefetch,
		Concurrency: o.prefetch,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("run consumer error", "error", err)
		}
	}()

	o.logger.Info("orchestrator started", "prefetch", o.prefetch)
	return nil
}

// Stop останавливает потребление и ждёт завершения обработчиков.
func (o *Orchestrator) Stop() {
	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}
	if o.consumer != nil {
		o.consumer.Stop()
	}
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// handleRunRequested обрабатывает сообщение run.requested.
//
// Ошибки запроса (нет workspace, workflow, битый документ) отклоняются
// без повторной доставки; остальные возвращаются в очередь.
func (o *Orchestrator) handleRunRequested(ctx context.Context, delivery *mq.Delivery) error {
	req, err := mq.ParsePayload[Request](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse run.requested payload", "error", err)
		return fmt.Errorf("%w: %v", mq.ErrReject, err)
	}

	o.logger.Debug("received run.requested",
		"workspace", req.WorkspaceSlug,
		"workflow", req.WorkflowName,
		"idempotency_key", req.IdempotencyKey,
	)

	if _, err := o.Orchestrate(ctx, req); err != nil {
		if isCallerError(err) {
			o.logger.Warn("run request rejected",
				"workspace", req.WorkspaceSlug,
				"workflow", req.WorkflowName,
				"reason", err,
			)
			return fmt.Errorf("%w: %v", mq.ErrReject, err)
		}
		return err
	}
	return nil
}
