package mq

import (
	"context"
	"fmt"

	"github.com/shaiso/agentflow/internal/domain"
	"github.com/shaiso/agentflow/internal/queue"
)

// StepQueue — queue.Queue поверх RabbitMQ.
type StepQueue struct {
	publisher *Publisher
}

var (
	_ queue.Queue           = (*StepQueue)(nil)
	_ queue.DeadLetterQueue = (*StepQueue)(nil)
)

// NewStepQueue создаёт StepQueue.
func NewStepQueue(publisher *Publisher) *StepQueue {
	return &StepQueue{publisher: publisher}
}

// DeadLetterPayload — сообщение в dlq.steps.
type DeadLetterPayload struct {
	Job    domain.StepJob `json:"job"`
	Reason string         `json:"reason"`
}

// Add публикует job в steps.ready, с задержкой — через очередь задержки.
func (q *StepQueue) Add(ctx context.Context, job domain.StepJob, opts queue.Options) error {
	msg := NewMessage(MessageTypeStepReady, job)
	msg.ID = job.IdempotencyKey

	if opts.Delay > 0 && opts.Delay.Milliseconds() > 0 {
		if err := q.publisher.PublishDelayed(ctx, opts.Delay, msg); err != nil {
			return fmt.Errorf("enqueue step %s delayed: %w", job.StepID, err)
		}
		return nil
	}

	if err := q.publisher.Publish(ctx, ExchangeSteps, RoutingKeyReady, msg); err != nil {
		return fmt.Errorf("enqueue step %s: %w", job.StepID, err)
	}
	return nil
}

// DeadLetter публикует job в dlq.steps.
func (q *StepQueue) DeadLetter(ctx context.Context, job domain.StepJob, reason string) error {
	msg := NewMessage(MessageTypeStepDead, DeadLetterPayload{Job: job, Reason: reason})
	if err := q.publisher.Publish(ctx, ExchangeDLQ, RoutingKeyDLQSteps, msg); err != nil {
		return fmt.Errorf("dead-letter step %s: %w", job.StepID, err)
	}
	return nil
}
