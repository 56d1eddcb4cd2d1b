package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunRequested MessageType = "run.requested"
	MessageTypeStepReady    MessageType = "step.ready"
	MessageTypeStepDead     MessageType = "step.dead"
)

// Message — конверт сообщения.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage создаёт сообщение с новым ID.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Publish публикует сообщение в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return p.publish(ctx, ch, string(exchange), string(routingKey), msg)
	})
}

// PublishDelayed публикует сообщение для agentflow.steps/ready с задержкой
// через очередь steps.delay.<ms>.
func (p *Publisher) PublishDelayed(ctx context.Context, delay time.Duration, msg *Message) error {
	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		queue, err := declareDelayQueue(ch, delay)
		if err != nil {
			return err
		}
		// Default exchange маршрутизирует по имени очереди
		return p.publish(ctx, ch, "", string(queue), msg)
	})
}

// PublishRunRequested публикует запрос на запуск run.
// Потребитель: orchestrator.
func (p *Publisher) PublishRunRequested(ctx context.Context, payload any) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyRequested, NewMessage(MessageTypeRunRequested, payload))
}

func (p *Publisher) publish(ctx context.Context, ch *amqp.Channel, exchange, routingKey string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = ch.PublishWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msg.Type),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}
