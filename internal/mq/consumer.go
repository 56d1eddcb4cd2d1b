package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// ErrReject — обработчик отказывается от сообщения навсегда:
// оно отклоняется без requeue и уходит в DLQ очереди.
var ErrReject = errors.New("reject message")

// Consumer потребляет сообщения из очереди RabbitMQ.
type Consumer struct {
	conn        *Connection
	logger      *slog.Logger
	queue       string
	handler     Handler
	prefetch    int
	concurrency int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue Queue

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество неподтверждённых сообщений на consumer.
	Prefetch int

	// Concurrency — количество одновременно обрабатываемых сообщений.
	Concurrency int
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := max(cfg.Concurrency, 1)
	prefetch := cfg.Prefetch
	if prefetch < concurrency {
		prefetch = concurrency
	}

	return &Consumer{
		conn:        conn,
		logger:      logger,
		queue:       string(cfg.Queue),
		handler:     cfg.Handler,
		prefetch:    prefetch,
		concurrency: concurrency,
	}
}

// Start запускает потребление сообщений. Блокируется до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	defer cancel()

	reconnected := c.conn.ReconnectNotify()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ch, deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-reconnected:
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue, "concurrency", c.concurrency)

		err = c.processDeliveries(ctx, deliveries)
		ch.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-reconnected:
		}
	}
}

// setupConsume открывает канал consumer и начинает потребление.
func (c *Consumer) setupConsume() (*amqp.Channel, <-chan amqp.Delivery, error) {
	ch, err := c.conn.NewChannel()
	if err != nil {
		return nil, nil, err
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queue, // queue
		"",      // consumer tag (auto-generated)
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("consume: %w", err)
	}
	return ch, deliveries, nil
}

// processDeliveries обрабатывает сообщения не более чем в concurrency горутинах.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			// Go блокируется, пока все слоты заняты
			g.Go(func() error {
				c.handleDelivery(ctx, raw)
				return nil
			})
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.queue,
			"error", err,
		)
		// Некорректное сообщение — отправляем в DLQ
		_ = raw.Nack(false, false)
		return
	}

	err := c.handler(ctx, &Delivery{Message: msg, Raw: raw})
	switch {
	case err == nil:
		_ = raw.Ack(false)
	case errors.Is(err, ErrReject):
		c.logger.Warn("message rejected",
			"queue", c.queue,
			"message_id", msg.ID,
			"error", err,
		)
		_ = raw.Nack(false, false)
	default:
		c.logger.Error("handler failed",
			"queue", c.queue,
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		// Ошибка обработки — возвращаем в очередь для повторной доставки
		_ = raw.Nack(false, true)
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// После json.Unmarshal конверта payload — map[string]any
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
