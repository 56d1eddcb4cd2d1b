package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns  Exchange = "agentflow.runs"
	ExchangeSteps Exchange = "agentflow.steps"
	ExchangeDLQ   Exchange = "agentflow.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsRequested Queue = "runs.requested"
	QueueStepsReady    Queue = "steps.ready"
	QueueDLQSteps      Queue = "dlq.steps"
)

// Routing keys.
const (
	RoutingKeyRequested RoutingKey = "requested"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyDLQSteps  RoutingKey = "steps"
)

// delayQueuePrefix — префикс очередей отложенной доставки.
const delayQueuePrefix = "steps.delay."

// delayQueueIdle — через сколько после опустошения удаляется очередь задержки.
const delayQueueIdle = time.Minute

// SetupTopology объявляет exchanges, очереди и привязки. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeRuns, ExchangeSteps, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// runs.requested — запросы на запуск от триггеров
		{QueueRunsRequested, nil},

		// steps.ready — сообщения, отклонённые без requeue, уходят в DLQ
		{QueueStepsReady, amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDLQSteps),
		}},

		// dlq.steps — jobs, исчерпавшие попытки, и некорректные сообщения
		{QueueDLQSteps, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}
	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunsRequested, RoutingKeyRequested, ExchangeRuns},
		{QueueStepsReady, RoutingKeyReady, ExchangeSteps},
		{QueueDLQSteps, RoutingKeyDLQSteps, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// DelayQueueName возвращает имя очереди задержки для delay.
func DelayQueueName(delay time.Duration) Queue {
	return Queue(delayQueuePrefix + strconv.FormatInt(delay.Milliseconds(), 10))
}

// declareDelayQueue объявляет очередь задержки: сообщения лежат в ней
// delay и по истечении TTL возвращаются в agentflow.steps/ready.
func declareDelayQueue(ch *amqp.Channel, delay time.Duration) (Queue, error) {
	name := DelayQueueName(delay)
	ms := delay.Milliseconds()

	_, err := ch.QueueDeclare(
		string(name),
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             ms,
			"x-dead-letter-exchange":    string(ExchangeSteps),
			"x-dead-letter-routing-key": string(RoutingKeyReady),
			"x-expires":                 ms + delayQueueIdle.Milliseconds(),
		},
	)
	if err != nil {
		return "", fmt.Errorf("declare delay queue %s: %w", name, err)
	}
	return name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  agentflow RabbitMQ topology:

    agentflow.runs (direct)
    └── runs.requested [routing: requested]
            Consumer: orchestrator

    agentflow.steps (direct)
    └── steps.ready [routing: ready]
            Consumer: worker
            DLQ: dlq.steps

    steps.delay.<ms> (default exchange, TTL <ms>)
    └── dead-letter → agentflow.steps [routing: ready]

    agentflow.dlq (direct)
    └── dlq.steps [routing: steps]
            Manual processing
  `
}
