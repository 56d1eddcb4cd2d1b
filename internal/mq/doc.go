// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — exchanges, queues, bindings, очереди задержки
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление с ограниченной конкурентностью
//   - step_queue.go — queue.Queue для шагов поверх RabbitMQ
//
// Типы сообщений:
//   - run.requested — запрос на запуск run (от триггеров)
//   - step.ready    — шаг готов к выполнению
//   - step.dead     — шаг исчерпал попытки
//
// Exchanges:
//   - agentflow.runs  — запросы на запуск
//   - agentflow.steps — готовые шаги
//   - agentflow.dlq   — dead letter queue
package mq
