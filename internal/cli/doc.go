// Package cli реализует инструмент командной строки agentflow.
//
// # Обзор
//
// CLI работает напрямую с хранилищем и очередью: публикует версии
// workflow, запускает runs и показывает их состояние.
//
// # Ключевые компоненты
//
// ## App
//
// Ресурсы команд: конфигурация, логгер, пул PostgreSQL и подключение
// к RabbitMQ. Подключения открываются при первом обращении, поэтому
// orchestrate --local --file не требует ни БД, ни брокера.
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения — в stderr.
// Это позволяет использовать pipe: agentflow run show ID --json | jq .
//
// ## Commands
//
//   - migrate
//   - workflow: publish, show
//   - orchestrate [--local [--file DAG]] [--async]
//   - run: list, show, cancel
//
// Каждая группа создаётся фабричной функцией (NewRunCmd и т.д.),
// принимающей appFn и outputFn — замыкания, которые создают App и Output
// после парсинга PersistentFlags.
package cli
