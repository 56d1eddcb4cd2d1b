// Package engine содержит модель DAG workflow.
//
// Включает:
//   - parser.go    — разбор и структурная валидация DAGSpec
//   - dag.go       — построение графа, готовность узлов, Resolve
//   - predicate.go — предикаты рёбер и conditional-узлов (expr)
//   - outputs.go   — jq-проекции выходов узла (gojq)
//   - wait.go      — задержки wait-узлов (duration, cron)
//   - template.go  — рендеринг конфигурации ({{ .Input.x }})
//   - loader.go    — загрузка версии workflow и кэш DAG
//
// Engine не хранит состояние run: готовность вычисляется по наблюдаемым
// статусам steps (RunState), поэтому одно и то же решение может безопасно
// приниматься повторно несколькими воркерами.
package engine
