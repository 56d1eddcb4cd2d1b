// Package telemetry — логирование и счётчики runs/steps.
//
// Логгер настраивается из config.LogConfig; WithRunID и WithStep
// добавляют поля run_id, step_id, node_id.
//
// Счётчики пишутся через интерфейс Metrics:
//   - PrometheusMetrics — для процессов, отдаётся на /metrics
//   - MemoryMetrics — для тестов и локального режима CLI
//   - Nop — когда счётчики не нужны
package telemetry
