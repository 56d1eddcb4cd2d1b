// Package orchestrator создаёт runs и ставит в очередь их первые шаги.
//
// Orchestrator отвечает за:
//   - Поиск workspace и последней версии workflow
//   - Идемпотентное создание run
//   - Создание steps для корневых узлов DAG
//   - Постановку jobs в очередь и перевод run в running
//
// Steps и jobs создаёт dispatch.Dispatcher, общий с воркером.
// Состояние run целиком хранится в repo, поэтому оркестратор stateless.
package orchestrator
