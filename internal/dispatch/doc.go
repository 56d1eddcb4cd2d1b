// Package dispatch переводит состояние run в новые steps и jobs.
//
// Dispatcher общий для оркестратора и воркера. Оркестратор вызывает
// Advance для корневых узлов, воркер — после каждого терминального step.
// Advance создаёт только недостающие steps: узел, у которого step уже
// есть, повторно не ставится в очередь.
package dispatch
