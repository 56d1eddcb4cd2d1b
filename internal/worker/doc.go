// Package worker выполняет steps.
//
// # Обзор
//
// Worker — stateless компонент, который получает StepJob из очереди
// steps.ready и выполняет одну попытку step:
//
//  1. Захват step переходом ready → running (с инкрементом Attempt)
//  2. Загрузка run и DAG его версии
//  3. Выполнение узла по типу
//  4. Фиксация результата: succeeded, failed или ready (retry)
//  5. Создание steps следующих узлов и завершение run
//
// Очередь доставляет jobs как минимум один раз. Источник истины —
// хранилище: из нескольких воркеров с одним job step захватит только
// один, остальные получат устаревший переход и отбросят сообщение.
//
//	w := worker.New(worker.Config{
//	    Store:  store,
//	    Queue:  stepQueue,
//	    DLQ:    stepQueue,
//	    Conn:   mqConn,
//	    Logger: logger,
//	})
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// # Типы узлов
//
//   - action — вызов действия коннектора через connector.Executor;
//     каждая попытка записывается в журнал ToolExecution
//   - conditional — выражение над {input, steps}, результат {"result": bool}
//   - wait — job ставится с задержкой, выполнение возвращает время пробуждения
//
// # Retry
//
// Повторы идут через очередь с задержкой, а не в процессе: step
// возвращается в ready с ScheduledFor, следующий job получает новый
// ключ идемпотентности "<stepId>:attempt:<n>". Постоянные ошибки
// (connector.ErrPermanent) и исчерпанные попытки переводят step в failed
// и отправляют job в DLQ.
//
// # Остановка
//
// Если контекст воркера отменён во время попытки, step возвращается
// в ready и будет выполнен заново другим воркером.
package worker
