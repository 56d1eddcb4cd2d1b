package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/shaiso/agentflow/internal/domain"
)

// Memory — очередь с отложенной доставкой в памяти процесса.
//
// Jobs упорядочены по времени готовности, при равенстве по порядку
// добавления. Используется в тестах и в локальном режиме.
type Memory struct {
	mu     sync.Mutex
	items  jobHeap
	seq    uint64
	dead   []DeadLetter
	notify chan struct{}
	now    func() time.Time
}

var (
	_ Queue           = (*Memory)(nil)
	_ DeadLetterQueue = (*Memory)(nil)
)

// NewMemory создаёт пустую очередь.
func NewMemory() *Memory {
	return &Memory{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Add ставит job в очередь с задержкой opts.Delay.
func (m *Memory) Add(_ context.Context, job domain.StepJob, opts Options) error {
	m.mu.Lock()
	m.seq++
	heap.Push(&m.items, &item{job: job, due: m.now().Add(opts.Delay), seq: m.seq})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// DeadLetter сохраняет job, исчерпавший попытки.
func (m *Memory) DeadLetter(_ context.Context, job domain.StepJob, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, DeadLetter{Job: job, Reason: reason, At: m.now()})
	return nil
}

// DeadLetters возвращает копию очереди недоставленных.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}

// Len возвращает количество jobs в очереди (включая отложенные).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len()
}

// TryPull извлекает job, если он уже готов к доставке.
func (m *Memory) TryPull() (domain.StepJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok, _ := m.popDue()
	return job, ok
}

// Pull блокируется до появления готового job или отмены ctx.
func (m *Memory) Pull(ctx context.Context) (domain.StepJob, error) {
	for {
		m.mu.Lock()
		job, ok, wait := m.popDue()
		m.mu.Unlock()
		if ok {
			return job, nil
		}

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return domain.StepJob{}, ctx.Err()
		case <-m.notify:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popDue извлекает первый готовый job. Если готовых нет, возвращает
// время до ближайшего (0 — очередь пуста). Вызывается под mu.
func (m *Memory) popDue() (domain.StepJob, bool, time.Duration) {
	if m.items.Len() == 0 {
		return domain.StepJob{}, false, 0
	}
	head := m.items[0]
	if wait := head.due.Sub(m.now()); wait > 0 {
		return domain.StepJob{}, false, wait
	}
	heap.Pop(&m.items)
	return head.job, true, 0
}

type item struct {
	job domain.StepJob
	due time.Time
	seq uint64
}

// jobHeap — min-heap по (due, seq).
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].due.Equal(h[j].due) {
		return h[i].due.Before(h[j].due)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
