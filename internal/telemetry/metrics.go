package telemetry

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Имена счётчиков.
const (
	RunsStarted    = "runsStarted"
	RunsCompleted  = "runsCompleted"
	RunsFailed     = "runsFailed"
	StepsEnqueued  = "stepsEnqueued"
	StepsStarted   = "stepsStarted"
	StepsSucceeded = "stepsSucceeded"
	StepsFailed    = "stepsFailed"
)

// Метки счётчиков.
const (
	LabelWorkspace = "workspace"
	LabelConnector = "connector"
)

// Metrics — приёмник счётчиков.
//
// Increment с неизвестным именем игнорируется. Лишние метки отбрасываются,
// отсутствующие заполняются пустой строкой.
type Metrics interface {
	Increment(name string, labels map[string]string)
}

// counterDef — описание Prometheus-счётчика.
type counterDef struct {
	name   string
	metric string
	help   string
	labels []string
}

var counterDefs = []counterDef{
	{RunsStarted, "agentflow_runs_started_total", "Runs created and started by the orchestrator.", []string{LabelWorkspace}},
	{RunsCompleted, "agentflow_runs_completed_total", "Runs finalized as completed.", []string{LabelWorkspace}},
	{RunsFailed, "agentflow_runs_failed_total", "Runs finalized as failed or failed to orchestrate.", []string{LabelWorkspace}},
	{StepsEnqueued, "agentflow_steps_enqueued_total", "Step jobs added to the queue.", []string{LabelConnector}},
	{StepsStarted, "agentflow_steps_started_total", "Steps claimed by a worker.", []string{LabelConnector}},
	{StepsSucceeded, "agentflow_steps_succeeded_total", "Steps finished successfully.", []string{LabelConnector}},
	{StepsFailed, "agentflow_steps_failed_total", "Failed step attempts, including retried ones.", []string{LabelConnector}},
}

// PrometheusMetrics — Metrics поверх Prometheus CounterVec.
type PrometheusMetrics struct {
	counters map[string]*prometheus.CounterVec
	labels   map[string][]string
}

// NewPrometheusMetrics регистрирует счётчики в reg.
// nil — prometheus.DefaultRegisterer (экспортируется promhttp.Handler()).
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &PrometheusMetrics{
		counters: make(map[string]*prometheus.CounterVec, len(counterDefs)),
		labels:   make(map[string][]string, len(counterDefs)),
	}
	for _, def := range counterDefs {
		m.counters[def.name] = factory.NewCounterVec(prometheus.CounterOpts{
			Name: def.metric,
			Help: def.help,
		}, def.labels)
		m.labels[def.name] = def.labels
	}
	return m
}

// Increment увеличивает счётчик на 1.
func (m *PrometheusMetrics) Increment(name string, labels map[string]string) {
	counter, ok := m.counters[name]
	if !ok {
		return
	}

	names := m.labels[name]
	values := make([]string, len(names))
	for i, l := range names {
		values[i] = labels[l]
	}
	counter.WithLabelValues(values...).Inc()
}

// MemoryMetrics — Metrics в памяти для тестов и локального режима.
type MemoryMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryMetrics создаёт пустой MemoryMetrics.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{counts: make(map[string]int)}
}

// Increment увеличивает счётчик на 1.
func (m *MemoryMetrics) Increment(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[name]++
	if len(labels) > 0 {
		m.counts[seriesKey(name, labels)]++
	}
}

// Count возвращает значение счётчика по всем меткам.
func (m *MemoryMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

// CountWith возвращает значение счётчика для конкретного набора меток.
func (m *MemoryMetrics) CountWith(name string, labels map[string]string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[seriesKey(name, labels)]
}

// Snapshot возвращает копию счётчиков без меток.
func (m *MemoryMetrics) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int)
	for k, v := range m.counts {
		if !strings.Contains(k, "{") {
			out[k] = v
		}
	}
	return out
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Nop — Metrics, который ничего не считает.
type Nop struct{}

// Increment ничего не делает.
func (Nop) Increment(string, map[string]string) {}

// StepLabels возвращает метки счётчиков шагов.
// Для узлов без коннектора (conditional, wait) вместо коннектора подставляется тип узла.
func StepLabels(connector, nodeType string) map[string]string {
	if connector == "" {
		connector = nodeType
	}
	return map[string]string{LabelConnector: connector}
}

// RunLabels возвращает метки счётчиков run.
func RunLabels(workspace string) map[string]string {
	return map[string]string{LabelWorkspace: workspace}
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = (*MemoryMetrics)(nil)
	_ Metrics = Nop{}
)
