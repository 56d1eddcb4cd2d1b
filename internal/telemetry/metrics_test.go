package telemetry

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentflow/internal/config"
)

func TestPrometheusMetrics_Increment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Increment(StepsSucceeded, map[string]string{LabelConnector: "http"})
	m.Increment(StepsSucceeded, map[string]string{LabelConnector: "http", "ignored": "x"})
	m.Increment(RunsStarted, nil)
	m.Increment("unknown", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.counters[StepsSucceeded].WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.counters[RunsStarted].WithLabelValues("")))

	count, err := testutil.GatherAndCount(reg, "agentflow_steps_succeeded_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryMetrics(t *testing.T) {
	m := NewMemoryMetrics()

	m.Increment(StepsFailed, map[string]string{LabelConnector: "http"})
	m.Increment(StepsFailed, map[string]string{LabelConnector: "core"})
	m.Increment(RunsCompleted, nil)

	assert.Equal(t, 2, m.Count(StepsFailed))
	assert.Equal(t, 1, m.CountWith(StepsFailed, map[string]string{LabelConnector: "http"}))
	assert.Equal(t, 0, m.Count(StepsSucceeded))
	assert.Equal(t, map[string]int{StepsFailed: 2, RunsCompleted: 1}, m.Snapshot())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(&buf, config.LogConfig{Level: "warn", Format: "text"})
	logger.Info("hidden")
	WithRunID(logger, "r1").Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "run_id=r1")

	buf.Reset()
	logger = NewLogger(&buf, config.LogConfig{Level: "info", Format: "json"})
	WithStep(logger, "r1", "s1", "fetch").Info("step")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"node_id":"fetch"`)
}

func TestStepLabels(t *testing.T) {
	assert.Equal(t, map[string]string{LabelConnector: "http"}, StepLabels("http", "action"))
	assert.Equal(t, map[string]string{LabelConnector: "wait"}, StepLabels("", "wait"))
	assert.Equal(t, map[string]string{LabelWorkspace: "acme"}, RunLabels("acme"))

	// Nop не паникует
	Nop{}.Increment(RunsStarted, nil)
}
