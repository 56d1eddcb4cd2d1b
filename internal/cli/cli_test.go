package cli

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/agentflow/internal/config"
	"github.com/shaiso/agentflow/internal/domain"
)

func testApp() *App {
	cfg := &config.Config{
		Retry:  config.RetryConfig{MaxAttempts: 2, Backoff: "fixed", InitialDelay: time.Millisecond},
		Worker: config.WorkerConfig{JobTimeout: time.Second, Concurrency: 1},
	}
	return NewApp(cfg, slog.New(slog.DiscardHandler))
}

func writeDAG(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dag.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func runOrchestrate(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := testApp()

	cmd := NewOrchestrateCmd(
		func() *App { return app },
		func() *Output { return NewOutputTo(&stdout, &stderr, true) },
	)
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestOrchestrate_LocalFile(t *testing.T) {
	dag := writeDAG(t, `{
		"nodes": [
			{"id": "greet", "type": "action", "connector": "core", "action": "transform",
			 "config": {"message": "hello {{ .Input.name }}"}},
			{"id": "check", "type": "conditional", "config": {"expression": "steps.greet.status == \"succeeded\""}}
		],
		"edges": [{"from": "greet", "to": "check"}]
	}`)

	stdout, _, err := runOrchestrate(t, "demo", "--local", "--file", dag, "--input", "name=ann")
	require.NoError(t, err)

	var view struct {
		Status domain.RunStatus `json:"status"`
		Steps  []domain.Step    `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.Equal(t, domain.RunStatusCompleted, view.Status)
	require.Len(t, view.Steps, 2)

	outputs := map[string]map[string]any{}
	for _, s := range view.Steps {
		outputs[s.NodeID] = s.Output
	}
	assert.Equal(t, "hello ann", outputs["greet"]["message"])
	assert.Equal(t, true, outputs["check"]["result"])
}

func TestOrchestrate_LocalFileFailure(t *testing.T) {
	dag := writeDAG(t, `{"nodes": [{"id": "boom", "type": "action", "connector": "nope", "action": "x"}]}`)

	_, stderr, err := runOrchestrate(t, "demo", "--local", "--file", dag)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(domain.RunStatusFailed))
	assert.Contains(t, stderr, "dead-lettered: boom")
}

func TestOrchestrate_InvalidInput(t *testing.T) {
	_, _, err := runOrchestrate(t, "demo", "--local", "--input", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KEY=VALUE")

	_, _, err = runOrchestrate(t, "demo", "--file", "dag.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--local")
}

func TestOrchestrateOpts_Request(t *testing.T) {
	opts := orchestrateOpts{
		workspace: "acme",
		inputJSON: `{"amount": 10}`,
		inputs:    []string{"region=eu"},
		key:       "k-1",
		trigger:   "webhook",
	}

	req, err := opts.request("billing")
	require.NoError(t, err)
	assert.Equal(t, "acme", req.WorkspaceSlug)
	assert.Equal(t, "billing", req.WorkflowName)
	assert.Equal(t, domain.TriggerWebhook, req.Trigger)
	assert.Equal(t, "k-1", req.IdempotencyKey)
	assert.Equal(t, map[string]any{"amount": float64(10), "region": "eu"}, req.Input)
}

func TestOutput_RunDetailsTable(t *testing.T) {
	var stdout bytes.Buffer
	out := NewOutputTo(&stdout, &bytes.Buffer{}, false)

	run := &domain.Run{Status: domain.RunStatusFailed, Error: "1 step(s) failed"}
	out.RunDetails(run, []domain.Step{
		{NodeID: "fetch", Type: domain.NodeTypeAction, Status: domain.StepStatusFailed, Attempt: 3, MaxAttempts: 3, Error: "timeout"},
	})

	text := stdout.String()
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "fetch")
	assert.Contains(t, text, "3/3")
	assert.Contains(t, text, "timeout")
}
