package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int32(10), cfg.DB.MaxConns)
	assert.Equal(t, 5, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "exponential", cfg.Retry.Backoff)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("AGENTFLOW_DB_URL", "postgresql://x@db/agentflow")
	t.Setenv("AGENTFLOW_WORKER_CONCURRENCY", "12")
	t.Setenv("AGENTFLOW_WORKER_JOB_TIMEOUT", "2m")
	t.Setenv("AGENTFLOW_RETRY_BACKOFF", "fixed")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgresql://x@db/agentflow", cfg.DB.URL)
	assert.Equal(t, 12, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Worker.JobTimeout)
	assert.Equal(t, "fixed", cfg.Retry.Backoff)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.yaml")
	err := os.WriteFile(path, []byte(`
log:
  level: debug
  format: text
retry:
  max_attempts: 7
  initial_delay: 250ms
`), 0o600)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialDelay)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	bad := *cfg
	bad.Retry.Backoff = "random"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Worker.Concurrency = 0
	assert.Error(t, bad.Validate())
}
