package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, DefaultMaxSucceededTasks, cfg.MaxSucceededTasks)
	assert.Equal(t, 100*time.Millisecond, cfg.ProgressCoalesceInterval)
	assert.Equal(t, time.Second, cfg.RecurringTickInterval)
	assert.Equal(t, 1, cfg.SemaphoreLimits["single"])
	assert.Equal(t, 10, cfg.SemaphoreLimits["multiple"])
	assert.Equal(t, 3, cfg.SemaphoreLimits["default"])
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	content := `
worker_count = 32
max_succeeded_tasks = 50

[semaphore_limits]
single = 1
multiple = 20
default = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.WorkerCount)
	assert.Equal(t, 50, cfg.MaxSucceededTasks)
	assert.Equal(t, 20, cfg.SemaphoreLimits["multiple"])
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	content := "worker_count: 8\nmax_succeeded_tasks: 5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 5, cfg.MaxSucceededTasks)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count = 8\n"), 0o644))

	t.Setenv("TASKENGINE_WORKER_COUNT", "64")
	t.Setenv("TASKENGINE_GRACE_PERIOD", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.WorkerCount)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
