package recurringconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/config"
	"github.com/taskengine/taskengine/engine"
)

func newTestEngine() *engine.Engine {
	cfg := config.Default()
	mc := clock.NewMock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return engine.New(cfg, engine.WithClock(mc))
}

func writeDefinition(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAllRegistersExistingDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "nightly.yaml", `
cron_expression: "0 0 * * *"
max_concurrent: 2
task_type: example_cpu_task
n: 1000
`)

	eng := newTestEngine()
	loader, err := NewLoader(eng, dir, nil)
	require.NoError(t, err)
	require.NoError(t, loader.loadAll())
	defer func() { _ = loader.watcher.Close() }()

	recurrences := eng.ListRecurring()
	require.Len(t, recurrences, 1)
	require.Equal(t, "0 0 * * *", recurrences[0].CronExpression)
	require.Equal(t, 2, recurrences[0].MaxConcurrent)
}

func TestLoadRejectsUnknownTaskType(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "bogus.yaml", `
cron_expression: "* * * * *"
max_concurrent: 1
task_type: not_a_real_kind
`)

	eng := newTestEngine()
	loader, err := NewLoader(eng, dir, nil)
	require.NoError(t, err)
	defer func() { _ = loader.watcher.Close() }()

	err = loader.load(path)
	require.Error(t, err)
	require.Empty(t, eng.ListRecurring())
}

func TestUnloadRemovesRegistration(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "hourly.yaml", `
cron_expression: "0 * * * *"
max_concurrent: 1
task_type: example_io_task
steps: 5
step_ms: 10
`)

	eng := newTestEngine()
	loader, err := NewLoader(eng, dir, nil)
	require.NoError(t, err)
	defer func() { _ = loader.watcher.Close() }()

	require.NoError(t, loader.load(path))
	require.Len(t, eng.ListRecurring(), 1)

	loader.unload(path)
	require.Empty(t, eng.ListRecurring())
}

func TestReloadReplacesPriorRegistration(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "daily.yaml", `
cron_expression: "0 1 * * *"
max_concurrent: 1
task_type: example_cpu_task
n: 10
`)

	eng := newTestEngine()
	loader, err := NewLoader(eng, dir, nil)
	require.NoError(t, err)
	defer func() { _ = loader.watcher.Close() }()

	require.NoError(t, loader.load(path))
	first := eng.ListRecurring()
	require.Len(t, first, 1)
	firstID := first[0].RecurringID

	writeDefinition(t, dir, "daily.yaml", `
cron_expression: "0 2 * * *"
max_concurrent: 3
task_type: example_cpu_task
n: 20
`)
	require.NoError(t, loader.load(path))

	second := eng.ListRecurring()
	require.Len(t, second, 1)
	require.NotEqual(t, firstID, second[0].RecurringID)
	require.Equal(t, "0 2 * * *", second[0].CronExpression)
	require.Equal(t, 3, second[0].MaxConcurrent)
}
