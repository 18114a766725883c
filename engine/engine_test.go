package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/config"
	"github.com/taskengine/taskengine/recurring"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/tasklib"
)

type instantBody struct {
	kind string
}

func (b *instantBody) Kind() string { return b.kind }
func (b *instantBody) Run(ctx context.Context, ctl *tasklib.Controller) error {
	ctl.SetResults(map[string]any{"ok": true})
	return nil
}
func (b *instantBody) Clone() tasklib.Body { return &instantBody{kind: b.kind} }

func newTestEngine(mc *clock.Mock) *Engine {
	cfg := config.Default()
	cfg.RecurringTickInterval = time.Second
	return New(cfg, WithClock(mc))
}

func waitForStatus(t *testing.T, e *Engine, taskID string, status tasklib.Status) tasklib.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.Get(taskID)
		require.NoError(t, err)
		if snap.Status == status {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %s in time", taskID, status)
	return tasklib.Snapshot{}
}

func TestSubmitRunsToCompletionAndIsListed(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng := newTestEngine(mc)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	taskID, err := eng.Submit(semaphore.NameDefault, "", &instantBody{kind: "instant"})
	require.NoError(t, err)

	snap := waitForStatus(t, eng, taskID, tasklib.StatusDone)
	assert.Equal(t, "instant", snap.TaskType)

	found := false
	for _, s := range eng.List() {
		if s.TaskID == taskID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeleteCompletedRemovesDoneTask(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng := newTestEngine(mc)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	taskID, err := eng.Submit(semaphore.NameDefault, "", &instantBody{kind: "instant"})
	require.NoError(t, err)
	waitForStatus(t, eng, taskID, tasklib.StatusDone)

	summary := eng.DeleteCompleted()
	assert.Equal(t, 1, summary.Deleted)

	_, err = eng.Get(taskID)
	assert.Error(t, err)
}

func TestAddRecurringSpawnsThroughFullStack(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng := newTestEngine(mc)
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	tmpl := recurring.Template{TaskType: "instant", SemaphoreName: semaphore.NameDefault, Body: &instantBody{kind: "instant"}}
	id, err := eng.AddRecurring("* * * * *", tmpl, 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mc.Advance(61 * time.Second)
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := eng.GetRecurring(id)
		require.NoError(t, err)
		if info.TotalRuns > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recurring task never ran")
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng := newTestEngine(mc)
	eng.Start(context.Background())

	_, err := eng.AddRecurring("* * * * *", recurring.Template{
		TaskType: "instant", SemaphoreName: semaphore.NameDefault, Body: &instantBody{kind: "instant"},
	}, 1)
	require.NoError(t, err)

	eng.Stop()

	_, err = eng.Submit(semaphore.NameDefault, "", &instantBody{kind: "instant"})
	assert.Error(t, err)
}
