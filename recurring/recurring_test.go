package recurring

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/scheduler"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/store"
	"github.com/taskengine/taskengine/tasklib"
)

type quickBody struct {
	onRun func()
}

func (b *quickBody) Kind() string { return "recurring-sample" }
func (b *quickBody) Run(ctx context.Context, ctl *tasklib.Controller) error {
	if b.onRun != nil {
		b.onRun()
	}
	return nil
}
func (b *quickBody) Clone() tasklib.Body { return &quickBody{onRun: b.onRun} }

func newTestEngine(t *testing.T, mockClock *clock.Mock) (*Engine, *scheduler.Scheduler) {
	t.Helper()
	bus := eventbus.New(16)
	sems := semaphore.NewRegistry()
	st := store.New(bus, 100)
	sched := scheduler.New(st, sems, bus, scheduler.WithWorkerCount(8), scheduler.WithClock(mockClock))
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	eng := New(sched, bus, WithClock(mockClock), WithTickInterval(time.Second))
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng, sched
}

func TestAddValidatesMaxConcurrentAndCron(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng, _ := newTestEngine(t, mc)

	_, err := eng.Add("* * * * *", Template{TaskType: "t", SemaphoreName: semaphore.NameDefault, Body: &quickBody{}}, 0)
	assert.Error(t, err)

	_, err = eng.Add("not a cron", Template{TaskType: "t", SemaphoreName: semaphore.NameDefault, Body: &quickBody{}}, 1)
	assert.Error(t, err)
}

func TestRecurringSpawnsWithinMaxConcurrent(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng, _ := newTestEngine(t, mc)

	var runs int32
	body := &quickBody{onRun: func() { atomic.AddInt32(&runs, 1) }}

	id, err := eng.Add("* * * * *", Template{TaskType: "sample", SemaphoreName: semaphore.NameDefault, Body: body}, 2)
	require.NoError(t, err)

	// Advance the mock clock across several minute boundaries; each tick
	// that crosses a due next_run should spawn at most once per group.
	for i := 0; i < 5; i++ {
		mc.Advance(61 * time.Second)
		time.Sleep(20 * time.Millisecond) // let the real goroutine observe the tick
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&runs) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&runs)), 1)

	info, err := eng.Get(id)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(info.ActiveChildren), info.MaxConcurrent)
}

func TestDisableStopsFutureSpawnsButKeepsActiveChildren(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng, _ := newTestEngine(t, mc)

	id, err := eng.Add("* * * * *", Template{TaskType: "sample", SemaphoreName: semaphore.NameDefault, Body: &quickBody{}}, 1)
	require.NoError(t, err)

	require.NoError(t, eng.Disable(id))
	info, err := eng.Get(id)
	require.NoError(t, err)
	assert.False(t, info.Enabled)
	assert.Nil(t, info.NextRun)

	mc.Advance(2 * time.Minute)
	time.Sleep(20 * time.Millisecond)

	info, err = eng.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0, info.TotalRuns)
}

func TestRemoveUnknownIsNotFound(t *testing.T) {
	mc := clock.NewMock(time.Now())
	eng, _ := newTestEngine(t, mc)
	err := eng.Remove("does-not-exist")
	assert.Error(t, err)
}
