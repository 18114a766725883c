package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/store"
	"github.com/taskengine/taskengine/tasklib"
)

type sleepBody struct {
	kind string
	d    time.Duration
}

func (b *sleepBody) Kind() string { return b.kind }
func (b *sleepBody) Run(ctx context.Context, ctl *tasklib.Controller) error {
	select {
	case <-time.After(b.d):
	case <-ctx.Done():
	}
	return nil
}

type failingBody struct{ kind, message, traceback string }

func (b *failingBody) Kind() string { return "failing" }
func (b *failingBody) Run(context.Context, *tasklib.Controller) error {
	return &kindedErr{kind: b.kind, message: b.message, traceback: b.traceback}
}

type kindedErr struct{ kind, message, traceback string }

func (e *kindedErr) Error() string       { return e.message }
func (e *kindedErr) ErrorKind() string   { return e.kind }
func (e *kindedErr) Traceback() string   { return e.traceback }

func newHarness(t *testing.T, workers int) (*Scheduler, *store.Store) {
	t.Helper()
	bus := eventbus.New(16)
	sems := semaphore.NewRegistry()
	st := store.New(bus, 100)
	s := New(st, sems, bus, WithWorkerCount(workers))
	s.Start(context.Background())
	t.Cleanup(s.Stop)
	return s, st
}

func TestSingleClassSerialization(t *testing.T) {
	s, _ := newHarness(t, 16)

	var mu sync.Mutex
	var intervals [][2]time.Time

	record := func(body *sleepBody) *tasklib.Task {
		task := tasklib.New(body.kind, semaphore.NameSingle, "")
		_, err := s.Submit(task, body)
		require.NoError(t, err)
		return task
	}

	a := record(&sleepBody{kind: "A", d: 80 * time.Millisecond})
	b := record(&sleepBody{kind: "B", d: 80 * time.Millisecond})
	c := record(&sleepBody{kind: "C", d: 80 * time.Millisecond})

	for _, task := range []*tasklib.Task{a, b, c} {
		waitForTerminal(t, task)
		snap := task.Snapshot()
		mu.Lock()
		intervals = append(intervals, [2]time.Time{*snap.StartedAt, *snap.CompletedAt})
		mu.Unlock()
	}

	require.Len(t, intervals, 3)
	for i := 1; i < len(intervals); i++ {
		assert.True(t, !intervals[i][0].Before(intervals[i-1][1]),
			"interval %d should not overlap interval %d", i, i-1)
	}
}

func TestMultipleClassParallelism(t *testing.T) {
	s, _ := newHarness(t, 32)

	var concurrent int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		body := &trackingBody{
			kind: fmt.Sprintf("job-%d", i),
			onRun: func() {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(100 * time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
			},
		}
		task := tasklib.New(body.kind, semaphore.NameMultiple, "")
		_, err := s.Submit(task, body)
		require.NoError(t, err)
		go func(tk *tasklib.Task) {
			defer wg.Done()
			waitForTerminal(t, tk)
		}(task)
	}
	wg.Wait()

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxSeen)), 10)
}

type trackingBody struct {
	kind  string
	onRun func()
}

func (b *trackingBody) Kind() string { return b.kind }
func (b *trackingBody) Run(context.Context, *tasklib.Controller) error {
	b.onRun()
	return nil
}

func TestFailureCapture(t *testing.T) {
	s, _ := newHarness(t, 4)

	task := tasklib.New("boom-task", semaphore.NameDefault, "")
	_, err := s.Submit(task, &failingBody{kind: "ValueError", message: "boom", traceback: "custom trace"})
	require.NoError(t, err)

	waitForTerminal(t, task)
	snap := task.Snapshot()
	assert.Equal(t, tasklib.StatusFailed, snap.Status)
	assert.Equal(t, "ValueError", snap.ErrorType)
	assert.Equal(t, "boom", snap.ErrorMessage)
	assert.NotEmpty(t, snap.ErrorTraceback)
}

func TestCancelQueuedTask(t *testing.T) {
	s, _ := newHarness(t, 1)

	// Occupy the single worker so the next submission stays queued.
	blocker := make(chan struct{})
	blockBody := &blockingBody{release: blocker}
	busy := tasklib.New("busy", semaphore.NameSingle, "")
	_, err := s.Submit(busy, blockBody)
	require.NoError(t, err)

	waitForRunning(t, busy)

	queued := tasklib.New("queued", semaphore.NameSingle, "")
	id, err := s.Submit(queued, &sleepBody{kind: "queued", d: time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))

	waitForTerminal(t, queued)
	snap := queued.Snapshot()
	assert.Equal(t, tasklib.StatusFailed, snap.Status)
	assert.Equal(t, tasklib.ErrorKindCancelled, snap.ErrorType)

	close(blocker)
	waitForTerminal(t, busy)
}

func TestCancelRunningTask(t *testing.T) {
	s, _ := newHarness(t, 1)

	blocker := make(chan struct{})
	task := tasklib.New("running", semaphore.NameSingle, "")
	id, err := s.Submit(task, &blockingBody{release: blocker})
	require.NoError(t, err)

	waitForRunning(t, task)

	require.NoError(t, s.Cancel(id))

	waitForTerminal(t, task)
	snap := task.Snapshot()
	assert.Equal(t, tasklib.StatusFailed, snap.Status)
	assert.Equal(t, tasklib.ErrorKindCancelled, snap.ErrorType)
}

type blockingBody struct{ release chan struct{} }

func (b *blockingBody) Kind() string { return "blocking" }
func (b *blockingBody) Run(ctx context.Context, ctl *tasklib.Controller) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func waitForTerminal(t *testing.T, task *tasklib.Task) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		switch task.Status() {
		case tasklib.StatusDone, tasklib.StatusFailed:
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state in time", task.ID())
}

func waitForRunning(t *testing.T, task *tasklib.Task) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task.Status() == tasklib.StatusRunning {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach running in time", task.ID())
}
