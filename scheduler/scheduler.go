// Package scheduler implements the Scheduler/Executor from spec §4.4: a
// FIFO intake queue drained by a pool of dispatcher workers, each of which
// acquires the task's named semaphore before invoking its body, grounded on
// the teacher's worker-pool pattern in modules/scheduler/scheduler.go
// (worker/executeJob), adapted from cron-job execution to the spec's
// Task-Record-and-Body model.
package scheduler

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/store"
	"github.com/taskengine/taskengine/tasklib"
)

// DefaultWorkerCount is the dispatcher pool size used when the host does
// not override it. Spec §4.4 recommends max(semaphore_limits) + headroom,
// practically >= 16, so a fully contended "single" class cannot stall
// unrelated "multiple" work.
const DefaultWorkerCount = 16

// DefaultGracePeriod bounds how long Stop waits for in-flight dispatchers
// to unwind (spec §4.4).
const DefaultGracePeriod = 5 * time.Second

// DefaultHookInterval is the cadence at which a Body's ProgressSampler is
// invoked (spec §4.2).
const DefaultHookInterval = 100 * time.Millisecond

type queueItem struct {
	task *tasklib.Task
	body tasklib.Body
}

// Scheduler is the intake queue plus dispatcher pool.
type Scheduler struct {
	store        *store.Store
	sems         *semaphore.Registry
	bus          *eventbus.Bus
	clk          clock.Clock
	logger       taskengine.Logger
	emitter      taskengine.EventEmitter
	workerCount  int
	gracePeriod  time.Duration
	hookInterval time.Duration

	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*queueItem
	running   map[string]context.CancelFunc
	stopped   bool
	started   bool
	ctx       context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
}

// Option configures a Scheduler at construction, following the teacher's
// functional-options convention (WithWorkerCount, WithLogger, ...).
type Option func(*Scheduler)

func WithWorkerCount(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workerCount = n
		}
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.gracePeriod = d
		}
	}
}

func WithHookInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.hookInterval = d
		}
	}
}

func WithLogger(l taskengine.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithEventEmitter(e taskengine.EventEmitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clk = c
		}
	}
}

// New constructs a Scheduler over the given Store, semaphore Registry and
// Event Bus.
func New(st *store.Store, sems *semaphore.Registry, bus *eventbus.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        st,
		sems:         sems,
		bus:          bus,
		clk:          clock.New(),
		logger:       taskengine.NewNoopLogger(),
		emitter:      taskengine.NoopEmitter{},
		workerCount:  DefaultWorkerCount,
		gracePeriod:  DefaultGracePeriod,
		hookInterval: DefaultHookInterval,
		running:      make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the dispatcher pool. ctx bounds the scheduler's own
// lifetime independent of any individual task's context.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancelAll = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.dispatchLoop(i)
	}
	s.logger.Info("scheduler started", "workers", s.workerCount)
}

// Submit assigns task to the intake queue: inserts it in the Store, sets
// status=queued, publishes task_added, then pushes it FIFO (spec §4.4).
func (s *Scheduler) Submit(task *tasklib.Task, body tasklib.Body) (string, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", taskengine.ErrShutdownInProgress
	}
	s.mu.Unlock()

	task.Attach(s.bus)
	if err := s.store.Add(task); err != nil {
		return "", err
	}
	s.store.PublishTaskAdded(task)

	s.mu.Lock()
	s.queue = append(s.queue, &queueItem{task: task, body: body})
	s.mu.Unlock()
	s.cond.Signal()

	s.emit(taskengine.EventTypeTaskScheduled, task.ID(), map[string]any{
		"task_type":      task.TaskType(),
		"semaphore_name": task.SemaphoreName(),
	})
	return task.ID(), nil
}

// Cancel removes a queued task from the intake queue and fails it, or, for
// a running task, signals its context and returns immediately (spec §4.4).
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	for i, item := range s.queue {
		if item.task.ID() == taskID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			item.task.MarkCancelled(s.clk.Now())
			s.emit(taskengine.EventTypeTaskCancelled, taskID, nil)
			return nil
		}
	}
	cancel, running := s.running[taskID]
	s.mu.Unlock()

	if running {
		cancel()
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// Stop stops accepting submissions, waits up to gracePeriod for in-flight
// dispatchers to unwind, then cancels any still-running task contexts
// (spec §4.4).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-s.clk.After(s.gracePeriod):
		s.logger.Warn("scheduler grace period elapsed, cancelling in-flight tasks")
		s.cancelAll()
		<-done
	}

	// Every task topic closes itself on its own terminal transition; the
	// queue topic has no such transition, so it is the only one still open
	// here. CloseAll is idempotent over already-terminal topics.
	s.bus.CloseAll()
}

func (s *Scheduler) dispatchLoop(id int) {
	defer s.wg.Done()
	for {
		item, ok := s.popNext()
		if !ok {
			return
		}
		s.execute(item)
	}
}

// popNext blocks until a queue item is available or the scheduler has
// stopped with an empty queue.
func (s *Scheduler) popNext() (*queueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		return nil, false
	}
	item := s.queue[0]
	s.queue = s.queue[1:]
	return item, true
}

func (s *Scheduler) execute(item *queueItem) {
	task := item.task
	body := item.body
	sem := s.sems.Get(task.SemaphoreName())

	taskCtx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.running[task.ID()] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID())
		s.mu.Unlock()
		cancel()
	}()

	if err := sem.Acquire(taskCtx); err != nil {
		task.MarkCancelled(s.clk.Now())
		s.emit(taskengine.EventTypeTaskCancelled, task.ID(), nil)
		return
	}
	defer sem.Release()

	task.MarkRunning(s.clk.Now())
	s.emit(taskengine.EventTypeTaskStarted, task.ID(), nil)

	ctl := tasklib.NewController(taskCtx, task, s.clk)
	runErr := s.invoke(taskCtx, body, ctl)

	if taskCtx.Err() != nil {
		// Cancel() fired the context while the body was running; the body's
		// returned error (if any) is just its reaction to that and is not a
		// genuine failure.
		task.MarkCancelled(s.clk.Now())
		s.emit(taskengine.EventTypeTaskCancelled, task.ID(), nil)
		return
	}

	if !ctl.IsFailed() {
		if runErr != nil {
			kind, message, traceback := describe(runErr)
			task.MarkFailed(s.clk.Now(), kind, message, traceback)
			s.emit(taskengine.EventTypeTaskFailed, task.ID(), map[string]any{"error_type": kind})
		} else {
			task.MarkDone(s.clk.Now())
			s.emit(taskengine.EventTypeTaskCompleted, task.ID(), nil)
			// Pruning runs after every successful completion (spec §4.5);
			// it evicts the done records with the oldest completed_at beyond
			// the cap. Among records with equal completed_at, which one is
			// evicted is not defined, so this task itself may be evicted.
			s.store.PruneSucceeded()
		}
	}
}

// invoke runs the body, optionally sampling a ProgressSampler concurrently
// at hookInterval, and recovers panics into an error (spec §4.2).
func (s *Scheduler) invoke(ctx context.Context, body tasklib.Body, ctl *tasklib.Controller) (err error) {
	sampler, hasSampler := body.(tasklib.ProgressSampler)
	stop := make(chan struct{})
	if hasSampler {
		go func() {
			ticker := s.clk.NewTicker(s.hookInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C():
					s.sampleSafely(sampler, ctl)
				}
			}
		}()
	}

	defer func() {
		close(stop)
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = body.Run(ctx, ctl)
	return err
}

func (s *Scheduler) sampleSafely(sampler tasklib.ProgressSampler, ctl *tasklib.Controller) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("progress sampler panicked", "recover", fmt.Sprint(r))
		}
	}()
	sampler.Sample(ctl)
}

// describe resolves error_type/error_message/error_traceback from a Body's
// returned error (spec §4.2 step 4, §8 scenario 4).
func describe(err error) (kind, message, traceback string) {
	message = err.Error()

	if ke, ok := err.(tasklib.KindedError); ok {
		kind = ke.ErrorKind()
	} else {
		kind = reflect.TypeOf(err).String()
	}

	if te, ok := err.(tasklib.TracebackError); ok {
		traceback = te.Traceback()
	} else {
		traceback = string(debug.Stack())
	}
	return kind, message, traceback
}

func (s *Scheduler) emit(eventType, taskID string, extra map[string]any) {
	data := map[string]any{"task_id": taskID}
	for k, v := range extra {
		data[k] = v
	}
	event := taskengine.NewCloudEvent(eventType, "taskengine/scheduler", data)
	_ = s.emitter.EmitEvent(context.Background(), event)
}
