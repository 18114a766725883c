// Package engine wires the Clock, Event Bus, Semaphore Registry, Store,
// Scheduler and Recurring Engine into the single programmatic surface a
// host process embeds (spec §2 data flow, §6 "process-wide state").
//
// Grounded on the teacher's SchedulerModule (modules/scheduler/module.go):
// a single constructed type exposing ScheduleJob/CancelJob/GetJob/ListJobs
// style methods plus Start/Stop lifecycle, adapted from a modular.Module
// plugin to a directly-constructed library type since this spec's core has
// no DI container (spec §1 Non-goals: "the core does not own HTTP" implies
// no framework ownership either).
package engine

import (
	"context"
	"fmt"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/config"
	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/recurring"
	"github.com/taskengine/taskengine/scheduler"
	"github.com/taskengine/taskengine/semaphore"
	"github.com/taskengine/taskengine/store"
	"github.com/taskengine/taskengine/tasklib"
)

// Engine is the top-level handle a host process starts at boot and stops
// at shutdown (spec §6, "one default engine instance per host process").
type Engine struct {
	cfg       *config.EngineConfig
	clk       clock.Clock
	bus       *eventbus.Bus
	sems      *semaphore.Registry
	store     *store.Store
	scheduler *scheduler.Scheduler
	recurring *recurring.Engine
	logger    taskengine.Logger
	emitter   taskengine.EventEmitter
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithLogger(l taskengine.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithEventEmitter(em taskengine.EventEmitter) Option {
	return func(e *Engine) {
		if em != nil {
			e.emitter = em
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clk = c
		}
	}
}

// New constructs an Engine from cfg (see config.Default / config.Load).
// Submissions made before Start are queued; Start begins executing them.
func New(cfg *config.EngineConfig, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}

	e := &Engine{
		cfg:     cfg,
		clk:     clock.New(),
		logger:  taskengine.NewNoopLogger(),
		emitter: taskengine.NoopEmitter{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.bus = eventbus.New(cfg.SubscriberBufferSize)
	e.sems = semaphore.NewRegistry()
	for name, limit := range cfg.SemaphoreLimits {
		if name == semaphore.NameSingle || name == semaphore.NameMultiple || name == semaphore.NameDefault {
			continue
		}
		e.sems.Register(name, limit)
	}
	e.store = store.New(e.bus, cfg.MaxSucceededTasks)
	e.scheduler = scheduler.New(e.store, e.sems, e.bus,
		scheduler.WithWorkerCount(cfg.WorkerCount),
		scheduler.WithGracePeriod(cfg.GracePeriod),
		scheduler.WithHookInterval(cfg.ProgressHookInterval),
		scheduler.WithLogger(e.logger),
		scheduler.WithEventEmitter(e.emitter),
		scheduler.WithClock(e.clk),
	)
	e.recurring = recurring.New(e.scheduler, e.bus,
		recurring.WithTickInterval(cfg.RecurringTickInterval),
		recurring.WithLogger(e.logger),
		recurring.WithEventEmitter(e.emitter),
		recurring.WithClock(e.clk),
	)
	return e
}

// Start launches the dispatcher pool, which executes queued submissions, and
// the recurring tick, which spawns recurrences.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
	e.recurring.Start()
	e.logger.Info("engine started", "worker_count", e.cfg.WorkerCount)
}

// Stop stops the Recurring Engine first, then the Scheduler, so no new
// submissions arrive once intake is being drained (spec §4.4 Shutdown).
func (e *Engine) Stop() {
	e.recurring.Stop()
	e.scheduler.Stop()
	e.logger.Info("engine stopped")
}

// Submit constructs a new Task Record for body and hands it to the
// Scheduler (spec §2 data flow).
func (e *Engine) Submit(semaphoreName, parentID string, body tasklib.Body) (string, error) {
	if body == nil {
		return "", fmt.Errorf("%w: nil task body", taskengine.ErrBadRequest)
	}
	if semaphoreName == "" {
		semaphoreName = semaphore.NameDefault
	}
	task := tasklib.New(body.Kind(), semaphoreName, parentID)
	task.SetCoalesceInterval(e.cfg.ProgressCoalesceInterval)
	return e.scheduler.Submit(task, body)
}

// Cancel cancels a queued or running task (spec §4.4).
func (e *Engine) Cancel(taskID string) error {
	if err := e.scheduler.Cancel(taskID); err != nil {
		return fmt.Errorf("%w: %s", taskengine.ErrNotFound, taskID)
	}
	return nil
}

// Get returns a task's current snapshot.
func (e *Engine) Get(taskID string) (tasklib.Snapshot, error) {
	task, err := e.store.Get(taskID)
	if err != nil {
		return tasklib.Snapshot{}, fmt.Errorf("%w", taskengine.ErrNotFound)
	}
	return task.Snapshot(), nil
}

// List returns every task's current snapshot in submission order.
func (e *Engine) List() []tasklib.Snapshot {
	tasks := e.store.List()
	out := make([]tasklib.Snapshot, len(tasks))
	for i, task := range tasks {
		out[i] = task.Snapshot()
	}
	return out
}

// Delete removes a single task (spec §4.5, §6 DELETE /{task_id}).
func (e *Engine) Delete(taskID string) error {
	err := e.store.Delete(taskID)
	if err != nil {
		return fmt.Errorf("%w", taskengine.ErrNotFound)
	}
	return nil
}

// DeleteCompleted removes every done/failed task (spec §4.5, §6 DELETE
// /completed).
func (e *Engine) DeleteCompleted() store.DeleteSummary {
	return e.store.DeleteCompleted()
}

// Search returns task_ids matching every criterion (spec §4.5, §6 POST
// /search).
func (e *Engine) Search(criteria map[string]string) []string {
	return e.store.Search(criteria)
}

// Stats returns aggregate counts over the current Task Record set,
// supplementing spec §4.5 with read-only scheduler observability.
func (e *Engine) Stats() store.Stats {
	return e.store.Stats()
}

// PruneSucceeded manually invokes the retention cap (normally called by the
// Scheduler after every successful completion; exposed for hosts that want
// to trigger it out of band, e.g. from a periodic housekeeping job).
func (e *Engine) PruneSucceeded() {
	e.store.PruneSucceeded()
}

// Subscribe returns a subscription to a task's event topic (spec §4.1).
func (e *Engine) Subscribe(taskID string) *eventbus.Subscription {
	return e.bus.Subscribe(tasklib.TopicName(taskID))
}

// SubscribeQueue returns a subscription to the queue topic (spec §4.1,
// §6 GET /queue/stream).
func (e *Engine) SubscribeQueue() *eventbus.Subscription {
	return e.bus.Subscribe(store.QueueTopic)
}

// AddRecurring registers a new recurrence (spec §4.6).
func (e *Engine) AddRecurring(cronExpr string, template recurring.Template, maxConcurrent int) (string, error) {
	return e.recurring.Add(cronExpr, template, maxConcurrent)
}

// RemoveRecurring deletes a recurrence.
func (e *Engine) RemoveRecurring(id string) error { return e.recurring.Remove(id) }

// EnableRecurring re-arms future spawns for a recurrence.
func (e *Engine) EnableRecurring(id string) error { return e.recurring.Enable(id) }

// DisableRecurring stops future spawns without cancelling active children.
func (e *Engine) DisableRecurring(id string) error { return e.recurring.Disable(id) }

// GetRecurring returns a recurrence's current snapshot.
func (e *Engine) GetRecurring(id string) (recurring.RecurringInfo, error) {
	return e.recurring.Get(id)
}

// ListRecurring returns every recurrence's current snapshot.
func (e *Engine) ListRecurring() []recurring.RecurringInfo {
	return e.recurring.List()
}
