// Package recurring implements the Recurring Engine from spec §4.6: a
// cron-driven clock that clones a Task Record template into fresh
// instances, bounded by a per-recurrence max_concurrent cap, deliberately
// collapsing any missed fires to at most one spawn per tick rather than
// backfilling or bursting (spec §4.6, §5 Failure policy).
//
// Grounded on the teacher's robfig/cron/v3 integration in
// modules/scheduler/scheduler.go (cronScheduler, cronEntries), adapted from
// "register one cron.Entry per job" to an explicit tick loop so next_run
// computation and the no-backfill policy stay fully inspectable.
package recurring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/taskengine/taskengine"
	"github.com/taskengine/taskengine/clock"
	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/scheduler"
	"github.com/taskengine/taskengine/tasklib"
)

// DefaultTickInterval is the cadence at which enabled recurrences are
// checked (spec §4.6).
const DefaultTickInterval = time.Second

// Template is the deep-copyable Task Record prototype a RecurringInfo
// clones on each spawn (spec §3 RecurringInfo.template). Body is cloned via
// tasklib.Cloner when the Body implements it; otherwise the same Body
// reference is reused across spawns, which is only safe for stateless
// bodies (spec §9, "Cloning templates"). Spawned tasks record TaskType as
// their task_type; Body.Kind is not consulted.
type Template struct {
	TaskType      string
	SemaphoreName string
	Body          tasklib.Body
}

func (tpl Template) clone() tasklib.Body {
	if cloner, ok := tpl.Body.(tasklib.Cloner); ok {
		return cloner.Clone()
	}
	return tpl.Body
}

// RecurringInfo is the externally visible state of one recurrence (spec
// §3).
type RecurringInfo struct {
	RecurringID         string
	CronExpression      string
	Template            Template
	MaxConcurrent        int
	Enabled              bool
	NextRun              *time.Time
	LastRun              *time.Time
	ConsecutiveFailures  int
	TotalRuns            int
	TotalFailures        int
	CreatedAt            time.Time
	ActiveChildren       []string
}

type recurringEntry struct {
	mu             sync.Mutex
	info           RecurringInfo
	schedule       cron.Schedule
	activeChildren map[string]struct{}
}

func (e *recurringEntry) snapshotLocked() RecurringInfo {
	info := e.info
	info.ActiveChildren = make([]string, 0, len(e.activeChildren))
	for id := range e.activeChildren {
		info.ActiveChildren = append(info.ActiveChildren, id)
	}
	return info
}

// Engine owns the recurring_id -> RecurringInfo map and the periodic tick
// that spawns cloned tasks through a Scheduler.
type Engine struct {
	scheduler    *scheduler.Scheduler
	bus          *eventbus.Bus
	clk          clock.Clock
	tickInterval time.Duration
	logger       taskengine.Logger
	emitter      taskengine.EventEmitter

	mu      sync.RWMutex
	entries map[string]*recurringEntry

	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// Option configures an Engine at construction.
type Option func(*Engine)

func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tickInterval = d
		}
	}
}

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

// New constructs a recurring Engine that submits cloned tasks through sched
// and observes their terminal events on bus.
func New(sched *scheduler.Scheduler, bus *eventbus.Bus, opts ...Option) *Engine {
	e := &Engine{
		scheduler:    sched,
		bus:          bus,
		clk:          clock.New(),
		tickInterval: DefaultTickInterval,
		logger:       taskengine.NewNoopLogger(),
		emitter:      taskengine.NoopEmitter{},
		entries:      make(map[string]*recurringEntry),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Add registers a new recurrence (spec §4.6 "add").
func (e *Engine) Add(cronExpr string, template Template, maxConcurrent int) (string, error) {
	if maxConcurrent <= 0 {
		return "", fmt.Errorf("%w: max_concurrent must be positive", taskengine.ErrBadRequest)
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", fmt.Errorf("%w: invalid cron expression %q: %v", taskengine.ErrBadRequest, cronExpr, err)
	}

	now := e.clk.Now()
	next := schedule.Next(now)
	id := uuid.NewString()

	entry := &recurringEntry{
		info: RecurringInfo{
			RecurringID:    id,
			CronExpression: cronExpr,
			Template:       template,
			MaxConcurrent:  maxConcurrent,
			Enabled:        true,
			NextRun:        &next,
			CreatedAt:      now,
		},
		schedule:       schedule,
		activeChildren: make(map[string]struct{}),
	}

	e.mu.Lock()
	e.entries[id] = entry
	e.mu.Unlock()
	return id, nil
}

// Remove deletes a recurrence. Active children are not cancelled (spec §9
// open question, resolved: disable/remove only stops future spawns).
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[id]; !ok {
		return fmt.Errorf("%w: %s", taskengine.ErrNotFound, id)
	}
	delete(e.entries, id)
	return nil
}

// Enable re-arms future spawns, recomputing next_run from now.
func (e *Engine) Enable(id string) error {
	entry, err := e.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.info.Enabled {
		next := entry.schedule.Next(e.clk.Now())
		entry.info.NextRun = &next
	}
	entry.info.Enabled = true
	return nil
}

// Disable stops future spawns; next_run becomes null (spec §4.6, invariant
// R1). Active children keep running.
func (e *Engine) Disable(id string) error {
	entry, err := e.lookup(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.info.Enabled = false
	entry.info.NextRun = nil
	return nil
}

// Get returns a snapshot of one recurrence.
func (e *Engine) Get(id string) (RecurringInfo, error) {
	entry, err := e.lookup(id)
	if err != nil {
		return RecurringInfo{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshotLocked(), nil
}

// List returns a snapshot of every recurrence.
func (e *Engine) List() []RecurringInfo {
	e.mu.RLock()
	entries := make([]*recurringEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	out := make([]RecurringInfo, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		out = append(out, entry.snapshotLocked())
		entry.mu.Unlock()
	}
	return out
}

func (e *Engine) lookup(id string) (*recurringEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", taskengine.ErrNotFound, id)
	}
	return entry, nil
}

// Start launches the periodic tick loop (spec §4.6). Stop must be called
// before the owning Scheduler is stopped, so no new submissions arrive
// after submissions are cut off (spec §4.4 Shutdown).
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := e.clk.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case now := <-ticker.C():
				e.tick(now)
			}
		}
	}()
}

// Stop halts the tick loop. Already-active children are left running.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
}

// tick examines every enabled recurrence and spawns at most one instance
// per group (spec §4.6 step 1-3, collapsed per the no-backfill policy: see
// package doc and spec §5 Failure policy / Clock leaps).
func (e *Engine) tick(now time.Time) {
	e.mu.RLock()
	entries := make([]*recurringEntry, 0, len(e.entries))
	for _, entry := range e.entries {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	for _, entry := range entries {
		e.tickEntry(entry, now)
	}
}

func (e *Engine) tickEntry(entry *recurringEntry, now time.Time) {
	entry.mu.Lock()
	if !entry.info.Enabled || entry.info.NextRun == nil || entry.info.NextRun.After(now) {
		entry.mu.Unlock()
		return
	}
	if len(entry.activeChildren) >= entry.info.MaxConcurrent {
		entry.mu.Unlock()
		return
	}

	recurringID := entry.info.RecurringID
	body := entry.info.Template.clone()
	taskType := entry.info.Template.TaskType
	semaphoreName := entry.info.Template.SemaphoreName
	entry.mu.Unlock()

	task := tasklib.New(taskType, semaphoreName, recurringID)
	taskID, err := e.scheduler.Submit(task, body)

	entry.mu.Lock()
	// Collapse any number of missed fires to exactly one spawn per tick:
	// next_run always advances to the first fire strictly after now, never
	// the fire immediately following the one just consumed.
	next := entry.schedule.Next(now)
	entry.info.NextRun = &next
	if err != nil {
		entry.mu.Unlock()
		e.logger.Warn("recurring spawn failed", "recurring_id", recurringID, "error", err)
		return
	}
	entry.activeChildren[taskID] = struct{}{}
	entry.mu.Unlock()

	e.emit(recurringID, taskID)
	go e.observeChild(entry, taskID)
}

func (e *Engine) observeChild(entry *recurringEntry, taskID string) {
	sub := e.bus.Subscribe(tasklib.TopicName(taskID))
	var final tasklib.Snapshot
	haveFinal := false
	for ev := range sub.C {
		if snap, ok := ev.Payload.(tasklib.Snapshot); ok {
			final = snap
			haveFinal = true
		}
	}

	now := e.clk.Now()
	entry.mu.Lock()
	delete(entry.activeChildren, taskID)
	entry.info.TotalRuns++
	entry.info.LastRun = &now
	if haveFinal && final.Status == tasklib.StatusFailed {
		entry.info.TotalFailures++
		entry.info.ConsecutiveFailures++
	} else {
		entry.info.ConsecutiveFailures = 0
	}
	entry.mu.Unlock()
}

func (e *Engine) emit(recurringID, taskID string) {
	event := taskengine.NewCloudEvent(taskengine.EventTypeRecurrenceFired, "taskengine/recurring", map[string]any{
		"recurring_id": recurringID,
		"task_id":      taskID,
	})
	_ = e.emitter.EmitEvent(context.Background(), event)
}
