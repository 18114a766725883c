// Package store implements the indexed in-memory Task Record collection
// from spec §4.5, grounded on the teacher's MemoryJobStore
// (modules/scheduler/memory_store.go): a mutex-protected map with
// insertion-order tracking, search by attribute, deletion, and pruning.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/taskengine/taskengine/eventbus"
	"github.com/taskengine/taskengine/tasklib"
)

// Store errors.
var (
	ErrTaskAlreadyExists = errors.New("store: task already exists")
	ErrTaskNotFound      = errors.New("store: task not found")
)

// DefaultMaxSucceededTasks is the default retention cap for done records
// (spec §4.5).
const DefaultMaxSucceededTasks = 10

// DeleteSummary is the result of DeleteCompleted (spec §4.5, §6).
type DeleteSummary struct {
	Deleted int
	Failed  int
}

// entry pairs a live Task with its insertion sequence number so List can
// return insertion order without depending on map iteration order.
type entry struct {
	task *tasklib.Task
	seq  int
}

// Store is the in-memory Task Record collection, indexed by task_id.
type Store struct {
	bus               *eventbus.Bus
	maxSucceededTasks int

	mu      sync.RWMutex
	tasks   map[string]*entry
	nextSeq int
}

// New constructs a Store publishing task_removed events on bus's queue
// topic. maxSucceededTasks <= 0 uses DefaultMaxSucceededTasks.
func New(bus *eventbus.Bus, maxSucceededTasks int) *Store {
	if maxSucceededTasks <= 0 {
		maxSucceededTasks = DefaultMaxSucceededTasks
	}
	return &Store{
		bus:               bus,
		maxSucceededTasks: maxSucceededTasks,
		tasks:             make(map[string]*entry),
	}
}

// QueueTopic is the name of the topic carrying task_added/task_removed
// events (spec §3 Event, §6).
const QueueTopic = "queue"

// QueueEvent mirrors the queue-topic event shapes from spec §3/§6.
type QueueEvent struct {
	Type   string            `json:"type"`
	Task   *tasklib.Snapshot `json:"task,omitempty"`
	TaskID string            `json:"task_id,omitempty"`
}

// Add inserts a new task. Returns ErrTaskAlreadyExists if the id is already
// present (defensive: task_id is meant to be globally unique, spec I5).
func (s *Store) Add(task *tasklib.Task) error {
	id := task.ID()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyExists, id)
	}
	s.nextSeq++
	s.tasks[id] = &entry{task: task, seq: s.nextSeq}
	return nil
}

// Get returns the task for id, or ErrTaskNotFound.
func (s *Store) Get(id string) (*tasklib.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task, nil
}

// List returns all tasks in insertion order (spec §4.5).
func (s *Store) List() []*tasklib.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]*tasklib.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}

// Delete removes id and publishes task_removed on the queue topic. Returns
// ErrTaskNotFound if id is absent, so that delete(id); delete(id) yields
// NotFound on the second call (spec §8 round-trip property).
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	s.publishTaskRemoved(id)
	return nil
}

// DeleteCompleted removes every record in done or failed, publishing
// task_removed for each (spec §4.5, §6 DELETE /completed).
func (s *Store) DeleteCompleted() DeleteSummary {
	s.mu.Lock()
	var removed []string
	summary := DeleteSummary{}
	for id, e := range s.tasks {
		switch e.task.Status() {
		case tasklib.StatusDone:
			delete(s.tasks, id)
			removed = append(removed, id)
			summary.Deleted++
		case tasklib.StatusFailed:
			delete(s.tasks, id)
			removed = append(removed, id)
			summary.Failed++
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.publishTaskRemoved(id)
	}
	return summary
}

// Search returns task_ids whose record matches every criterion by equality.
// task_type is matched against the task_type recorded on the Task Record
// (the body's kind name for Engine.Submit, the template's TaskType for
// recurring spawns); unknown attributes match nothing rather than erroring
// (spec §4.5).
func (s *Store) Search(criteria map[string]string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []string
	for id, e := range s.tasks {
		snap := e.task.Snapshot()
		if matchesAll(snap, criteria) {
			matches = append(matches, id)
		}
	}
	return matches
}

func matchesAll(snap tasklib.Snapshot, criteria map[string]string) bool {
	for attr, want := range criteria {
		got, ok := attrValue(snap, attr)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// attrValue resolves a search attribute name against a snapshot. Unknown
// attribute names report ok=false, so Search treats them as "matches
// nothing" per spec §4.5.
func attrValue(snap tasklib.Snapshot, attr string) (string, bool) {
	switch attr {
	case "task_type":
		return snap.TaskType, true
	case "status":
		return string(snap.Status), true
	case "semaphore_name":
		return snap.SemaphoreName, true
	case "task_id":
		return snap.TaskID, true
	case "parent_id":
		if snap.ParentID == nil {
			return "", false
		}
		return *snap.ParentID, true
	case "error_type":
		if snap.ErrorType == "" {
			return "", false
		}
		return snap.ErrorType, true
	default:
		return "", false
	}
}

// PruneSucceeded keeps at most maxSucceededTasks records with status=done,
// preferring the most recently completed; records with status=done and a
// nil completed_at are dropped first (spec §4.5, §9 open question: treated
// as drop-eligible). Failed and non-terminal tasks are never touched.
func (s *Store) PruneSucceeded() {
	s.mu.Lock()

	type doneEntry struct {
		id       string
		hasTime  bool
		unixNano int64
	}

	var done []doneEntry
	for id, e := range s.tasks {
		snap := e.task.Snapshot()
		if snap.Status != tasklib.StatusDone {
			continue
		}
		if snap.CompletedAt == nil {
			done = append(done, doneEntry{id: id, hasTime: false})
		} else {
			done = append(done, doneEntry{id: id, hasTime: true, unixNano: snap.CompletedAt.UnixNano()})
		}
	}

	if len(done) <= s.maxSucceededTasks {
		s.mu.Unlock()
		return
	}

	// Nil-completed_at entries are the first eviction candidates; among the
	// rest, oldest completed_at evicts first.
	sort.Slice(done, func(i, j int) bool {
		if done[i].hasTime != done[j].hasTime {
			return !done[i].hasTime // false (no time) sorts first
		}
		return done[i].unixNano < done[j].unixNano
	})

	toEvict := len(done) - s.maxSucceededTasks
	var removed []string
	for i := 0; i < toEvict; i++ {
		delete(s.tasks, done[i].id)
		removed = append(removed, done[i].id)
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.publishTaskRemoved(id)
	}
}

// Stats is a read-only aggregate view over the Store's current records,
// supplementing spec §4.5 with the kind of summary the teacher exposes as
// SchedulerStatistics (modules/scheduler/interfaces.go), trimmed to the
// counters this engine actually tracks (no execution-time averages, since
// Task Record carries no duration history beyond started_at/completed_at).
type Stats struct {
	Total   int            `json:"total"`
	Queued  int            `json:"queued"`
	Running int            `json:"running"`
	Done    int            `json:"done"`
	Failed  int            `json:"failed"`
	ByType  map[string]int `json:"by_type"`
}

// Stats computes the current aggregate counts. O(n) over the live record
// set; intended for occasional polling, not a hot path.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Stats{ByType: make(map[string]int)}
	for _, e := range s.tasks {
		snap := e.task.Snapshot()
		out.Total++
		out.ByType[snap.TaskType]++
		switch snap.Status {
		case tasklib.StatusQueued:
			out.Queued++
		case tasklib.StatusRunning:
			out.Running++
		case tasklib.StatusDone:
			out.Done++
		case tasklib.StatusFailed:
			out.Failed++
		}
	}
	return out
}

func (s *Store) publishTaskRemoved(id string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(QueueTopic, QueueEvent{Type: "task_removed", TaskID: id})
}

// PublishTaskAdded publishes a task_added queue event. Called by the
// Scheduler at submit time (spec §4.4), kept here so Store owns all
// queue-topic publication for symmetry with task_removed.
func (s *Store) PublishTaskAdded(task *tasklib.Task) {
	if s.bus == nil {
		return
	}
	snap := task.Snapshot()
	_ = s.bus.Publish(QueueTopic, QueueEvent{Type: "task_added", Task: &snap})
}
