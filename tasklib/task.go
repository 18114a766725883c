package tasklib

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskengine/taskengine/eventbus"
)

// Status is a Task Record's lifecycle state (spec §3, invariant I1).
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrorKindCancelled is the error_type recorded for a task failed through
// cancellation (spec §9 open question, resolved: cancel is best-effort and
// surfaces as a normal failure).
const ErrorKindCancelled = "cancelled"

// ProgressIndeterminate is the sentinel progress value meaning "unknown,
// render as animated" (spec §3).
const ProgressIndeterminate = -1

// DefaultCoalesceInterval is the minimum spacing between non-terminal
// snapshot publications (spec §4.2).
const DefaultCoalesceInterval = 100 * time.Millisecond

// Snapshot is the externally visible state of a Task Record at a point in
// time, matching the JSON shape in spec §6.
type Snapshot struct {
	TaskID         string     `json:"task_id"`
	ParentID       *string    `json:"parent_id"`
	TaskType       string     `json:"task_type"`
	Status         Status     `json:"status"`
	Progress       int        `json:"progress"`
	SemaphoreName  string     `json:"semaphore_name"`
	Img            string     `json:"img"`
	Heading        string     `json:"heading"`
	Body           string     `json:"body"`
	StartedAt      *time.Time `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	ErrorType      string     `json:"error_type,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ErrorTraceback string     `json:"error_traceback,omitempty"`
	Results        any        `json:"results,omitempty"`
}

// TopicName returns the task-topic name for a given task_id (spec §4.2).
func TopicName(taskID string) string { return "task/" + taskID }

// Task is the mutable state of one work unit. All field access goes through
// methods so every mutation can publish a snapshot under the same lock that
// protects the fields (spec §5, "shared-resource policy").
type Task struct {
	bus               *eventbus.Bus
	coalesceInterval  time.Duration
	hookInterval      time.Duration

	mu             sync.Mutex
	id             string
	parentID       string
	hasParent      bool
	taskType       string
	status         Status
	progress       int
	semaphoreName  string
	img            string
	heading        string
	bodyText       string
	startedAt      *time.Time
	completedAt    *time.Time
	errorType      string
	errorMessage   string
	errorTraceback string
	results        any

	pendingPublish bool
	publishTimer   *time.Timer
	lastPublish    time.Time
}

// New constructs a fresh, queued Task Record. taskType is typically
// body.Kind(); semaphoreName is the class the task will execute under.
func New(taskType, semaphoreName, parentID string) *Task {
	t := &Task{
		id:               uuid.NewString(),
		taskType:         taskType,
		status:           StatusQueued,
		progress:         ProgressIndeterminate,
		semaphoreName:    semaphoreName,
		coalesceInterval: DefaultCoalesceInterval,
		hookInterval:     DefaultCoalesceInterval,
	}
	if parentID != "" {
		t.parentID = parentID
		t.hasParent = true
	}
	return t
}

// Attach binds the task to an event bus. Must be called before the task is
// submitted; the Scheduler does this as part of submit().
func (t *Task) Attach(bus *eventbus.Bus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bus = bus
}

// SetCoalesceInterval overrides the default progress-publish coalescing
// window (spec §4.2).
func (t *Task) SetCoalesceInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.coalesceInterval = d
	}
}

func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) TaskType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.taskType
}

func (t *Task) SemaphoreName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.semaphoreName
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Snapshot returns the current externally-visible state.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	s := Snapshot{
		TaskID:        t.id,
		TaskType:      t.taskType,
		Status:        t.status,
		Progress:      t.progress,
		SemaphoreName: t.semaphoreName,
		Img:           t.img,
		Heading:       t.heading,
		Body:          t.bodyText,
		StartedAt:     t.startedAt,
		CompletedAt:   t.completedAt,
		ErrorType:     t.errorType,
		ErrorMessage:  t.errorMessage,
		ErrorTraceback: t.errorTraceback,
		Results:       t.results,
	}
	if t.hasParent {
		id := t.parentID
		s.ParentID = &id
	}
	return s
}

// cancelPendingPublishLocked stops any scheduled coalesced publish without
// publishing anything itself; used before a transition that will deliver its
// own snapshot by another route (e.g. Close's final payload).
func (t *Task) cancelPendingPublishLocked() {
	if t.publishTimer != nil {
		t.publishTimer.Stop()
		t.publishTimer = nil
	}
	t.pendingPublish = false
}

// publishLocked publishes or schedules a snapshot publish. force=true bypasses
// coalescing (used for terminal transitions per spec §4.2).
func (t *Task) publishLocked(force bool) {
	if t.bus == nil {
		return
	}
	if force {
		t.cancelPendingPublishLocked()
		t.lastPublish = time.Now()
		snap := t.snapshotLocked()
		_ = t.bus.Publish(TopicName(t.id), snap)
		return
	}

	if t.pendingPublish {
		return
	}
	since := time.Since(t.lastPublish)
	if since >= t.coalesceInterval {
		t.lastPublish = time.Now()
		snap := t.snapshotLocked()
		_ = t.bus.Publish(TopicName(t.id), snap)
		return
	}

	t.pendingPublish = true
	delay := t.coalesceInterval - since
	t.publishTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.pendingPublish = false
		if t.bus == nil {
			return
		}
		t.lastPublish = time.Now()
		snap := t.snapshotLocked()
		_ = t.bus.Publish(TopicName(t.id), snap)
	})
}

// MarkRunning transitions queued -> running, stamping started_at with now
// (injected clock time). Publishes immediately (spec §4.2 step 1).
func (t *Task) MarkRunning(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.startedAt = &now
	t.publishLocked(true)
}

// MarkDone transitions running -> done, stamping completed_at and setting
// progress to 100 (spec §4.2 step 3). Closes the task topic with the final
// snapshot.
func (t *Task) MarkDone(now time.Time) {
	t.mu.Lock()
	t.status = StatusDone
	t.completedAt = &now
	t.progress = 100
	t.cancelPendingPublishLocked()
	snap := t.snapshotLocked()
	bus := t.bus
	t.mu.Unlock()

	if bus != nil {
		bus.Close(TopicName(t.id), snap, true)
	}
}

// MarkFailed transitions running -> failed, recording the three error_*
// fields verbatim (spec §4.2 step 4, §7 BodyError). Closes the task topic
// with the final snapshot.
func (t *Task) MarkFailed(now time.Time, errType, errMessage, errTraceback string) {
	t.mu.Lock()
	t.status = StatusFailed
	t.completedAt = &now
	t.errorType = errType
	t.errorMessage = errMessage
	t.errorTraceback = errTraceback
	t.cancelPendingPublishLocked()
	snap := t.snapshotLocked()
	bus := t.bus
	t.mu.Unlock()

	if bus != nil {
		bus.Close(TopicName(t.id), snap, true)
	}
}

// MarkCancelled records a cancellation, of a queued or a running task, as a
// failure with error_type "cancelled" (spec §4.4 Cancellation, §9 open
// question).
func (t *Task) MarkCancelled(now time.Time) {
	t.MarkFailed(now, ErrorKindCancelled, "task cancelled", "")
}

// --- Controller-facing mutators (called only through Controller) ---

func (t *Task) setProgress(p int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress = p
	t.publishLocked(false)
}

func (t *Task) setHeading(h string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.heading = h
	t.publishLocked(false)
}

func (t *Task) setBodyText(b string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bodyText = b
	t.publishLocked(false)
}

func (t *Task) setImg(img string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.img = img
	t.publishLocked(false)
}

func (t *Task) setResults(r any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results = r
}

// setFailedByBody reports whether the task has already reached status
// failed, e.g. because its body called Controller.Fail from within Run.
func (t *Task) setFailedByBody() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusFailed
}
