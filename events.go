package taskengine

import (
	"context"
	"fmt"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// EventEmitter is the host observability hook. It is distinct from the
// per-task/per-queue Event Bus (package eventbus): the Event Bus carries
// Task Record snapshots to SSE-style subscribers, while EventEmitter carries
// CloudEvents-formatted lifecycle notifications (task scheduled, started,
// completed, failed or cancelled, from the Scheduler; recurrence fired, from
// the recurring engine) to a host-supplied observer, mirroring the
// teacher's EventEmitter/emitEvent pattern in modules/scheduler. The Store
// emits nothing: EventTypeTaskPruned, EventTypeSchedulerStart and
// EventTypeSchedulerStop are defined but not emitted by any component.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event cloudevents.Event) error
}

// Host-observability CloudEvent types, following reverse-domain notation in
// the same style as the teacher's scheduler module event constants.
const (
	EventTypeTaskScheduled   = "dev.taskengine.task.scheduled"
	EventTypeTaskStarted     = "dev.taskengine.task.started"
	EventTypeTaskCompleted   = "dev.taskengine.task.completed"
	EventTypeTaskFailed      = "dev.taskengine.task.failed"
	EventTypeTaskCancelled   = "dev.taskengine.task.cancelled"
	EventTypeTaskPruned      = "dev.taskengine.task.pruned"
	EventTypeRecurrenceFired = "dev.taskengine.recurring.fired"
	EventTypeSchedulerStart  = "dev.taskengine.scheduler.started"
	EventTypeSchedulerStop   = "dev.taskengine.scheduler.stopped"
)

// NewCloudEvent builds a CloudEvent carrying data as its JSON payload,
// matching the shape of modular.NewCloudEvent used by the teacher's modules.
func NewCloudEvent(eventType, source string, data map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetType(eventType)
	event.SetSource(source)
	if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
		// SetData only fails on marshal errors for well-formed maps; degrade
		// to an empty payload rather than panicking on an observability path.
		_ = event.SetData(cloudevents.ApplicationJSON, map[string]interface{}{
			"marshal_error": fmt.Sprintf("%v", err),
		})
	}
	return event
}

// NoopEmitter discards all events; used when a host registers no observer.
type NoopEmitter struct{}

func (NoopEmitter) EmitEvent(context.Context, cloudevents.Event) error { return nil }
