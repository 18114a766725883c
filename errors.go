// Package taskengine is the root package of the in-process task-management
// engine: a library embedded in a host process that accepts long-running
// units of work, executes them concurrently under class-based concurrency
// limits, publishes progress events to subscribers, and schedules recurring
// instantiations from cron expressions.
package taskengine

import (
	"errors"

	"github.com/taskengine/taskengine/eventbus"
)

// Error kinds, matching the engine's error-handling design: body errors
// never propagate here, they are captured on the Task Record instead.
var (
	// ErrNotFound is returned for operations against an unknown task_id or
	// recurring_id.
	ErrNotFound = errors.New("taskengine: not found")

	// ErrCancelled marks a task's terminal failure after cancellation. The
	// error_type recorded on a cancelled task is tasklib.ErrorKindCancelled
	// ("cancelled"), not this error's text.
	ErrCancelled = errors.New("taskengine: cancelled")

	// ErrOverflow is returned to a subscriber whose buffer filled and who was
	// consequently dropped by the event bus. It never reaches a publisher.
	// It is the same value as eventbus.ErrOverflow.
	ErrOverflow = eventbus.ErrOverflow

	// ErrShutdownInProgress is returned for submissions attempted after Stop
	// has been called. Subscribing after Stop returns no error: topics closed
	// by Stop replay their last event and then end.
	ErrShutdownInProgress = errors.New("taskengine: shutdown in progress")

	// ErrBadRequest marks malformed input: a non-positive max_concurrent, an
	// unparsable cron expression, a nil task body, and similar.
	ErrBadRequest = errors.New("taskengine: bad request")
)
