// Package tasklib implements the Task Record entity and the Body capability
// contract described in spec §3 and §4.2: a plain record plus a separate
// Body interface, avoiding the class-hierarchy pattern of the source system
// (see spec.md §9 "Dataclass-style inheritance").
package tasklib

import "context"

// Body is opaque user code that performs a task's work. The engine never
// reflects on its concrete type; Kind identifies the task_type exactly the
// way the source system's dynamic class discovery did, but as an explicit
// accessor instead of a runtime class name.
type Body interface {
	// Kind returns the task_type recorded on Task Records created by
	// engine.Engine.Submit. Tasks spawned by the recurring engine record
	// their Template's TaskType instead, which need not equal Kind.
	Kind() string

	// Run performs the work. Field mutations go through ctl, which also
	// carries the cancellation-aware context. A returned error is captured
	// verbatim into the record's error_* fields; it never propagates
	// further.
	Run(ctx context.Context, ctl *Controller) error
}

// ProgressSampler is an optional capability a Body may implement to have
// the engine sample external progress at a fixed cadence (spec §4.2,
// "progress_hook"). Panics or errors from Sample are swallowed and logged;
// they never fail the task.
type ProgressSampler interface {
	Sample(ctl *Controller)
}

// KindedError lets a Body's returned error report an error_type distinct
// from Go's reflected type name (spec §8 scenario 4: kind "ValueError").
// Errors that don't implement it fall back to a reflected type name.
type KindedError interface {
	error
	ErrorKind() string
}

// TracebackError lets a Body's returned error supply its own formatted
// error_traceback. Errors that don't implement it get a captured stack
// trace from the point the engine observed the failure.
type TracebackError interface {
	error
	Traceback() string
}

// Cloner is an optional capability a RecurringInfo template's Body
// implements to produce an independent copy for each spawned instance
// (spec §9, "Cloning templates"). Bodies that are already side-effect-free
// value types do not need to implement it; the recurring engine falls back
// to using the same Body reference when Clone is absent, which is safe only
// for stateless bodies — stateful bodies must implement Cloner.
type Cloner interface {
	Clone() Body
}
