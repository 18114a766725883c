package tasklib

import (
	"context"

	"github.com/taskengine/taskengine/clock"
)

// Controller is the handle a Body uses to mutate its own Task Record's
// display fields and observe cancellation. It is the composition seam that
// replaces the source system's direct field access from within task code
// (spec §9, "Dataclass-style inheritance").
type Controller struct {
	ctx  context.Context
	task *Task
	clk  clock.Clock
}

// NewController builds a Controller bound to ctx (carrying cancellation),
// the task it controls, and the clock used to stamp any transition it
// triggers directly (Fail). Used by the Scheduler when invoking a body.
func NewController(ctx context.Context, task *Task, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{ctx: ctx, task: task, clk: clk}
}

// Context returns the cancellation-aware context for this task's execution.
// Bodies performing blocking work should select on ctx.Done().
func (c *Controller) Context() context.Context { return c.ctx }

// TaskID returns the id of the task this controller mutates.
func (c *Controller) TaskID() string { return c.task.ID() }

// SetProgress updates progress (-1..100; -1 is indeterminate, spec §3).
func (c *Controller) SetProgress(p int) {
	if p < -1 {
		p = -1
	}
	if p > 100 {
		p = 100
	}
	c.task.setProgress(p)
}

// SetHeading updates the heading display string.
func (c *Controller) SetHeading(h string) { c.task.setHeading(h) }

// SetBody updates the body display string (distinct from the Body
// capability; this is the human-readable "body" field of the snapshot).
func (c *Controller) SetBody(b string) { c.task.setBodyText(b) }

// SetImg updates the img display string.
func (c *Controller) SetImg(img string) { c.task.setImg(img) }

// SetResults attaches the opaque result value produced by the body.
func (c *Controller) SetResults(r any) { c.task.setResults(r) }

// Fail lets a body explicitly declare failure and return normally
// afterward, rather than returning an error from Run (spec §4.2 step 3:
// "did not explicitly set status = failed"). The engine will not mark the
// task done when Run returns if Fail was already called.
func (c *Controller) Fail(kind, message, traceback string) {
	c.task.MarkFailed(c.clk.Now(), kind, message, traceback)
}

// IsFailed reports whether Fail has already been called on this task.
func (c *Controller) IsFailed() bool { return c.task.setFailedByBody() }
