package steprunner

import (
	"context"
	"sync"
	"time"

	"github.com/n8n-work/engine-go/internal/models"
)

// Context is passed to every step body and handler. ctx.step is
// single-threaded within a given execution — enforced by the workflow
// engine holding the execution's lock for the handler's whole run — so
// the shared seen-name set needs no more than a light guard against the
// rare concurrent body spawned by a step timeout race.
type Context struct {
	ExecutionID  string
	WorkflowName string
	Input        models.JSON
	Attempt      int
	Metadata     models.JSON

	goCtx   context.Context
	runner  *Runner
	current string

	seenMu *sync.Mutex
	seen   map[string]bool

	cancelled func() bool
}

// NewContext constructs the top-level Context for a workflow execution.
// cancelled is polled before every step to honor cooperative cancellation.
func NewContext(goCtx context.Context, runner *Runner, executionID, workflowName string, input, metadata models.JSON, attempt int, cancelled func() bool) *Context {
	return &Context{
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		Input:        input,
		Attempt:      attempt,
		Metadata:     metadata,
		goCtx:        goCtx,
		runner:       runner,
		seenMu:       &sync.Mutex{},
		seen:         make(map[string]bool),
		cancelled:    cancelled,
	}
}

// Step runs a named step: memoized replay, retry/backoff, error-handler
// chaining and circuit-breaker gating per Runner.Run.
func (c *Context) Step(name string, body Body, policy Policy) (models.JSON, error) {
	return c.runner.Run(c.goCtx, c, name, body, policy)
}

// Context returns the underlying context.Context, for step bodies that
// make their own outbound calls (HTTP, database, queue) and need to
// propagate cancellation/deadlines.
func (c *Context) Context() context.Context { return c.goCtx }

// Sleep is a step whose body is a delay; on replay the completed row
// short-circuits it, so a resumed execution does not wait out sleeps it
// already passed.
func (c *Context) Sleep(name string, d time.Duration) error {
	_, err := c.runner.Run(c.goCtx, c, name, func(sc *Context) (models.JSON, error) {
		return models.NullJSON, sc.runner.delay.Sleep(sc.goCtx, d)
	}, Policy{MaxAttempts: 1})
	return err
}

// child returns a nested Context sharing this execution's cancellation
// check, step-name namespace and Go context, for use inside a step body
// or error handler that itself issues ctx.step calls.
func (c *Context) child() *Context {
	return &Context{
		ExecutionID:  c.ExecutionID,
		WorkflowName: c.WorkflowName,
		Input:        c.Input,
		Attempt:      c.Attempt,
		Metadata:     c.Metadata,
		goCtx:        c.goCtx,
		runner:       c.runner,
		seenMu:       c.seenMu,
		seen:         c.seen,
		cancelled:    c.cancelled,
	}
}

func (c *Context) isCancelled() bool {
	if c.cancelled == nil {
		return false
	}
	return c.cancelled()
}

// hasStep/markStep enforce the flat, execution-wide step-name namespace:
// nested step names must be unique within the enclosing execution.
func (c *Context) hasStep(name string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.seen[name]
}

func (c *Context) markStep(name string) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	c.seen[name] = true
	c.current = name
}

func (c *Context) currentStepName() string { return c.current }
