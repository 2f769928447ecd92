// Package steprunner implements the step runner (C4): memoized replay,
// retry/backoff, error-handler chaining, circuit-breaker gating, nested
// step composition and sleep-as-step. Its retry/backoff shape descends
// from an executeStepWithRetry/calculateRetryDelay loop generalized from
// "retry a node-runner RPC" to "replay-or-run a step body against the
// durable store".
package steprunner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/breaker"
	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/store"
)

// Body is a step's unit of work. It receives the step's Context so it
// may itself issue nested ctx.step/ctx.sleep calls.
type Body func(ctx *Context) (models.JSON, error)

// Handler recovers from an error, optionally issuing nested compensating
// steps via ctx before returning a value (recovery) or re-raising err
// (escalation, signaled by returning a non-nil error).
type Handler func(ctx *Context, err error) (models.JSON, error)

// CircuitBreakerPolicy names the breaker gating a step and its optional
// rejection hook.
type CircuitBreakerPolicy struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	OnOpen           Body
}

// Policy carries a step invocation's retry/backoff/circuit-breaker/error-
// handler configuration. All fields are optional; zero values fall back
// to the defaults in withDefaults.
type Policy struct {
	MaxAttempts        int
	BackoffMs          int
	ExponentialBackoff *bool // nil means true, the default
	MaxBackoffMs       int
	Timeout            time.Duration

	CircuitBreaker *CircuitBreakerPolicy
	ErrorHandlers  map[models.ErrorKind]Handler
	CatchAll       Handler

	// Input, when set, is persisted as the step row's input and folds
	// into the in-process cache key; bodies that close over state
	// instead of taking an explicit input may leave this nil.
	Input models.JSON
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffMs <= 0 {
		p.BackoffMs = 1000
	}
	if p.ExponentialBackoff == nil {
		t := true
		p.ExponentialBackoff = &t
	}
	if p.MaxBackoffMs <= 0 {
		p.MaxBackoffMs = 30000
	}
	return p
}

// backoff computes backoff(n): exponential doubling capped at
// maxBackoffMs, or a flat delay when exponential backoff is disabled.
func backoff(p Policy, attempt int) time.Duration {
	if !*p.ExponentialBackoff {
		return time.Duration(p.BackoffMs) * time.Millisecond
	}
	ms := p.BackoffMs
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms >= p.MaxBackoffMs {
			ms = p.MaxBackoffMs
			break
		}
	}
	if ms > p.MaxBackoffMs {
		ms = p.MaxBackoffMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Runner is the process-wide step execution engine shared by every
// workflow execution; its Store, breaker registry and cache are safe for
// concurrent use across executions.
type Runner struct {
	store    store.Store
	breakers *breaker.Registry
	clock    clock.Clock
	delay    clock.Delay
	cache    *resultCache
	dist     DistributedCache // optional second tier, may be nil
	logger   *zap.Logger
}

// New constructs a Runner. dist may be nil when no distributed cache tier
// is configured.
func New(s store.Store, breakers *breaker.Registry, c clock.Clock, d clock.Delay, dist DistributedCache, logger *zap.Logger) *Runner {
	return &Runner{
		store:    s,
		breakers: breakers,
		clock:    c,
		delay:    d,
		cache:    newResultCache(),
		dist:     dist,
		logger:   logger,
	}
}

// InvalidateExecution drops every cached entry for an execution that has
// terminated.
func (r *Runner) InvalidateExecution(executionID string) { r.cache.invalidateExecution(executionID) }

// InvalidateStepName drops every cached entry for stepName, for global
// rollouts of a changed step body.
func (r *Runner) InvalidateStepName(stepName string) { r.cache.invalidateStepName(stepName) }

// Run is the step runner's entry point: Run(ctx, stepName, body, policy).
func (r *Runner) Run(ctx context.Context, stepCtx *Context, stepName string, body Body, policy Policy) (output models.JSON, err error) {
	ctx, span := observability.GetTracer("steprunner").Start(ctx, "StepRunner.Run",
		oteltrace.WithAttributes(
			attribute.String("execution.id", stepCtx.ExecutionID),
			attribute.String("step.name", stepName),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if stepCtx.isCancelled() {
		return nil, &models.CancelledError{ExecutionID: stepCtx.ExecutionID}
	}
	if stepCtx.hasStep(stepName) {
		return nil, fmt.Errorf("steprunner: duplicate step name %q within execution %q", stepName, stepCtx.ExecutionID)
	}
	stepCtx.markStep(stepName)

	policy = policy.withDefaults()

	if cached, ok := r.cache.get(stepCtx.ExecutionID, stepName, policy.Input); ok {
		return cached, nil
	}
	if value, ok := r.getDistributed(ctx, stepCtx.ExecutionID, stepName, policy.Input); ok {
		r.cache.put(stepCtx.ExecutionID, stepName, policy.Input, value)
		return value, nil
	}

	step, isReplay, err := r.loadOrCreateStep(ctx, stepCtx, stepName, policy)
	if err != nil {
		return nil, err
	}
	if isReplay {
		r.cache.put(stepCtx.ExecutionID, stepName, policy.Input, step.Output)
		r.putDistributed(ctx, stepCtx.ExecutionID, stepName, policy.Input, step.Output)
		return step.Output, nil
	}

	nested := stepCtx.child()

	for attempt := step.Attempt; attempt <= policy.MaxAttempts; attempt++ {
		if stepCtx.isCancelled() {
			return nil, &models.CancelledError{ExecutionID: stepCtx.ExecutionID}
		}

		if policy.CircuitBreaker != nil {
			value, handled, err := r.gateCircuitBreaker(ctx, stepCtx, nested, step.ID, policy)
			if handled {
				return value, err
			}
		}

		if attempt == 1 {
			now := r.clock.Now()
			_ = r.store.UpdateStep(ctx, step.ID, models.StepExecutionPatch{
				Status:    statusPtr(models.StepRunning),
				StartedAt: &now,
			})
		}

		output, runErr := r.invokeBody(ctx, body, nested, policy.Timeout)
		if runErr == nil {
			if policy.CircuitBreaker != nil {
				if err := r.breakers.OnSuccess(ctx, policy.CircuitBreaker.Name); err != nil {
					r.logger.Warn("circuit breaker OnSuccess failed", zap.Error(err))
				}
			}
			now := r.clock.Now()
			if err := r.store.UpdateStep(ctx, step.ID, models.StepExecutionPatch{
				Status:      statusPtr(models.StepCompleted),
				Output:      output,
				CompletedAt: &now,
			}); err != nil {
				return nil, err
			}
			r.cache.put(stepCtx.ExecutionID, stepName, policy.Input, output)
			r.putDistributed(ctx, stepCtx.ExecutionID, stepName, policy.Input, output)
			return output, nil
		}

		if value, handled, err := r.dispatchErrorHandler(ctx, stepCtx, nested, step.ID, policy, runErr); handled {
			if err == nil {
				r.cache.put(stepCtx.ExecutionID, stepName, policy.Input, value)
				r.putDistributed(ctx, stepCtx.ExecutionID, stepName, policy.Input, value)
			}
			return value, err
		}

		if policy.CircuitBreaker != nil {
			cbPolicy := breaker.Policy{
				Name:             policy.CircuitBreaker.Name,
				FailureThreshold: policy.CircuitBreaker.FailureThreshold,
				ResetTimeout:     policy.CircuitBreaker.ResetTimeout,
			}
			if err := r.breakers.OnFailure(ctx, cbPolicy); err != nil {
				r.logger.Warn("circuit breaker OnFailure failed", zap.Error(err))
			}
		}

		errJSON, _ := models.NewJSON(map[string]interface{}{"message": runErr.Error(), "kind": string(models.KindOf(runErr))})

		if attempt < policy.MaxAttempts {
			if err := r.store.UpdateStep(ctx, step.ID, models.StepExecutionPatch{
				Status:  statusPtr(models.StepFailed),
				Attempt: intPtr(attempt),
				Error:   errJSON,
			}); err != nil {
				return nil, err
			}
			if err := r.delay.Sleep(ctx, backoff(policy, attempt)); err != nil {
				return nil, err
			}
			if err := r.store.UpdateStep(ctx, step.ID, models.StepExecutionPatch{Status: statusPtr(models.StepRetrying)}); err != nil {
				return nil, err
			}
			continue
		}

		now := r.clock.Now()
		if err := r.store.UpdateStep(ctx, step.ID, models.StepExecutionPatch{
			Status:      statusPtr(models.StepFailed),
			Attempt:     intPtr(attempt),
			Error:       errJSON,
			CompletedAt: &now,
		}); err != nil {
			return nil, err
		}
		return nil, runErr
	}

	return nil, fmt.Errorf("steprunner: exhausted attempts for step %q without terminal state", stepName)
}

func (r *Runner) invokeBody(ctx context.Context, body Body, stepCtx *Context, timeout time.Duration) (models.JSON, error) {
	if timeout <= 0 {
		return body(stepCtx)
	}

	type result struct {
		value models.JSON
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := body(stepCtx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.value, res.err
	case <-timer.C:
		return nil, &models.TimeoutError{StepName: stepCtx.currentStepName(), Timeout: timeout.String()}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadOrCreateStep implements the memoization lookup: a completed row
// short-circuits, a failed-but-retryable row is reused with attempt
// incremented, otherwise a fresh row is created at attempt=1.
func (r *Runner) loadOrCreateStep(ctx context.Context, stepCtx *Context, stepName string, policy Policy) (*models.StepExecution, bool, error) {
	existing, err := r.store.FindStepByExecutionAndName(ctx, stepCtx.ExecutionID, stepName)
	if err != nil && err != store.ErrNotFound {
		return nil, false, err
	}

	if existing != nil {
		switch existing.Status {
		case models.StepCompleted:
			return existing, true, nil
		case models.StepFailed:
			if existing.Attempt < existing.MaxAttempts {
				existing.Attempt++
				if err := r.store.UpdateStep(ctx, existing.ID, models.StepExecutionPatch{Attempt: &existing.Attempt}); err != nil {
					return nil, false, err
				}
				return existing, false, nil
			}
		}
	}

	step := &models.StepExecution{
		ExecutionID: stepCtx.ExecutionID,
		StepName:    stepName,
		Status:      models.StepRunning,
		Input:       policy.Input,
		Attempt:     1,
		MaxAttempts: policy.MaxAttempts,
	}
	if err := r.store.CreateStep(ctx, step); err != nil {
		return nil, false, err
	}
	return step, false, nil
}

// gateCircuitBreaker runs BeforeCall; when rejected it executes the
// policy's onOpen hook as a nested step (or surfaces CircuitOpenError)
// and reports handled=true so Run returns immediately.
func (r *Runner) gateCircuitBreaker(ctx context.Context, stepCtx, nested *Context, stepID string, policy Policy) (models.JSON, bool, error) {
	cbPolicy := breaker.Policy{
		Name:             policy.CircuitBreaker.Name,
		FailureThreshold: policy.CircuitBreaker.FailureThreshold,
		ResetTimeout:     policy.CircuitBreaker.ResetTimeout,
	}
	decision, err := r.breakers.BeforeCall(ctx, cbPolicy)
	if err != nil {
		return nil, true, err
	}
	if decision == breaker.Allow {
		return nil, false, nil
	}

	if policy.CircuitBreaker.OnOpen != nil {
		hookName := policy.CircuitBreaker.Name + ":onOpen"
		value, hookErr := r.Run(ctx, stepCtx, hookName, policy.CircuitBreaker.OnOpen, Policy{MaxAttempts: 1})
		now := r.clock.Now()
		if hookErr != nil {
			_ = r.store.UpdateStep(ctx, stepID, models.StepExecutionPatch{Status: statusPtr(models.StepFailed), CompletedAt: &now})
			return nil, true, hookErr
		}
		_ = r.store.UpdateStep(ctx, stepID, models.StepExecutionPatch{Status: statusPtr(models.StepCompleted), Output: value, CompletedAt: &now})
		return value, true, nil
	}

	cbErr := &models.CircuitOpenError{Name: policy.CircuitBreaker.Name}
	now := r.clock.Now()
	errJSON, _ := models.NewJSON(map[string]interface{}{"message": cbErr.Error(), "kind": string(models.KindCircuitOpen)})
	_ = r.store.UpdateStep(ctx, stepID, models.StepExecutionPatch{Status: statusPtr(models.StepFailed), Error: errJSON, CompletedAt: &now})
	return nil, true, cbErr
}

// dispatchErrorHandler runs the named handler for kindOf(err), falling
// back to catchAll; a handler that returns a value recovers the step
// (completed with the handler's value), one that re-raises falls through
// to ordinary retry/backoff.
func (r *Runner) dispatchErrorHandler(ctx context.Context, stepCtx, nested *Context, stepID string, policy Policy, stepErr error) (models.JSON, bool, error) {
	kind := models.KindOf(stepErr)
	handler := policy.ErrorHandlers[kind]
	if handler == nil {
		handler = policy.CatchAll
	}
	if handler == nil {
		return nil, false, nil
	}

	_ = r.store.UpdateStep(ctx, stepID, models.StepExecutionPatch{Status: statusPtr(models.StepRetrying)})

	value, err := handler(nested, stepErr)
	if err != nil {
		return nil, false, nil // escalated: fall through to retry/backoff
	}

	now := r.clock.Now()
	if updErr := r.store.UpdateStep(ctx, stepID, models.StepExecutionPatch{
		Status:      statusPtr(models.StepCompleted),
		Output:      value,
		CompletedAt: &now,
	}); updErr != nil {
		return nil, true, updErr
	}
	return value, true, nil
}

// getDistributed consults the optional second-tier cache, for replay
// acceleration across processes sharing one Redis instance. A miss or a
// nil tier is reported as ok=false; errors are logged, not surfaced,
// since the store remains authoritative either way.
func (r *Runner) getDistributed(ctx context.Context, executionID, stepName string, input models.JSON) (models.JSON, bool) {
	if r.dist == nil {
		return nil, false
	}
	value, ok, err := r.dist.Get(ctx, cacheKey(executionID, stepName, input))
	if err != nil {
		r.logger.Warn("distributed cache get failed", zap.Error(err))
		return nil, false
	}
	return value, ok
}

func (r *Runner) putDistributed(ctx context.Context, executionID, stepName string, input, value models.JSON) {
	if r.dist == nil {
		return
	}
	if err := r.dist.Set(ctx, cacheKey(executionID, stepName, input), value, cacheTTL); err != nil {
		r.logger.Warn("distributed cache set failed", zap.Error(err))
	}
}

func statusPtr(s models.StepExecutionStatus) *models.StepExecutionStatus { return &s }
func intPtr(i int) *int                                                 { return &i }
