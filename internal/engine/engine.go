// Package engine implements the workflow engine (C5): the public
// Define/Start/Resume/Cancel surface, owning per-execution lifecycle and
// driving the user handler through a Context. The engine holds a
// logger/store/config/metrics struct shape with a mutex-guarded
// in-flight execution map, and replaces a DAG-of-nodes scheduler with a
// single registered handler replayed top-to-bottom — the handler
// supplies its own dependency order through ctx.step program order.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/breaker"
	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/eventbus"
	"github.com/n8n-work/engine-go/internal/lockmgr"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/observability"
	"github.com/n8n-work/engine-go/internal/store"
	"github.com/n8n-work/engine-go/internal/steprunner"
)

// Handler is the shape every embedder registers via Define: a pure
// function of its observable effects except through ctx.step.
type Handler func(ctx *steprunner.Context) (models.JSON, error)

// DefineOptions configures a registered workflow.
type DefineOptions struct {
	Version     string `validate:"omitempty,semver"`
	Description string
	Schema      models.JSON
}

// StartOptions configures a single Start/Resume invocation.
type StartOptions struct {
	Metadata models.JSON
	LockTTL  time.Duration
}

type registration struct {
	handler Handler
	def     *models.WorkflowDefinition
}

// Engine is the process-wide durable workflow engine. Its handler
// registry, step-result cache and circuit-breaker view are process-wide
// singletons guarded by their own locks; the Store is the cross-process
// source of truth, exactly as the design notes prescribe.
type Engine struct {
	store    store.Store
	runner   *steprunner.Runner
	breakers *breaker.Registry
	locks    *lockmgr.Manager
	clock    clock.Clock
	delay    clock.Delay
	events   eventbus.Publisher
	metrics  *observability.Metrics
	dist     steprunner.DistributedCache
	logger   *zap.Logger
	validate *validator.Validate

	mu            sync.RWMutex
	handlers      map[string]*registration
	inFlightCancel map[string]context.CancelFunc
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithEventBus attaches an optional lifecycle-event publisher.
func WithEventBus(p eventbus.Publisher) Option { return func(e *Engine) { e.events = p } }

// WithMetrics attaches process metrics.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the Clock/Delay collaborators, for tests.
func WithClock(c clock.Clock, d clock.Delay) Option {
	return func(e *Engine) {
		e.clock = c
		e.delay = d
	}
}

// WithDistributedCache attaches the step runner's optional second-tier
// result cache, for multi-process replay acceleration.
func WithDistributedCache(dist steprunner.DistributedCache) Option {
	return func(e *Engine) { e.dist = dist }
}

// New constructs an Engine over the given store and logger.
func New(s store.Store, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:          s,
		clock:          clock.Real{},
		delay:          clock.Real{},
		logger:         logger,
		validate:       validator.New(),
		handlers:       make(map[string]*registration),
		inFlightCancel: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breakers = breaker.New(s, logger, e.clock)
	e.locks = lockmgr.New(s, logger)
	e.runner = steprunner.New(s, e.breakers, e.clock, e.delay, e.dist, logger)
	return e
}

var (
	defaultOnce sync.Once
	defaultInst *Engine
)

// Default returns a package-level Engine backed by an in-memory store,
// for simple single-process use without explicit wiring. Production
// embedders should construct their own Engine via New with a durable
// Store.
func Default() *Engine {
	defaultOnce.Do(func() {
		defaultInst = New(store.NewMemoryStore(), zap.NewNop())
	})
	return defaultInst
}

// Define registers handler under name. Options are validated; the
// WorkflowDefinition row is upserted synchronously — registration itself
// is cheap enough to do inline, and embedders generally want validation
// errors surfaced immediately rather than discovered later.
func (e *Engine) Define(ctx context.Context, name string, handler Handler, opts DefineOptions) error {
	if err := e.validate.Struct(opts); err != nil {
		return &models.ValidationError{Field: "options", Message: err.Error()}
	}

	existing, err := e.store.FindDefinitionByName(ctx, name)
	version := opts.Version
	if version == "" {
		version = "0.0.1"
	}

	if err == store.ErrNotFound {
		def := &models.WorkflowDefinition{
			Name:        name,
			Version:     version,
			Description: opts.Description,
			Schema:      opts.Schema,
			IsActive:    true,
		}
		if cerr := e.store.CreateDefinition(ctx, def); cerr != nil {
			return cerr
		}
		existing = def
	} else if err != nil {
		return err
	} else {
		active := true
		if uerr := e.store.UpdateDefinition(ctx, existing.ID, models.WorkflowDefinitionPatch{
			Version:     &version,
			Description: &opts.Description,
			Schema:      opts.Schema,
			IsActive:    &active,
		}); uerr != nil {
			return uerr
		}
	}

	e.mu.Lock()
	e.handlers[name] = &registration{handler: handler, def: existing}
	e.mu.Unlock()
	return nil
}

// Start resolves handler by name, creates the execution, acquires its
// lock and drives the handler, per the start protocol in §4.5.
func (e *Engine) Start(ctx context.Context, name, execID string, input models.JSON, opts StartOptions) (output models.JSON, err error) {
	ctx, span := observability.GetTracer("engine").Start(ctx, "Engine.Start",
		oteltrace.WithAttributes(attribute.String("workflow.name", name), attribute.String("execution.id", execID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.mu.RLock()
	reg, ok := e.handlers[name]
	e.mu.RUnlock()
	if !ok {
		return nil, &models.UnknownWorkflowError{Name: name}
	}

	exec := &models.WorkflowExecution{
		ID:           execID,
		DefinitionID: reg.def.ID,
		WorkflowName: name,
		Status:       models.ExecutionPending,
		Input:        input,
		Metadata:     opts.Metadata,
	}
	if _, err := e.store.FindExecutionByID(ctx, execID); err == store.ErrNotFound {
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return e.runLocked(ctx, reg.handler, execID, opts)
}

// Resume loads a non-terminal execution and replays its handler;
// completed steps are skipped by the step runner's memoization.
func (e *Engine) Resume(ctx context.Context, execID string) (output models.JSON, err error) {
	ctx, span := observability.GetTracer("engine").Start(ctx, "Engine.Resume",
		oteltrace.WithAttributes(attribute.String("execution.id", execID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	exec, err := e.store.FindExecutionByID(ctx, execID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case models.ExecutionRunning, models.ExecutionPaused, models.ExecutionFailed:
	default:
		return nil, fmt.Errorf("engine: execution %q in status %q cannot be resumed", execID, exec.Status)
	}

	e.mu.RLock()
	reg, ok := e.handlers[exec.WorkflowName]
	e.mu.RUnlock()
	if !ok {
		return nil, &models.UnknownWorkflowError{Name: exec.WorkflowName}
	}

	return e.runLocked(ctx, reg.handler, execID, StartOptions{})
}

// Cancel marks an execution cancelled; subsequent step calls within it
// refuse with CancelledError. Cancellation is cooperative — in-flight
// step bodies are not forcibly interrupted.
func (e *Engine) Cancel(ctx context.Context, execID string) error {
	cancelled := models.ExecutionCancelled
	return e.store.UpdateExecution(ctx, execID, models.WorkflowExecutionPatch{Status: &cancelled})
}

func (e *Engine) runLocked(ctx context.Context, handler Handler, execID string, opts StartOptions) (models.JSON, error) {
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	acquired, err := e.locks.AcquireTTL(ctx, execID, "engine:"+execID, ttl)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &models.AlreadyRunningError{ExecutionID: execID}
	}
	defer func() {
		if _, err := e.locks.Release(ctx, execID); err != nil {
			e.logger.Warn("failed to release lock", zap.String("execution_id", execID), zap.Error(err))
		}
		e.runner.InvalidateExecution(execID)
	}()

	now := e.clock.Now()
	running := models.ExecutionRunning
	if err := e.store.UpdateExecution(ctx, execID, models.WorkflowExecutionPatch{
		Status:    &running,
		StartedAt: &now,
	}); err != nil {
		return nil, err
	}

	exec, err := e.store.FindExecutionByID(ctx, execID)
	if err != nil {
		return nil, err
	}

	cancelled := func() bool {
		cur, err := e.store.FindExecutionByID(ctx, execID)
		if err != nil {
			return false
		}
		return cur.Status == models.ExecutionCancelled
	}

	stepCtx := steprunner.NewContext(ctx, e.runner, execID, exec.WorkflowName, exec.Input, exec.Metadata, 1, cancelled)

	if e.events != nil {
		e.events.PublishExecutionStarted(ctx, execID, exec.WorkflowName)
	}
	if e.metrics != nil {
		e.metrics.ExecutionsStarted.WithLabelValues(exec.WorkflowName).Inc()
	}

	output, handlerErr := handler(stepCtx)

	completedAt := e.clock.Now()
	if handlerErr != nil {
		failed := models.ExecutionFailed
		errJSON, _ := models.NewJSON(map[string]interface{}{"message": handlerErr.Error(), "kind": string(models.KindOf(handlerErr))})
		_ = e.store.UpdateExecution(ctx, execID, models.WorkflowExecutionPatch{
			Status:      &failed,
			Error:       errJSON,
			CompletedAt: &completedAt,
		})
		if e.events != nil {
			e.events.PublishExecutionFailed(ctx, execID, exec.WorkflowName, handlerErr)
		}
		if e.metrics != nil {
			e.metrics.ExecutionsFailed.WithLabelValues(exec.WorkflowName).Inc()
		}
		return nil, handlerErr
	}

	completed := models.ExecutionCompleted
	if err := e.store.UpdateExecution(ctx, execID, models.WorkflowExecutionPatch{
		Status:      &completed,
		Output:      output,
		CompletedAt: &completedAt,
	}); err != nil {
		return nil, err
	}
	if e.events != nil {
		e.events.PublishExecutionCompleted(ctx, execID, exec.WorkflowName)
	}
	if e.metrics != nil {
		e.metrics.ExecutionsCompleted.WithLabelValues(exec.WorkflowName).Inc()
	}
	return output, nil
}
