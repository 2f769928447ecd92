// Package store defines the durable persistence contract (C1) for
// workflow definitions, executions, steps, circuit-breaker states and
// locks, and ships a PostgreSQL-backed implementation plus an in-memory
// fake for tests.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/n8n-work/engine-go/internal/models"
)

// Store is a mapping-style persistence layer. Any storage engine
// supporting transactional updates and unique-key constraints can
// satisfy it.
type Store interface {
	// WorkflowDefinition operations.
	CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	FindDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	FindDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	UpdateDefinition(ctx context.Context, id string, patch models.WorkflowDefinitionPatch) error
	ListActiveDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// WorkflowExecution operations.
	CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error
	FindExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, id string, patch models.WorkflowExecutionPatch) error
	FindExecutionsByNameAndStatus(ctx context.Context, name string, status models.WorkflowExecutionStatus) ([]*models.WorkflowExecution, error)
	FindResumableExecutions(ctx context.Context) ([]*models.WorkflowExecution, error)

	// StepExecution operations.
	CreateStep(ctx context.Context, step *models.StepExecution) error
	UpdateStep(ctx context.Context, id string, patch models.StepExecutionPatch) error
	FindStepsByExecution(ctx context.Context, execID string) ([]*models.StepExecution, error)
	FindStepByExecutionAndName(ctx context.Context, execID, stepName string) (*models.StepExecution, error)
	FindRetryableSteps(ctx context.Context, execID string) ([]*models.StepExecution, error)

	// CircuitBreaker operations.
	GetOrCreateCircuitBreaker(ctx context.Context, name string) (*models.CircuitBreakerState, error)
	UpdateCircuitBreaker(ctx context.Context, name string, patch models.CircuitBreakerPatch) error
	ResetCircuitBreaker(ctx context.Context, name string) error

	// Lock operations.
	AcquireLock(ctx context.Context, executionID, lockKey string, expiresAt time.Time) (bool, error)
	ReleaseLock(ctx context.Context, executionID string) (bool, error)
	CleanupExpiredLocks(ctx context.Context) (int, error)

	// Transaction runs fn inside a single atomic unit; an error returned
	// from fn aborts and rolls back every write issued through the store
	// passed to fn.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Health/ops sidecar, non-core per the operator-facing surface.
	HealthCheck(ctx context.Context) error
	Stats() sql.DBStats
	PerformanceMetrics() []SlowQuery

	Close() error
}

// SlowQuery records one sample in the bounded slow-query ring buffer.
type SlowQuery struct {
	Query    string
	Duration time.Duration
	At       time.Time
}

// ErrNotFound is returned by FindXByY lookups that find nothing.
var ErrNotFound = sql.ErrNoRows
