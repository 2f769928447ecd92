package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/models"
)

const slowQueryThreshold = 50 * time.Millisecond
const slowQueryRingSize = 50

// PostgresStore is the production Store, built on connection-pool
// tuning and a NamedExec/Get/Select idiom spanning the full five-entity
// data model.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger

	slowMu      sync.Mutex
	slowQueries []SlowQuery
}

// NewPostgresStore connects to databaseURL and tunes the connection
// pool.
func NewPostgresStore(databaseURL string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db, logger: logger}, nil
}

func newPostgresStoreFromDB(db *sqlx.DB, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Stats() sql.DBStats { return s.db.Stats() }

func (s *PostgresStore) PerformanceMetrics() []SlowQuery {
	s.slowMu.Lock()
	defer s.slowMu.Unlock()
	out := make([]SlowQuery, len(s.slowQueries))
	copy(out, s.slowQueries)
	return out
}

func (s *PostgresStore) recordQuery(query string, start time.Time) {
	d := time.Since(start)
	if d < slowQueryThreshold {
		return
	}
	s.slowMu.Lock()
	defer s.slowMu.Unlock()
	s.slowQueries = append(s.slowQueries, SlowQuery{Query: query, Duration: d, At: start})
	if len(s.slowQueries) > slowQueryRingSize {
		s.slowQueries = s.slowQueries[len(s.slowQueries)-slowQueryRingSize:]
	}
	s.logger.Warn("slow store query", zap.String("query", query), zap.Duration("duration", d))
}

// execer is satisfied by both *sqlx.DB and *sqlx.Tx, letting every method
// below run either directly or inside Transaction.
type execer interface {
	sqlx.Ext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *PostgresStore) conn() execer { return s.db }

// Transaction executes fn inside a single atomic unit; an error aborts
// and rolls back every write issued through tx.
func (s *PostgresStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	txStore := &txStore{PostgresStore: s, tx: sqlTx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("store: rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// txStore routes every write and the id/execution-keyed lookups through
// the open transaction instead of s.db, so nested Transaction-scoped
// calls share one atomic unit. FindDefinitionByName,
// ListActiveDefinitions, FindExecutionsByNameAndStatus,
// FindResumableExecutions and FindRetryableSteps have no override: they
// read through s.db, outside the transaction, and do not see its
// uncommitted writes.
type txStore struct {
	*PostgresStore
	tx *sqlx.Tx
}

func (t *txStore) conn() execer { return t.tx }

func (t *txStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

// --- WorkflowDefinition ---

func (s *PostgresStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	return s.createDefinition(ctx, s.conn(), def)
}
func (t *txStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	return t.createDefinition(ctx, t.conn(), def)
}
func (s *PostgresStore) createDefinition(ctx context.Context, c execer, def *models.WorkflowDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	start := time.Now()
	query := `INSERT INTO workflow_definitions (id, name, version, description, schema, is_active, created_at, updated_at)
		VALUES (:id, :name, :version, :description, :schema, :is_active, now(), now())`
	_, err := c.NamedExecContext(ctx, query, def)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: create definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.findDefinitionByID(ctx, s.conn(), id)
}
func (t *txStore) FindDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return t.findDefinitionByID(ctx, t.conn(), id)
}
func (s *PostgresStore) findDefinitionByID(ctx context.Context, c execer, id string) (*models.WorkflowDefinition, error) {
	start := time.Now()
	var d models.WorkflowDefinition
	query := `SELECT * FROM workflow_definitions WHERE id = $1`
	err := c.GetContext(ctx, &d, query, id)
	s.recordQuery(query, start)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) FindDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	start := time.Now()
	var d models.WorkflowDefinition
	query := `SELECT * FROM workflow_definitions WHERE name = $1`
	err := s.conn().GetContext(ctx, &d, query, name)
	s.recordQuery(query, start)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) UpdateDefinition(ctx context.Context, id string, patch models.WorkflowDefinitionPatch) error {
	return s.updateDefinition(ctx, s.conn(), id, patch)
}
func (t *txStore) UpdateDefinition(ctx context.Context, id string, patch models.WorkflowDefinitionPatch) error {
	return t.updateDefinition(ctx, t.conn(), id, patch)
}
func (s *PostgresStore) updateDefinition(ctx context.Context, c execer, id string, patch models.WorkflowDefinitionPatch) error {
	start := time.Now()
	query := `UPDATE workflow_definitions SET
		version = COALESCE(:version, version),
		description = COALESCE(:description, description),
		schema = COALESCE(:schema, schema),
		is_active = COALESCE(:is_active, is_active),
		updated_at = now()
		WHERE id = :id`
	args := map[string]interface{}{
		"id":          id,
		"version":     patch.Version,
		"description": patch.Description,
		"schema":      patch.Schema,
		"is_active":   patch.IsActive,
	}
	_, err := c.NamedExecContext(ctx, query, args)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: update definition: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	start := time.Now()
	var out []*models.WorkflowDefinition
	query := `SELECT * FROM workflow_definitions WHERE is_active = true ORDER BY name ASC`
	err := s.conn().SelectContext(ctx, &out, query)
	s.recordQuery(query, start)
	return out, err
}

// --- WorkflowExecution ---

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	return s.createExecution(ctx, s.conn(), exec)
}
func (t *txStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	return t.createExecution(ctx, t.conn(), exec)
}
func (s *PostgresStore) createExecution(ctx context.Context, c execer, exec *models.WorkflowExecution) error {
	start := time.Now()
	query := `INSERT INTO workflow_executions
		(id, definition_id, workflow_name, status, input, output, error, metadata, started_at, completed_at, created_at, updated_at)
		VALUES (:id, :definition_id, :workflow_name, :status, :input, :output, :error, :metadata, :started_at, :completed_at, now(), now())`
	_, err := c.NamedExecContext(ctx, query, exec)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: create execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return s.findExecutionByID(ctx, s.conn(), id)
}
func (t *txStore) FindExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	return t.findExecutionByID(ctx, t.conn(), id)
}
func (s *PostgresStore) findExecutionByID(ctx context.Context, c execer, id string) (*models.WorkflowExecution, error) {
	start := time.Now()
	var e models.WorkflowExecution
	query := `SELECT * FROM workflow_executions WHERE id = $1`
	err := c.GetContext(ctx, &e, query, id)
	s.recordQuery(query, start)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, patch models.WorkflowExecutionPatch) error {
	return s.updateExecution(ctx, s.conn(), id, patch)
}
func (t *txStore) UpdateExecution(ctx context.Context, id string, patch models.WorkflowExecutionPatch) error {
	return t.updateExecution(ctx, t.conn(), id, patch)
}
func (s *PostgresStore) updateExecution(ctx context.Context, c execer, id string, patch models.WorkflowExecutionPatch) error {
	start := time.Now()
	query := `UPDATE workflow_executions SET
		status = COALESCE(:status, status),
		output = COALESCE(:output, output),
		error = COALESCE(:error, error),
		metadata = COALESCE(:metadata, metadata),
		started_at = COALESCE(:started_at, started_at),
		completed_at = COALESCE(:completed_at, completed_at),
		updated_at = now()
		WHERE id = :id`
	args := map[string]interface{}{
		"id":           id,
		"status":       patch.Status,
		"output":       patch.Output,
		"error":        patch.Error,
		"metadata":     patch.Metadata,
		"started_at":   patch.StartedAt,
		"completed_at": patch.CompletedAt,
	}
	_, err := c.NamedExecContext(ctx, query, args)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: update execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindExecutionsByNameAndStatus(ctx context.Context, name string, status models.WorkflowExecutionStatus) ([]*models.WorkflowExecution, error) {
	start := time.Now()
	var out []*models.WorkflowExecution
	query := `SELECT * FROM workflow_executions WHERE workflow_name = $1 AND status = $2 ORDER BY created_at DESC`
	err := s.conn().SelectContext(ctx, &out, query, name, status)
	s.recordQuery(query, start)
	return out, err
}

func (s *PostgresStore) FindResumableExecutions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	start := time.Now()
	var out []*models.WorkflowExecution
	query := `SELECT * FROM workflow_executions WHERE status = 'running' ORDER BY started_at ASC`
	err := s.conn().SelectContext(ctx, &out, query)
	s.recordQuery(query, start)
	return out, err
}

// --- StepExecution ---

func (s *PostgresStore) CreateStep(ctx context.Context, step *models.StepExecution) error {
	return s.createStep(ctx, s.conn(), step)
}
func (t *txStore) CreateStep(ctx context.Context, step *models.StepExecution) error {
	return t.createStep(ctx, t.conn(), step)
}
func (s *PostgresStore) createStep(ctx context.Context, c execer, step *models.StepExecution) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	start := time.Now()
	query := `INSERT INTO step_executions
		(id, execution_id, step_name, status, input, output, error, attempt, max_attempts, started_at, completed_at, created_at, updated_at)
		VALUES (:id, :execution_id, :step_name, :status, :input, :output, :error, :attempt, :max_attempts, :started_at, :completed_at, now(), now())`
	_, err := c.NamedExecContext(ctx, query, step)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: create step: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, id string, patch models.StepExecutionPatch) error {
	return s.updateStep(ctx, s.conn(), id, patch)
}
func (t *txStore) UpdateStep(ctx context.Context, id string, patch models.StepExecutionPatch) error {
	return t.updateStep(ctx, t.conn(), id, patch)
}
func (s *PostgresStore) updateStep(ctx context.Context, c execer, id string, patch models.StepExecutionPatch) error {
	start := time.Now()
	query := `UPDATE step_executions SET
		status = COALESCE(:status, status),
		output = COALESCE(:output, output),
		error = COALESCE(:error, error),
		attempt = COALESCE(:attempt, attempt),
		started_at = COALESCE(:started_at, started_at),
		completed_at = COALESCE(:completed_at, completed_at),
		updated_at = now()
		WHERE id = :id`
	args := map[string]interface{}{
		"id":           id,
		"status":       patch.Status,
		"output":       patch.Output,
		"error":        patch.Error,
		"attempt":      patch.Attempt,
		"started_at":   patch.StartedAt,
		"completed_at": patch.CompletedAt,
	}
	_, err := c.NamedExecContext(ctx, query, args)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: update step: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindStepsByExecution(ctx context.Context, execID string) ([]*models.StepExecution, error) {
	return s.findStepsByExecution(ctx, s.conn(), execID)
}
func (t *txStore) FindStepsByExecution(ctx context.Context, execID string) ([]*models.StepExecution, error) {
	return t.findStepsByExecution(ctx, t.conn(), execID)
}
func (s *PostgresStore) findStepsByExecution(ctx context.Context, c execer, execID string) ([]*models.StepExecution, error) {
	start := time.Now()
	var out []*models.StepExecution
	query := `SELECT * FROM step_executions WHERE execution_id = $1 ORDER BY created_at ASC`
	err := c.SelectContext(ctx, &out, query, execID)
	s.recordQuery(query, start)
	return out, err
}

func (s *PostgresStore) FindStepByExecutionAndName(ctx context.Context, execID, stepName string) (*models.StepExecution, error) {
	return s.findStepByExecutionAndName(ctx, s.conn(), execID, stepName)
}
func (t *txStore) FindStepByExecutionAndName(ctx context.Context, execID, stepName string) (*models.StepExecution, error) {
	return t.findStepByExecutionAndName(ctx, t.conn(), execID, stepName)
}
func (s *PostgresStore) findStepByExecutionAndName(ctx context.Context, c execer, execID, stepName string) (*models.StepExecution, error) {
	start := time.Now()
	var step models.StepExecution
	query := `SELECT * FROM step_executions WHERE execution_id = $1 AND step_name = $2 ORDER BY created_at DESC LIMIT 1`
	err := c.GetContext(ctx, &step, query, execID, stepName)
	s.recordQuery(query, start)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *PostgresStore) FindRetryableSteps(ctx context.Context, execID string) ([]*models.StepExecution, error) {
	start := time.Now()
	var out []*models.StepExecution
	query := `SELECT * FROM step_executions WHERE execution_id = $1 AND status = 'failed' AND attempt < max_attempts`
	err := s.conn().SelectContext(ctx, &out, query, execID)
	s.recordQuery(query, start)
	return out, err
}

// --- CircuitBreaker ---

func (s *PostgresStore) GetOrCreateCircuitBreaker(ctx context.Context, name string) (*models.CircuitBreakerState, error) {
	return s.getOrCreateCircuitBreaker(ctx, s.conn(), name)
}
func (t *txStore) GetOrCreateCircuitBreaker(ctx context.Context, name string) (*models.CircuitBreakerState, error) {
	return t.getOrCreateCircuitBreaker(ctx, t.conn(), name)
}
func (s *PostgresStore) getOrCreateCircuitBreaker(ctx context.Context, c execer, name string) (*models.CircuitBreakerState, error) {
	start := time.Now()
	var b models.CircuitBreakerState
	selQuery := `SELECT * FROM circuit_breaker_states WHERE name = $1`
	err := c.GetContext(ctx, &b, selQuery, name)
	s.recordQuery(selQuery, start)
	if err == nil {
		return &b, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	b = models.CircuitBreakerState{ID: uuid.NewString(), Name: name, State: models.CircuitClosed}
	insStart := time.Now()
	insQuery := `INSERT INTO circuit_breaker_states (id, name, state, failure_count, created_at, updated_at)
		VALUES (:id, :name, :state, 0, now(), now())
		ON CONFLICT (name) DO NOTHING`
	_, err = c.NamedExecContext(ctx, insQuery, b)
	s.recordQuery(insQuery, insStart)
	if err != nil {
		return nil, fmt.Errorf("store: create circuit breaker: %w", err)
	}

	getStart := time.Now()
	if err := c.GetContext(ctx, &b, selQuery, name); err != nil {
		return nil, err
	}
	s.recordQuery(selQuery, getStart)
	return &b, nil
}

func (s *PostgresStore) UpdateCircuitBreaker(ctx context.Context, name string, patch models.CircuitBreakerPatch) error {
	return s.updateCircuitBreaker(ctx, s.conn(), name, patch)
}
func (t *txStore) UpdateCircuitBreaker(ctx context.Context, name string, patch models.CircuitBreakerPatch) error {
	return t.updateCircuitBreaker(ctx, t.conn(), name, patch)
}
func (s *PostgresStore) updateCircuitBreaker(ctx context.Context, c execer, name string, patch models.CircuitBreakerPatch) error {
	start := time.Now()
	query := `UPDATE circuit_breaker_states SET
		state = COALESCE(:state, state),
		failure_count = COALESCE(:failure_count, failure_count),
		last_failure_at = COALESCE(:last_failure_at, last_failure_at),
		next_attempt_at = COALESCE(:next_attempt_at, next_attempt_at),
		updated_at = now()
		WHERE name = :name`
	args := map[string]interface{}{
		"name":            name,
		"state":           patch.State,
		"failure_count":   patch.FailureCount,
		"last_failure_at": patch.LastFailureAt,
		"next_attempt_at": patch.NextAttemptAt,
	}
	_, err := c.NamedExecContext(ctx, query, args)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: update circuit breaker: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetCircuitBreaker(ctx context.Context, name string) error {
	return s.resetCircuitBreaker(ctx, s.conn(), name)
}
func (t *txStore) ResetCircuitBreaker(ctx context.Context, name string) error {
	return t.resetCircuitBreaker(ctx, t.conn(), name)
}
func (s *PostgresStore) resetCircuitBreaker(ctx context.Context, c execer, name string) error {
	start := time.Now()
	query := `UPDATE circuit_breaker_states SET
		state = 'closed', failure_count = 0, last_failure_at = NULL, next_attempt_at = NULL, updated_at = now()
		WHERE name = $1`
	_, err := c.ExecContext(ctx, query, name)
	s.recordQuery(query, start)
	if err != nil {
		return fmt.Errorf("store: reset circuit breaker: %w", err)
	}
	return nil
}

// --- Lock ---

func (s *PostgresStore) AcquireLock(ctx context.Context, executionID, lockKey string, expiresAt time.Time) (bool, error) {
	return s.acquireLock(ctx, s.conn(), executionID, lockKey, expiresAt)
}
func (t *txStore) AcquireLock(ctx context.Context, executionID, lockKey string, expiresAt time.Time) (bool, error) {
	return t.acquireLock(ctx, t.conn(), executionID, lockKey, expiresAt)
}
func (s *PostgresStore) acquireLock(ctx context.Context, c execer, executionID, lockKey string, expiresAt time.Time) (bool, error) {
	start := time.Now()
	query := `INSERT INTO workflow_locks (id, execution_id, lock_key, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), $4)
		ON CONFLICT (execution_id) DO NOTHING`
	res, err := c.ExecContext(ctx, query, uuid.NewString(), executionID, lockKey, expiresAt)
	s.recordQuery(query, start)
	if err != nil {
		return false, fmt.Errorf("store: acquire lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) ReleaseLock(ctx context.Context, executionID string) (bool, error) {
	return s.releaseLock(ctx, s.conn(), executionID)
}
func (t *txStore) ReleaseLock(ctx context.Context, executionID string) (bool, error) {
	return t.releaseLock(ctx, t.conn(), executionID)
}
func (s *PostgresStore) releaseLock(ctx context.Context, c execer, executionID string) (bool, error) {
	start := time.Now()
	query := `DELETE FROM workflow_locks WHERE execution_id = $1`
	res, err := c.ExecContext(ctx, query, executionID)
	s.recordQuery(query, start)
	if err != nil {
		return false, fmt.Errorf("store: release lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CleanupExpiredLocks deletes rows with expires_at <= now() — the
// corrected predicate; using strict equality would never match a sweep
// that runs even a moment after the exact expiry instant.
func (s *PostgresStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	return s.cleanupExpiredLocks(ctx, s.conn())
}
func (t *txStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	return t.cleanupExpiredLocks(ctx, t.conn())
}
func (s *PostgresStore) cleanupExpiredLocks(ctx context.Context, c execer) (int, error) {
	start := time.Now()
	query := `DELETE FROM workflow_locks WHERE expires_at <= now()`
	res, err := c.ExecContext(ctx, query)
	s.recordQuery(query, start)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
