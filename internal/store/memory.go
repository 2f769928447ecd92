package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n8n-work/engine-go/internal/models"
)

// MemoryStore is an in-memory Store used by tests and by the engine's
// default single-process instance. It mirrors PostgresStore's semantics
// (including the corrected expiresAt<=now lock-cleanup predicate) without
// a database.
type MemoryStore struct {
	mu sync.RWMutex

	definitions map[string]*models.WorkflowDefinition // by id
	defByName   map[string]string                     // name -> id
	executions  map[string]*models.WorkflowExecution
	steps       map[string]*models.StepExecution
	breakers    map[string]*models.CircuitBreakerState
	locks       map[string]*models.WorkflowLock // by executionID

	slowQueries []SlowQuery
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*models.WorkflowDefinition),
		defByName:   make(map[string]string),
		executions:  make(map[string]*models.WorkflowExecution),
		steps:       make(map[string]*models.StepExecution),
		breakers:    make(map[string]*models.CircuitBreakerState),
		locks:       make(map[string]*models.WorkflowLock),
	}
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func (m *MemoryStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now()
	def.CreatedAt, def.UpdatedAt = now, now
	m.definitions[def.ID] = clone(def)
	m.defByName[def.Name] = def.ID
	return nil
}

func (m *MemoryStore) FindDefinitionByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(d), nil
}

func (m *MemoryStore) FindDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.defByName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.definitions[id]), nil
}

func (m *MemoryStore) UpdateDefinition(ctx context.Context, id string, patch models.WorkflowDefinitionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Version != nil {
		d.Version = *patch.Version
	}
	if patch.Description != nil {
		d.Description = *patch.Description
	}
	if patch.Schema != nil {
		d.Schema = patch.Schema
	}
	if patch.IsActive != nil {
		d.IsActive = *patch.IsActive
	}
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListActiveDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowDefinition
	for _, d := range m.definitions {
		if d.IsActive {
			out = append(out, clone(d))
		}
	}
	sortByName(out)
	return out, nil
}

func sortByName(defs []*models.WorkflowDefinition) {
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j-1].Name > defs[j].Name; j-- {
			defs[j-1], defs[j] = defs[j], defs[j-1]
		}
	}
}

func (m *MemoryStore) CreateExecution(ctx context.Context, exec *models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	exec.CreatedAt, exec.UpdatedAt = now, now
	m.executions[exec.ID] = clone(exec)
	return nil
}

func (m *MemoryStore) FindExecutionByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (m *MemoryStore) UpdateExecution(ctx context.Context, id string, patch models.WorkflowExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.Output != nil {
		e.Output = patch.Output
	}
	if patch.Error != nil {
		e.Error = patch.Error
	}
	if patch.Metadata != nil {
		e.Metadata = patch.Metadata
	}
	if patch.StartedAt != nil {
		e.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		e.CompletedAt = patch.CompletedAt
	}
	e.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FindExecutionsByNameAndStatus(ctx context.Context, name string, status models.WorkflowExecutionStatus) ([]*models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, e := range m.executions {
		if e.WorkflowName == name && e.Status == status {
			out = append(out, clone(e))
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.Before(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (m *MemoryStore) FindResumableExecutions(ctx context.Context) ([]*models.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.WorkflowExecution
	for _, e := range m.executions {
		if e.Status == models.ExecutionRunning {
			out = append(out, clone(e))
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && started(out[j-1]).After(started(out[j])); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func started(e *models.WorkflowExecution) time.Time {
	if e.StartedAt == nil {
		return time.Time{}
	}
	return *e.StartedAt
}

func (m *MemoryStore) CreateStep(ctx context.Context, step *models.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	now := time.Now()
	step.CreatedAt, step.UpdatedAt = now, now
	m.steps[step.ID] = clone(step)
	return nil
}

func (m *MemoryStore) UpdateStep(ctx context.Context, id string, patch models.StepExecutionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Status != nil {
		s.Status = *patch.Status
	}
	if patch.Output != nil {
		s.Output = patch.Output
	}
	if patch.Error != nil {
		s.Error = patch.Error
	}
	if patch.Attempt != nil {
		s.Attempt = *patch.Attempt
	}
	if patch.StartedAt != nil {
		s.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		s.CompletedAt = patch.CompletedAt
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FindStepsByExecution(ctx context.Context, execID string) ([]*models.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.StepExecution
	for _, s := range m.steps {
		if s.ExecutionID == execID {
			out = append(out, clone(s))
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].CreatedAt.After(out[j].CreatedAt); j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

func (m *MemoryStore) FindStepByExecutionAndName(ctx context.Context, execID, stepName string) (*models.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.StepExecution
	for _, s := range m.steps {
		if s.ExecutionID == execID && s.StepName == stepName {
			if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clone(latest), nil
}

func (m *MemoryStore) FindRetryableSteps(ctx context.Context, execID string) ([]*models.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.StepExecution
	for _, s := range m.steps {
		if s.ExecutionID == execID && s.Status == models.StepFailed && s.Attempt < s.MaxAttempts {
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetOrCreateCircuitBreaker(ctx context.Context, name string) (*models.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return clone(b), nil
	}
	now := time.Now()
	b := &models.CircuitBreakerState{
		ID:        uuid.NewString(),
		Name:      name,
		State:     models.CircuitClosed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.breakers[name] = b
	return clone(b), nil
}

func (m *MemoryStore) UpdateCircuitBreaker(ctx context.Context, name string, patch models.CircuitBreakerPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		return ErrNotFound
	}
	if patch.State != nil {
		b.State = *patch.State
	}
	if patch.FailureCount != nil {
		b.FailureCount = *patch.FailureCount
	}
	if patch.LastFailureAt != nil {
		b.LastFailureAt = patch.LastFailureAt
	}
	if patch.NextAttemptAt != nil {
		b.NextAttemptAt = patch.NextAttemptAt
	}
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ResetCircuitBreaker(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		return ErrNotFound
	}
	b.State = models.CircuitClosed
	b.FailureCount = 0
	b.LastFailureAt = nil
	b.NextAttemptAt = nil
	b.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AcquireLock(ctx context.Context, executionID, lockKey string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[executionID]; ok {
		return false, nil
	}
	m.locks[executionID] = &models.WorkflowLock{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		LockKey:     lockKey,
		AcquiredAt:  time.Now(),
		ExpiresAt:   expiresAt,
	}
	return true, nil
}

func (m *MemoryStore) ReleaseLock(ctx context.Context, executionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[executionID]; !ok {
		return false, nil
	}
	delete(m.locks, executionID)
	return true, nil
}

// CleanupExpiredLocks deletes rows with expiresAt <= now, per the
// corrected predicate (a strict equality check would leak any lock the
// cleanup sweep observes even a moment late).
func (m *MemoryStore) CleanupExpiredLocks(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for id, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, id)
			n++
		}
	}
	return n, nil
}

// Transaction runs fn against the same store; MemoryStore has no partial
// rollback, so fn's mutations are applied directly. Acceptable for the
// in-memory fake used by tests and the library-default single instance —
// PostgresStore provides real atomicity.
func (m *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, m)
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryStore) Stats() sql.DBStats { return sql.DBStats{} }

func (m *MemoryStore) PerformanceMetrics() []SlowQuery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SlowQuery, len(m.slowQueries))
	copy(out, m.slowQueries)
	return out
}

func (m *MemoryStore) Close() error { return nil }
