package models

import "time"

// WorkflowExecutionStatus enumerates the lifecycle states of a WorkflowExecution.
type WorkflowExecutionStatus string

const (
	ExecutionPending   WorkflowExecutionStatus = "pending"
	ExecutionRunning   WorkflowExecutionStatus = "running"
	ExecutionCompleted WorkflowExecutionStatus = "completed"
	ExecutionFailed    WorkflowExecutionStatus = "failed"
	ExecutionPaused    WorkflowExecutionStatus = "paused"
	ExecutionCancelled WorkflowExecutionStatus = "cancelled"
)

// StepExecutionStatus enumerates the lifecycle states of a StepExecution.
type StepExecutionStatus string

const (
	StepPending   StepExecutionStatus = "pending"
	StepRunning   StepExecutionStatus = "running"
	StepCompleted StepExecutionStatus = "completed"
	StepFailed    StepExecutionStatus = "failed"
	StepSkipped   StepExecutionStatus = "skipped"
	StepRetrying  StepExecutionStatus = "retrying"
)

// CircuitState enumerates the states of the circuit-breaker state machine.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// WorkflowDefinition is created when a handler is registered and mutated
// on re-registration (version bump); soft-deleted via IsActive=false.
type WorkflowDefinition struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Version     string    `db:"version" json:"version"`
	Description string    `db:"description" json:"description,omitempty"`
	Schema      JSON      `db:"schema" json:"schema,omitempty"`
	IsActive    bool      `db:"is_active" json:"isActive"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// WorkflowExecution is one instance of a workflow, identified by a
// caller-supplied id.
type WorkflowExecution struct {
	ID           string                  `db:"id" json:"id"`
	DefinitionID string                  `db:"definition_id" json:"definitionId"`
	WorkflowName string                  `db:"workflow_name" json:"workflowName"`
	Status       WorkflowExecutionStatus `db:"status" json:"status"`
	Input        JSON                    `db:"input" json:"input,omitempty"`
	Output       JSON                    `db:"output" json:"output,omitempty"`
	Error        JSON                    `db:"error" json:"error,omitempty"`
	Metadata     JSON                    `db:"metadata" json:"metadata,omitempty"`
	StartedAt    *time.Time              `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time              `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt    time.Time               `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time               `db:"updated_at" json:"updatedAt"`
}

// StepExecution is created by the step runner on first attempt and
// mutated across retries; rows are never deleted.
type StepExecution struct {
	ID          string              `db:"id" json:"id"`
	ExecutionID string              `db:"execution_id" json:"executionId"`
	StepName    string              `db:"step_name" json:"stepName"`
	Status      StepExecutionStatus `db:"status" json:"status"`
	Input       JSON                `db:"input" json:"input,omitempty"`
	Output      JSON                `db:"output" json:"output,omitempty"`
	Error       JSON                `db:"error" json:"error,omitempty"`
	Attempt     int                 `db:"attempt" json:"attempt"`
	MaxAttempts int                 `db:"max_attempts" json:"maxAttempts"`
	StartedAt   *time.Time          `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time          `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt   time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updatedAt"`
}

// CircuitBreakerState is created lazily on first use and mutated by the
// step runner on success/failure.
type CircuitBreakerState struct {
	ID            string       `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	State         CircuitState `db:"state" json:"state"`
	FailureCount  int          `db:"failure_count" json:"failureCount"`
	LastFailureAt *time.Time   `db:"last_failure_at" json:"lastFailureAt,omitempty"`
	NextAttemptAt *time.Time   `db:"next_attempt_at" json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updatedAt"`
}

// WorkflowLock enforces per-execution mutual exclusion across processes.
type WorkflowLock struct {
	ID          string    `db:"id" json:"id"`
	ExecutionID string    `db:"execution_id" json:"executionId"`
	LockKey     string    `db:"lock_key" json:"lockKey"`
	AcquiredAt  time.Time `db:"acquired_at" json:"acquiredAt"`
	ExpiresAt   time.Time `db:"expires_at" json:"expiresAt"`
	Metadata    JSON      `db:"metadata" json:"metadata,omitempty"`
}

// WorkflowDefinitionPatch describes a partial update to a WorkflowDefinition.
type WorkflowDefinitionPatch struct {
	Version     *string
	Description *string
	Schema      JSON
	IsActive    *bool
}

// WorkflowExecutionPatch describes a partial update to a WorkflowExecution.
type WorkflowExecutionPatch struct {
	Status      *WorkflowExecutionStatus
	Output      JSON
	Error       JSON
	Metadata    JSON
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// StepExecutionPatch describes a partial update to a StepExecution.
type StepExecutionPatch struct {
	Status      *StepExecutionStatus
	Output      JSON
	Error       JSON
	Attempt     *int
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CircuitBreakerPatch describes a partial update to a CircuitBreakerState.
type CircuitBreakerPatch struct {
	State         *CircuitState
	FailureCount  *int
	LastFailureAt *time.Time
	NextAttemptAt *time.Time
}
