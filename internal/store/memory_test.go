package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
)

func TestMemoryStore_LockAcquireReleaseCleanup(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	ok, err := s.AcquireLock(ctx, "e1", "wf:e1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "e1", "wf:e1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok, "second acquire on same execution must fail")

	ok, err = s.ReleaseLock(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.AcquireLock(ctx, "e1", "wf:e1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "acquire must succeed again after release")
}

func TestMemoryStore_CleanupExpiredLocksBoundary(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	// expiresAt exactly now (or in the past) must be swept: the
	// predicate is expiresAt<=now, not strict equality.
	past := time.Now().Add(-time.Millisecond)
	ok, err := s.AcquireLock(ctx, "e2", "wf:e2", past)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err = s.AcquireLock(ctx, "e2", "wf:e2", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "acquire must succeed after cleanup reclaims the expired row")
}

func TestMemoryStore_StepReferentialIntegrityAndOrdering(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	def := &models.WorkflowDefinition{Name: "w1", Version: "1.0.0", IsActive: true}
	require.NoError(t, s.CreateDefinition(ctx, def))

	exec := &models.WorkflowExecution{ID: "e3", DefinitionID: def.ID, WorkflowName: "w1", Status: models.ExecutionRunning}
	require.NoError(t, s.CreateExecution(ctx, exec))

	for _, name := range []string{"a", "b", "c"} {
		step := &models.StepExecution{ExecutionID: exec.ID, StepName: name, Status: models.StepCompleted, Attempt: 1, MaxAttempts: 3}
		require.NoError(t, s.CreateStep(ctx, step))
		time.Sleep(time.Millisecond)
	}

	steps, err := s.FindStepsByExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{steps[0].StepName, steps[1].StepName, steps[2].StepName})
	for _, st := range steps {
		require.Equal(t, exec.ID, st.ExecutionID)
	}
}

func TestMemoryStore_CircuitBreakerGetOrCreateAndReset(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	b1, err := s.GetOrCreateCircuitBreaker(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, models.CircuitClosed, b1.State)

	failureCount := 3
	require.NoError(t, s.UpdateCircuitBreaker(ctx, "payments", models.CircuitBreakerPatch{
		FailureCount: &failureCount,
	}))

	b2, err := s.GetOrCreateCircuitBreaker(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, 3, b2.FailureCount)
	require.Equal(t, b1.ID, b2.ID, "GetOrCreate must not recreate an existing row")

	require.NoError(t, s.ResetCircuitBreaker(ctx, "payments"))
	b3, err := s.GetOrCreateCircuitBreaker(ctx, "payments")
	require.NoError(t, err)
	require.Equal(t, 0, b3.FailureCount)
	require.Equal(t, models.CircuitClosed, b3.State)
}
