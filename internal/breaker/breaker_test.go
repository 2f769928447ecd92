package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/breaker"
	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/store"
)

func TestRegistry_OpensAfterThresholdAndHalfOpensAfterTimeout(t *testing.T) {
	r := breaker.New(store.NewMemoryStore(), zap.NewNop(), clock.Real{})
	ctx := context.Background()
	policy := breaker.Policy{Name: "payments", FailureThreshold: 3, ResetTimeout: 50 * time.Millisecond}

	for i := 0; i < 3; i++ {
		decision, err := r.BeforeCall(ctx, policy)
		require.NoError(t, err)
		require.Equal(t, breaker.Allow, decision)
		require.NoError(t, r.OnFailure(ctx, policy))
	}

	decision, err := r.BeforeCall(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, breaker.Reject, decision, "breaker must reject immediately after reaching the threshold")

	time.Sleep(60 * time.Millisecond)

	decision, err = r.BeforeCall(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, breaker.Allow, decision, "breaker must admit a half-open probe after resetTimeout")

	require.NoError(t, r.OnSuccess(ctx, policy.Name))
	state, err := r.State(ctx, policy.Name)
	require.NoError(t, err)
	require.Equal(t, 0, state.FailureCount)
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r := breaker.New(store.NewMemoryStore(), zap.NewNop(), clock.Real{})
	ctx := context.Background()
	policy := breaker.Policy{Name: "flaky", FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond}

	require.NoError(t, r.OnFailure(ctx, policy))
	time.Sleep(20 * time.Millisecond)

	decision, err := r.BeforeCall(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, breaker.Allow, decision)

	require.NoError(t, r.OnFailure(ctx, policy))

	decision, err = r.BeforeCall(ctx, policy)
	require.NoError(t, err)
	require.Equal(t, breaker.Reject, decision, "a failure while half-open must re-open the breaker")
}
