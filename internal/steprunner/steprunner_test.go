package steprunner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/breaker"
	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
	"github.com/n8n-work/engine-go/internal/steprunner"
)

func newRunner() (*steprunner.Runner, store.Store, *clock.Fake) {
	s := store.NewMemoryStore()
	fake := clock.NewFake()
	r := steprunner.New(s, breaker.New(s, zap.NewNop(), fake), fake, fake, nil, zap.NewNop())
	return r, s, fake
}

func notCancelled() bool { return false }

func intOutput(n int) models.JSON {
	j, _ := models.NewJSON(n)
	return j
}

// S3 — retry exhaustion: a body that always fails is invoked exactly
// maxAttempts times, then surfaces its last error.
func TestRun_RetryExhaustion(t *testing.T) {
	r, _, _ := newRunner()
	ctx := steprunner.NewContext(context.Background(), r, "e-s3", "w1", nil, nil, 1, notCancelled)

	calls := 0
	_, err := ctx.Step("x", func(c *steprunner.Context) (models.JSON, error) {
		calls++
		return nil, &models.ExternalServiceError{Service: "svc", Operation: "op"}
	}, steprunner.Policy{MaxAttempts: 3, BackoffMs: 1})

	require.Error(t, err)
	require.Equal(t, 3, calls)
}

// P1/S1/S2 — idempotent replay: a completed step's body is not
// re-invoked on replay, and the stored output is returned verbatim.
func TestRun_MemoizedReplaySkipsCompletedBody(t *testing.T) {
	r, _, _ := newRunner()
	execID := "e-replay"

	calls := 0
	run := func() (models.JSON, error) {
		ctx := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)
		return ctx.Step("a", func(c *steprunner.Context) (models.JSON, error) {
			calls++
			return intOutput(1), nil
		}, steprunner.Policy{})
	}

	v1, err := run()
	require.NoError(t, err)
	v2, err := run()
	require.NoError(t, err)

	require.Equal(t, 1, calls, "body must not be re-invoked on replay")
	require.JSONEq(t, v1.String(), v2.String())
}

// P4/S4 — circuit breaker opens after failureThreshold failures and
// half-opens after resetTimeout.
func TestRun_CircuitBreakerOpensAndRecovers(t *testing.T) {
	r, _, fake := newRunner()
	execID := "e-cb"

	policy := steprunner.Policy{
		MaxAttempts: 1,
		CircuitBreaker: &steprunner.CircuitBreakerPolicy{
			Name:             "payments",
			FailureThreshold: 2,
			ResetTimeout:     time.Second,
		},
	}

	fail := func(c *steprunner.Context) (models.JSON, error) {
		return nil, &models.ExternalServiceError{Service: "payments", Operation: "charge"}
	}

	for i := 0; i < 2; i++ {
		ctx := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)
		_, err := ctx.Step("p"+string(rune('0'+i)), fail, policy)
		require.Error(t, err)
	}

	ctx := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)
	_, err := ctx.Step("p-open", fail, policy)
	require.Error(t, err)
	var cbErr *models.CircuitOpenError
	require.ErrorAs(t, err, &cbErr)

	fake.Advance(2 * time.Second)

	succeed := func(c *steprunner.Context) (models.JSON, error) { return intOutput(1), nil }
	ctx2 := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)
	v, err := ctx2.Step("p-half-open", succeed, policy)
	require.NoError(t, err)
	require.JSONEq(t, intOutput(1).String(), v.String())
}

// S6 — nested fallback: an error handler recovers by issuing its own
// nested step, whose output becomes the outer step's completed output.
func TestRun_ErrorHandlerNestedFallback(t *testing.T) {
	r, s, _ := newRunner()
	execID := "e-s6"
	ctx := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)

	v, err := ctx.Step("pay", func(c *steprunner.Context) (models.JSON, error) {
		return nil, &models.ExternalServiceError{Service: "processor", Operation: "charge"}
	}, steprunner.Policy{
		MaxAttempts: 1,
		ErrorHandlers: map[models.ErrorKind]steprunner.Handler{
			models.KindExternalService: func(hc *steprunner.Context, err error) (models.JSON, error) {
				return hc.Step("pay-fallback", func(c *steprunner.Context) (models.JSON, error) {
					return intOutput(42), nil
				}, steprunner.Policy{})
			},
		},
	})

	require.NoError(t, err)
	require.JSONEq(t, intOutput(42).String(), v.String())

	steps, err := s.FindStepsByExecution(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, st := range steps {
		require.Equal(t, models.StepCompleted, st.Status)
	}
}

// P7 — ordering: step rows, sorted by createdAt ascending, reflect
// program order.
func TestRun_StepOrderingReflectsProgramOrder(t *testing.T) {
	r, s, _ := newRunner()
	execID := "e-order"
	ctx := steprunner.NewContext(context.Background(), r, execID, "w1", nil, nil, 1, notCancelled)

	for _, name := range []string{"a", "b", "c"} {
		_, err := ctx.Step(name, func(c *steprunner.Context) (models.JSON, error) { return models.NullJSON, nil }, steprunner.Policy{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	steps, err := s.FindStepsByExecution(context.Background(), execID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{steps[0].StepName, steps[1].StepName, steps[2].StepName})
}

// Duplicate nested step names within one execution's flat namespace are
// rejected.
func TestRun_DuplicateStepNameRejected(t *testing.T) {
	r, _, _ := newRunner()
	ctx := steprunner.NewContext(context.Background(), r, "e-dup", "w1", nil, nil, 1, notCancelled)

	_, err := ctx.Step("a", func(c *steprunner.Context) (models.JSON, error) { return models.NullJSON, nil }, steprunner.Policy{})
	require.NoError(t, err)

	_, err = ctx.Step("a", func(c *steprunner.Context) (models.JSON, error) { return models.NullJSON, nil }, steprunner.Policy{})
	require.Error(t, err)
}

// Cooperative cancellation: a step call observing a cancelled execution
// refuses with CancelledError without invoking the body.
func TestRun_CancelledExecutionShortCircuits(t *testing.T) {
	r, _, _ := newRunner()
	cancelled := func() bool { return true }
	ctx := steprunner.NewContext(context.Background(), r, "e-cancel", "w1", nil, nil, 1, cancelled)

	called := false
	_, err := ctx.Step("a", func(c *steprunner.Context) (models.JSON, error) {
		called = true
		return models.NullJSON, nil
	}, steprunner.Policy{})

	require.Error(t, err)
	require.False(t, called)
	var cancelErr *models.CancelledError
	require.ErrorAs(t, err, &cancelErr)
}
