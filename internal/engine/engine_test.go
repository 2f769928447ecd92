package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/engine"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
	"github.com/n8n-work/engine-go/internal/steprunner"
)

func newEngine() (*engine.Engine, *clock.Fake) {
	s := store.NewMemoryStore()
	fake := clock.NewFake()
	e := engine.New(s, zap.NewNop(), engine.WithClock(fake, fake))
	return e, fake
}

func intOutput(n int) models.JSON {
	j, _ := models.NewJSON(n)
	return j
}

// S1 — happy path: a handler with no failing steps runs to completion
// and the output is the last step's value.
func TestEngine_HappyPath(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	err := e.Define(ctx, "sum", func(sc *steprunner.Context) (models.JSON, error) {
		return sc.Step("add", func(c *steprunner.Context) (models.JSON, error) {
			return intOutput(2), nil
		}, steprunner.Policy{})
	}, engine.DefineOptions{})
	require.NoError(t, err)

	out, err := e.Start(ctx, "sum", "exec-s1", nil, engine.StartOptions{})
	require.NoError(t, err)
	require.JSONEq(t, intOutput(2).String(), out.String())
}

// S2 — mid-workflow failure and resume: a handler fails on its second
// step on first attempt; Resume replays and the first step's body is
// never invoked again.
func TestEngine_ResumeAfterFailureSkipsCompletedSteps(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	firstCalls := 0
	shouldFail := true
	err := e.Define(ctx, "two-step", func(sc *steprunner.Context) (models.JSON, error) {
		if _, err := sc.Step("first", func(c *steprunner.Context) (models.JSON, error) {
			firstCalls++
			return intOutput(1), nil
		}, steprunner.Policy{}); err != nil {
			return nil, err
		}
		return sc.Step("second", func(c *steprunner.Context) (models.JSON, error) {
			if shouldFail {
				return nil, &models.ExternalServiceError{Service: "svc", Operation: "op"}
			}
			return intOutput(2), nil
		}, steprunner.Policy{MaxAttempts: 1})
	}, engine.DefineOptions{})
	require.NoError(t, err)

	_, err = e.Start(ctx, "two-step", "exec-s2", nil, engine.StartOptions{})
	require.Error(t, err)
	require.Equal(t, 1, firstCalls)

	shouldFail = false
	out, err := e.Resume(ctx, "exec-s2")
	require.NoError(t, err)
	require.JSONEq(t, intOutput(2).String(), out.String())
	require.Equal(t, 1, firstCalls, "first step must not be re-invoked on resume")
}

// S5 — lock contention: starting the same execution concurrently
// surfaces AlreadyRunningError to the loser while the winner runs.
func TestEngine_ConcurrentStartRejectsWithAlreadyRunning(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	err := e.Define(ctx, "slow", func(sc *steprunner.Context) (models.JSON, error) {
		return sc.Step("block", func(c *steprunner.Context) (models.JSON, error) {
			entered <- struct{}{}
			<-release
			return intOutput(1), nil
		}, steprunner.Policy{MaxAttempts: 1})
	}, engine.DefineOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Start(ctx, "slow", "exec-s5", nil, engine.StartOptions{})
		done <- err
	}()

	<-entered
	_, err = e.Start(ctx, "slow", "exec-s5", nil, engine.StartOptions{})
	require.Error(t, err)
	var already *models.AlreadyRunningError
	require.ErrorAs(t, err, &already)

	close(release)
	require.NoError(t, <-done)
}

// Cancel: Resume refuses an execution once it has been cancelled, since
// cancelled is not a resumable status.
func TestEngine_CancelShortCircuitsResume(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	called := false
	err := e.Define(ctx, "cancelme", func(sc *steprunner.Context) (models.JSON, error) {
		return sc.Step("a", func(c *steprunner.Context) (models.JSON, error) {
			called = true
			return intOutput(1), nil
		}, steprunner.Policy{})
	}, engine.DefineOptions{})
	require.NoError(t, err)

	_, err = e.Start(ctx, "cancelme", "exec-cancel", nil, engine.StartOptions{})
	require.NoError(t, err)
	require.True(t, called)

	require.NoError(t, e.Cancel(ctx, "exec-cancel"))

	called = false
	_, err = e.Resume(ctx, "exec-cancel")
	require.Error(t, err)
}

// Define is idempotent across repeated registrations for the same name,
// updating the stored definition's version rather than creating a
// second row.
func TestEngine_DefineUpsertsDefinition(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	handler := func(sc *steprunner.Context) (models.JSON, error) { return models.NullJSON, nil }
	require.NoError(t, e.Define(ctx, "v", handler, engine.DefineOptions{Version: "0.1.0"}))
	require.NoError(t, e.Define(ctx, "v", handler, engine.DefineOptions{Version: "0.2.0"}))

	_, err := e.Start(ctx, "v", "exec-define", nil, engine.StartOptions{})
	require.NoError(t, err)
}

// Starting an unregistered workflow name surfaces UnknownWorkflowError.
func TestEngine_StartUnknownWorkflow(t *testing.T) {
	e, _ := newEngine()
	_, err := e.Start(context.Background(), "nope", "exec-unknown", nil, engine.StartOptions{})
	require.Error(t, err)
	var unknown *models.UnknownWorkflowError
	require.ErrorAs(t, err, &unknown)
}

// S4 — circuit breaker integration at the engine level: once opened, a
// fresh execution hitting the same named breaker is rejected until the
// reset timeout elapses.
func TestEngine_CircuitBreakerSharedAcrossExecutions(t *testing.T) {
	e, fake := newEngine()
	ctx := context.Background()

	policy := steprunner.Policy{
		MaxAttempts: 1,
		CircuitBreaker: &steprunner.CircuitBreakerPolicy{
			Name:             "shared-breaker",
			FailureThreshold: 1,
			ResetTimeout:     time.Second,
		},
	}

	err := e.Define(ctx, "flaky", func(sc *steprunner.Context) (models.JSON, error) {
		return sc.Step("call", func(c *steprunner.Context) (models.JSON, error) {
			return nil, &models.ExternalServiceError{Service: "shared", Operation: "op"}
		}, policy)
	}, engine.DefineOptions{})
	require.NoError(t, err)

	_, err = e.Start(ctx, "flaky", "exec-cb-1", nil, engine.StartOptions{})
	require.Error(t, err)

	_, err = e.Start(ctx, "flaky", "exec-cb-2", nil, engine.StartOptions{})
	require.Error(t, err)
	var cbErr *models.CircuitOpenError
	require.ErrorAs(t, err, &cbErr)

	fake.Advance(2 * time.Second)
	_, err = e.Start(ctx, "flaky", "exec-cb-3", nil, engine.StartOptions{})
	require.Error(t, err) // half-open probe still fails the same way
	require.NotErrorAs(t, err, &cbErr, "a half-open probe's own failure is ExternalServiceError, not CircuitOpenError")
}
