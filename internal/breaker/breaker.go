// Package breaker implements the circuit breaker registry (C3): named
// failure counters with a closed/open/half-open lifecycle, persisted
// through the store so state survives process restarts. The state
// machine is grounded on the generation-counter design of a richer
// in-memory breaker, narrowed to the simpler per-invocation-site policy
// contract (failureThreshold, resetTimeout) and backed by durable rows
// instead of an in-process-only map.
package breaker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/clock"
	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/store"
)

// Decision is the outcome of BeforeCall.
type Decision int

const (
	Allow Decision = iota
	Reject
)

// Policy carries the per-invocation-site circuit-breaker configuration.
type Policy struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// DefaultPolicy returns the default thresholds for a named breaker.
func DefaultPolicy(name string) Policy {
	return Policy{Name: name, FailureThreshold: 5, ResetTimeout: 60 * time.Second}
}

func (p Policy) withDefaults() Policy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 5
	}
	if p.ResetTimeout <= 0 {
		p.ResetTimeout = 60 * time.Second
	}
	return p
}

// Registry gates calls per named circuit breaker, persisting state
// through Store.
type Registry struct {
	store  store.Store
	logger *zap.Logger
	clock  clock.Clock
}

// New constructs a Registry over the given store, using c to read the
// current time so tests can fast-forward reset timeouts with a fake
// clock.
func New(s store.Store, logger *zap.Logger, c clock.Clock) *Registry {
	return &Registry{store: s, logger: logger, clock: c}
}

// BeforeCall decides whether a call named policy.Name may proceed. In
// open with now<nextAttemptAt: reject. In open with now>=nextAttemptAt:
// transition to half-open and allow. Otherwise allow.
func (r *Registry) BeforeCall(ctx context.Context, policy Policy) (Decision, error) {
	policy = policy.withDefaults()
	state, err := r.store.GetOrCreateCircuitBreaker(ctx, policy.Name)
	if err != nil {
		return Reject, err
	}

	if state.State != models.CircuitOpen {
		return Allow, nil
	}

	now := r.clock.Now()
	if state.NextAttemptAt == nil || now.Before(*state.NextAttemptAt) {
		return Reject, nil
	}

	halfOpen := models.CircuitHalfOpen
	if err := r.store.UpdateCircuitBreaker(ctx, policy.Name, models.CircuitBreakerPatch{State: &halfOpen}); err != nil {
		return Reject, err
	}
	r.logger.Debug("circuit breaker half-open", zap.String("name", policy.Name))
	return Allow, nil
}

// OnSuccess resets the named breaker to closed, clearing failureCount and
// timestamps — applies whether the prior state was closed or half-open.
func (r *Registry) OnSuccess(ctx context.Context, name string) error {
	return r.store.ResetCircuitBreaker(ctx, name)
}

// OnFailure increments failureCount and, if the threshold is reached or
// the breaker was half-open, opens it with nextAttemptAt=now+resetTimeout.
func (r *Registry) OnFailure(ctx context.Context, policy Policy) error {
	policy = policy.withDefaults()
	state, err := r.store.GetOrCreateCircuitBreaker(ctx, policy.Name)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	newCount := state.FailureCount + 1
	patch := models.CircuitBreakerPatch{
		FailureCount:  &newCount,
		LastFailureAt: &now,
	}

	if newCount >= policy.FailureThreshold || state.State == models.CircuitHalfOpen {
		open := models.CircuitOpen
		nextAttempt := now.Add(policy.ResetTimeout)
		patch.State = &open
		patch.NextAttemptAt = &nextAttempt
		r.logger.Warn("circuit breaker opened",
			zap.String("name", policy.Name),
			zap.Int("failure_count", newCount),
			zap.Time("next_attempt_at", nextAttempt))
	}

	return r.store.UpdateCircuitBreaker(ctx, policy.Name, patch)
}

// State returns the current persisted state for a named breaker, mostly
// useful for tests and operator tooling.
func (r *Registry) State(ctx context.Context, name string) (*models.CircuitBreakerState, error) {
	return r.store.GetOrCreateCircuitBreaker(ctx, name)
}
