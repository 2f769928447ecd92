// Package lockmgr implements per-execution mutual exclusion across
// processes (C2), a thin policy wrapper over the store's lock rows.
package lockmgr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/store"
)

// DefaultTTL is the lock lifetime used when the caller does not specify
// one.
const DefaultTTL = 5 * time.Minute

// Manager wraps Store.Lock operations with the engine's retry-once
// contention policy.
type Manager struct {
	store  store.Store
	logger *zap.Logger
}

// New constructs a Manager over the given store.
func New(s store.Store, logger *zap.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// Acquire attempts insertion with the default TTL. Uniqueness is on
// executionID; lockKey is advisory/audit metadata. A constraint
// violation on insert is reported as acquired=false, not an error.
func (m *Manager) Acquire(ctx context.Context, executionID, lockKey string) (bool, error) {
	return m.AcquireTTL(ctx, executionID, lockKey, DefaultTTL)
}

// AcquireTTL is Acquire with an explicit lock lifetime.
func (m *Manager) AcquireTTL(ctx context.Context, executionID, lockKey string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().Add(ttl)
	ok, err := m.store.AcquireLock(ctx, executionID, lockKey, expiresAt)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Debug("lock contention", zap.String("execution_id", executionID))
	}
	return ok, nil
}

// AcquireWithRetry attempts Acquire once; on contention it sweeps expired
// locks via CleanupExpired and retries exactly once, per the no-blocking
// contract: callers that observe contention may invoke CleanupExpired and
// retry once, never wait.
func (m *Manager) AcquireWithRetry(ctx context.Context, executionID, lockKey string) (bool, error) {
	ok, err := m.Acquire(ctx, executionID, lockKey)
	if err != nil || ok {
		return ok, err
	}
	if _, cleanupErr := m.CleanupExpired(ctx); cleanupErr != nil {
		m.logger.Warn("lock cleanup before retry failed", zap.Error(cleanupErr))
	}
	return m.Acquire(ctx, executionID, lockKey)
}

// Release deletes the row for executionID.
func (m *Manager) Release(ctx context.Context, executionID string) (bool, error) {
	return m.store.ReleaseLock(ctx, executionID)
}

// CleanupExpired deletes rows with expiresAt<=now, returning the count
// removed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	return m.store.CleanupExpiredLocks(ctx)
}
