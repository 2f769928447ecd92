package lockmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/engine-go/internal/lockmgr"
	"github.com/n8n-work/engine-go/internal/store"
)

func TestManager_AtMostOneConcurrentAcquire(t *testing.T) {
	m := lockmgr.New(store.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	results := make(chan bool, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			ok, err := m.Acquire(ctx, "e1", "wf:e1")
			require.NoError(t, err)
			results <- ok
		}()
	}
	close(start)

	r1, r2 := <-results, <-results
	require.True(t, r1 != r2, "exactly one of two concurrent acquires must succeed")
}

func TestManager_ExpiredLockReclaimedAfterCleanup(t *testing.T) {
	m := lockmgr.New(store.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()

	ok, err := m.AcquireTTL(ctx, "e2", "wf:e2", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.AcquireWithRetry(ctx, "e2", "wf:e2")
	require.NoError(t, err)
	require.True(t, ok, "AcquireWithRetry must reclaim an expired lock via CleanupExpired")
}
