package steprunner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/go-redis/redis/v8"

	"github.com/n8n-work/engine-go/internal/models"
)

const (
	cacheMaxSize = 1000
	cacheTTL     = 5 * time.Minute
)

// cacheKey builds the (executionId, stepName, hash(input)) key for the
// step-result in-process cache.
func cacheKey(executionID, stepName string, input models.JSON) string {
	h := sha256.Sum256(input)
	return executionID + "\x00" + stepName + "\x00" + hex.EncodeToString(h[:8])
}

// resultCache is the optional in-process LRU accelerating same-process
// replay; durability always runs through the store regardless of cache
// state. maxSize=1000, TTL=5min, least-recently-accessed eviction.
type resultCache struct {
	lru *lru.LRU[string, models.JSON]
	// byExecution indexes cached keys per executionID so Invalidate can
	// drop every entry for a terminated execution without scanning the
	// whole cache. Guarded by mu, since every execution shares one cache.
	mu          sync.Mutex
	byExecution map[string]map[string]struct{}
}

func newResultCache() *resultCache {
	return &resultCache{
		lru:         lru.NewLRU[string, models.JSON](cacheMaxSize, nil, cacheTTL),
		byExecution: make(map[string]map[string]struct{}),
	}
}

func (c *resultCache) get(executionID, stepName string, input models.JSON) (models.JSON, bool) {
	v, ok := c.lru.Get(cacheKey(executionID, stepName, input))
	return v, ok
}

func (c *resultCache) put(executionID, stepName string, input models.JSON, output models.JSON) {
	key := cacheKey(executionID, stepName, input)
	c.lru.Add(key, output)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byExecution[executionID] == nil {
		c.byExecution[executionID] = make(map[string]struct{})
	}
	c.byExecution[executionID][key] = struct{}{}
}

// invalidateExecution drops every cached entry for executionID, invoked
// when that execution terminates.
func (c *resultCache) invalidateExecution(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.byExecution[executionID] {
		c.lru.Remove(key)
	}
	delete(c.byExecution, executionID)
}

// invalidateStepName drops every cached entry whose key embeds stepName,
// for global rollouts of a changed step body.
func (c *resultCache) invalidateStepName(stepName string) {
	for _, key := range c.lru.Keys() {
		if hasStepNameSegment(key, stepName) {
			c.lru.Remove(key)
		}
	}
}

func hasStepNameSegment(key, stepName string) bool {
	want := "\x00" + stepName + "\x00"
	for i := 0; i+len(want) <= len(key); i++ {
		if key[i:i+len(want)] == want {
			return true
		}
	}
	return false
}

// DistributedCache is the optional second-tier cache for multi-process
// acceleration. The store remains the source of truth; this purely
// accelerates replay across processes sharing one cluster.
type DistributedCache interface {
	Get(ctx context.Context, key string) (models.JSON, bool, error)
	Set(ctx context.Context, key string, value models.JSON, ttl time.Duration) error
	Close() error
}

// RedisCache implements DistributedCache over go-redis: dial, then Ping
// to fail fast on a bad address.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to addr and verifies reachability via Ping.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisCache{client: client}, nil
}

func (r *RedisCache) Get(ctx context.Context, key string) (models.JSON, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return models.JSON(val), true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value models.JSON, ttl time.Duration) error {
	return r.client.Set(ctx, key, []byte(value), ttl).Err()
}

func (r *RedisCache) Close() error { return r.client.Close() }
