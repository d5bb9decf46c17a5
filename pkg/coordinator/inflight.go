package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// inflightEntry pairs a receipt with the fingerprint of the request body
// that produced it, so a reused key with a different body is detectable.
type inflightEntry struct {
	Receipt         *Receipt `json:"receipt"`
	BodyFingerprint string   `json:"body_fingerprint"`
	StoredAt        int64    `json:"stored_at"`
}

// InflightCache is the coordinator's short-lived idempotency cache. It is
// soft state: losing it costs at most one duplicate durable append, which
// the applier deduplicates via applied_events.
type InflightCache interface {
	Get(ctx context.Context, tenant, key string) (*inflightEntry, bool, error)
	Put(ctx context.Context, tenant, key string, entry *inflightEntry) error
	Close() error
}

// MemoryInflightCache is the default per-instance cache with TTL expiry.
type MemoryInflightCache struct {
	mu      sync.RWMutex
	entries map[string]*inflightEntry
	ttl     time.Duration
	clock   func() time.Time

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewMemoryInflightCache creates an in-memory inflight cache.
func NewMemoryInflightCache(ttl time.Duration) *MemoryInflightCache {
	c := &MemoryInflightCache{
		entries: make(map[string]*inflightEntry),
		ttl:     ttl,
		clock:   time.Now,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *MemoryInflightCache) cleanup() {
	defer close(c.stopped)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			cutoff := c.clock().Add(-c.ttl).UnixMilli()
			c.mu.Lock()
			for k, e := range c.entries {
				if e.StoredAt < cutoff {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the background expiry sweep. Get still enforces the TTL, so
// a closed cache stays correct, it just no longer reclaims memory.
func (c *MemoryInflightCache) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	<-c.stopped
	return nil
}

func (c *MemoryInflightCache) Get(ctx context.Context, tenant, key string) (*inflightEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[tenant+"/"+key]
	if !ok || e.StoredAt < c.clock().Add(-c.ttl).UnixMilli() {
		return nil, false, nil
	}
	return e, true, nil
}

func (c *MemoryInflightCache) Put(ctx context.Context, tenant, key string, entry *inflightEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.StoredAt = c.clock().UnixMilli()
	c.entries[tenant+"/"+key] = entry
	return nil
}

// RedisInflightCache shares the inflight cache across coordinator
// instances behind one load balancer.
type RedisInflightCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisInflightCache connects to addr and uses ttl for expiry.
func NewRedisInflightCache(addr string, ttl time.Duration) *RedisInflightCache {
	return &RedisInflightCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (c *RedisInflightCache) redisKey(tenant, key string) string {
	return fmt.Sprintf("entdb:inflight:%s:%s", tenant, key)
}

func (c *RedisInflightCache) Get(ctx context.Context, tenant, key string) (*inflightEntry, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(tenant, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		// Soft state: a cache outage degrades to an extra append.
		return nil, false, nil
	}
	var e inflightEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *RedisInflightCache) Put(ctx context.Context, tenant, key string, entry *inflightEntry) error {
	entry.StoredAt = time.Now().UnixMilli()
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal inflight entry: %w", err)
	}
	return c.client.Set(ctx, c.redisKey(tenant, key), raw, c.ttl).Err()
}

// Close releases the Redis client's connection pool.
func (c *RedisInflightCache) Close() error {
	return c.client.Close()
}
