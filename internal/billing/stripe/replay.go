package stripe

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// replayWindow bounds both event freshness and seen-cache retention.
	replayWindow = 10 * time.Minute

	replaySweepInterval = time.Minute
	redisOpTimeout      = 2 * time.Second
)

// ReplayCache is a short-lived record of event IDs already handled. It is a
// latency fast path only; the durable processed_events row is the
// authoritative dedup gate across restarts and instances.
type ReplayCache interface {
	Has(id string) bool
	Put(id string)
}

// MemoryReplayCache keeps seen event IDs in a process-local map with
// time-based eviction.
type MemoryReplayCache struct {
	mu       sync.Mutex
	seen     map[string]time.Time
	ttl      time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewMemoryReplayCache creates a replay cache with the given TTL and starts
// its sweep loop.
func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	if ttl <= 0 {
		ttl = replayWindow
	}
	c := &MemoryReplayCache{
		seen:     make(map[string]time.Time),
		ttl:      ttl,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
	go c.sweepLoop()
	return c
}

// Has reports whether the event ID was seen within the TTL.
func (c *MemoryReplayCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen[id]
	if !ok {
		return false
	}
	if c.now().Sub(at) > c.ttl {
		delete(c.seen, id)
		return false
	}
	return true
}

// Put records the event ID as seen now.
func (c *MemoryReplayCache) Put(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[id] = c.now()
}

// Stop terminates the sweep loop.
func (c *MemoryReplayCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *MemoryReplayCache) sweepLoop() {
	ticker := time.NewTicker(replaySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

func (c *MemoryReplayCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
		}
	}
}

// RedisReplayCache backs the replay cache with a shared key-value store so
// horizontally scaled instances short-circuit each other's duplicates.
type RedisReplayCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReplayCache creates a Redis-backed replay cache.
func NewRedisReplayCache(client *redis.Client, ttl time.Duration) *RedisReplayCache {
	if ttl <= 0 {
		ttl = replayWindow
	}
	return &RedisReplayCache{client: client, ttl: ttl}
}

// Has reports whether the event ID is present in the shared cache. Errors are
// treated as a miss; the durable store still dedupes.
func (c *RedisReplayCache) Has(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, replayKey(id)).Result()
	if err != nil {
		log.Warn().Err(err).Str("event_id", id).Msg("Replay cache lookup failed; treating as unseen")
		return false
	}
	return n > 0
}

// Put records the event ID with the cache TTL.
func (c *RedisReplayCache) Put(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, replayKey(id), 1, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("event_id", id).Msg("Replay cache write failed")
	}
}

func replayKey(id string) string {
	return "screenme:webhook:seen:" + id
}
