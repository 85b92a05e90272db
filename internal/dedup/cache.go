// Package dedup suppresses repeat deliveries of the same notification within
// a short horizon. It is an optimization only; the work-item unique key is
// what guarantees a message materializes once.
package dedup

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	DefaultTTL      = 90 * time.Second
	DefaultCapacity = 10000
	shardCount      = 16
)

type Cache struct {
	shards   [shardCount]shard
	ttl      time.Duration
	perShard int
	now      func() time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]time.Time // id -> expiry
}

// New creates a cache remembering ids for ttl, holding at most about
// capacity entries in total.
func New(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	perShard := capacity / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache{ttl: ttl, perShard: perShard, now: time.Now}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]time.Time)
	}
	return c
}

// SeenOrRecord reports whether id was recorded within the horizon. When it
// was not, id is recorded before returning, atomically with the check.
func (c *Cache) SeenOrRecord(id string) bool {
	s := c.shardFor(id)
	now := c.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purge(now)
	if exp, ok := s.entries[id]; ok && now.Before(exp) {
		return true
	}
	if len(s.entries) >= c.perShard {
		s.evictOldest()
	}
	s.entries[id] = now.Add(c.ttl)
	return false
}

// Len counts entries, including expired ones not yet purged.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops expired entries from every shard.
func (c *Cache) Sweep() {
	now := c.now()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.purge(now)
		s.mu.Unlock()
	}
}

// StartJanitor sweeps every interval until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

func (c *Cache) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &c.shards[h.Sum32()%shardCount]
}

// purge must be called with s.mu held.
func (s *shard) purge(now time.Time) {
	for k, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, k)
		}
	}
}

// evictOldest must be called with s.mu held.
func (s *shard) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for k, exp := range s.entries {
		if oldestKey == "" || exp.Before(oldest) {
			oldestKey, oldest = k, exp
		}
	}
	delete(s.entries, oldestKey)
}
