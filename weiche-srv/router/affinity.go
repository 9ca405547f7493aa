package router

import (
	"sync"
	"time"

	"github.com/codefionn/weiche/weiche-srv/logger"
)

// DefaultAffinityTTL is how long an unused affinity entry survives.
const DefaultAffinityTTL = 5 * time.Minute

// AffinityEntry pins a client/target pair to a previously selected proxy.
type AffinityEntry struct {
	Key        string    `json:"key"`
	ProxyName  string    `json:"proxy_name"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// AffinityCache remembers which upstream a client/target pair was routed
// to, so follow-up connections land on the same upstream. Entries expire
// after the TTL passes without use; a background sweeper prunes them and
// connection teardown removes them eagerly.
type AffinityCache struct {
	mu      sync.RWMutex
	entries map[string]*AffinityEntry
	ttl     time.Duration

	stopOnce sync.Once
	done     chan struct{}

	// now is swapped out by tests to control expiry.
	now func() time.Time
}

// NewAffinityCache creates a cache with the given TTL. The background
// sweeper is not running yet; call StartSweeper for that.
func NewAffinityCache(ttl time.Duration) *AffinityCache {
	if ttl <= 0 {
		ttl = DefaultAffinityTTL
	}
	return &AffinityCache{
		entries: make(map[string]*AffinityEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// TTL returns the configured entry lifetime.
func (c *AffinityCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the proxy name pinned to key. A hit refreshes the entry's
// last-used time; an expired entry counts as a miss and is dropped.
func (c *AffinityCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	now := c.now()
	if now.Sub(e.LastUsedAt) > c.ttl {
		delete(c.entries, key)
		return "", false
	}
	e.LastUsedAt = now
	return e.ProxyName, true
}

// Put pins key to the given proxy, replacing any previous entry.
func (c *AffinityCache) Put(key, proxyName string) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &AffinityEntry{
		Key:        key,
		ProxyName:  proxyName,
		CreatedAt:  now,
		LastUsedAt: now,
	}
}

// Remove drops the entry for key, reporting whether it existed.
func (c *AffinityCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *AffinityCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, e := range c.entries {
		if now.Sub(e.LastUsedAt) > c.ttl {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *AffinityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot copies up to limit entries for inspection. limit <= 0 means all.
func (c *AffinityCache) Snapshot(limit int) []AffinityEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AffinityEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *e)
	}
	return out
}

// StartSweeper begins pruning expired entries in the background. The
// sweep interval is half the TTL with a one second floor.
func (c *AffinityCache) StartSweeper() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if dropped := c.Sweep(); dropped > 0 {
					logger.Debug("Affinity sweep dropped %d expired entries", dropped)
				}
			case <-c.done:
				return
			}
		}
	}()
}

// Stop ends the background sweeper. Safe to call more than once.
func (c *AffinityCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}
