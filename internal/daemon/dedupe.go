package daemon

import (
	"sync"
	"time"
)

// dedupeCache drops redelivered messages. Transports like Telegram replay
// updates after reconnects; a short TTL window is enough to absorb that.
type dedupeCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func newDedupeCache(ttl time.Duration) *dedupeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupeCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

func (c *dedupeCache) IsDuplicate(key string) bool {
	c.mu.RLock()
	ts, exists := c.entries[key]
	c.mu.RUnlock()
	if !exists {
		return false
	}

	if time.Since(ts) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *dedupeCache) Mark(key string) {
	c.mu.Lock()
	c.entries[key] = time.Now()
	c.mu.Unlock()
}

// Start launches the background expiry loop.
func (c *dedupeCache) Start() {
	c.startOnce.Do(func() {
		interval := c.ttl / 2
		if interval > 30*time.Second {
			interval = 30 * time.Second
		}
		if interval <= 0 {
			interval = time.Minute
		}

		ticker := time.NewTicker(interval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.cleanupExpired()
				case <-c.stopCh:
					return
				}
			}
		}()
	})
}

func (c *dedupeCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

func (c *dedupeCache) cleanupExpired() {
	now := time.Now()

	c.mu.Lock()
	for key, ts := range c.entries {
		if now.Sub(ts) > c.ttl {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
