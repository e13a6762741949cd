package core

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resetprep/resetprep/internal/model"
)

// StatusCache is a TTL cache of the last-known sync status per user.
// Keys are case-insensitive. Entries are never returned past their TTL.
type StatusCache struct {
	ttl           time.Duration
	sweepInterval time.Duration
	clock         func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedStatus

	// lastSweep is the unix-nano timestamp of the last opportunistic sweep,
	// advanced with compare-and-swap so only one sweeper runs at a time.
	lastSweep atomic.Int64
}

type cachedStatus struct {
	status   model.OneDriveStatus
	cachedAt time.Time
}

// NewStatusCache creates a cache with the given TTL and sweep interval.
func NewStatusCache(ttl, sweepInterval time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	c := &StatusCache{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         time.Now,
		entries:       make(map[string]cachedStatus),
	}
	c.lastSweep.Store(c.clock().UnixNano())
	return c
}

// SetClock injects a deterministic clock for tests.
func (c *StatusCache) SetClock(clock func() time.Time) {
	if clock != nil {
		c.clock = clock
		c.lastSweep.Store(clock().UnixNano())
	}
}

func cacheKey(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

// Get returns the cached status for a user if it is still within TTL.
// An expired entry is evicted and reported absent.
func (c *StatusCache) Get(userID string) (model.OneDriveStatus, bool) {
	key := cacheKey(userID)
	now := c.clock()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	c.maybeSweep(now)

	if !ok {
		return model.OneDriveStatus{}, false
	}
	if now.Sub(entry.cachedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check: a fresher Put may have replaced the entry.
		if current, still := c.entries[key]; still && now.Sub(current.cachedAt) >= c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return model.OneDriveStatus{}, false
	}
	return entry.status, true
}

// Put stores a status snapshot, overwriting any previous entry whole.
func (c *StatusCache) Put(userID string, status model.OneDriveStatus) {
	key := cacheKey(userID)
	entry := cachedStatus{status: status, cachedAt: c.clock()}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Invalidate removes a user's entry regardless of age.
func (c *StatusCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, cacheKey(userID))
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *StatusCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cachedStatus)
	c.mu.Unlock()
}

// Size returns the number of entries, expired ones included.
func (c *StatusCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// maybeSweep starts an asynchronous eviction scan when the sweep interval
// has elapsed. Best effort: the caller never blocks on it, and the CAS
// guarantees a single sweeper.
func (c *StatusCache) maybeSweep(now time.Time) {
	last := c.lastSweep.Load()
	if now.Sub(time.Unix(0, last)) < c.sweepInterval {
		return
	}
	if !c.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	go c.sweep(now)
}

// sweep removes expired entries. Keys are snapshotted first and expiry is
// re-checked under the write lock, so the scan is safe against concurrent
// reads and writes.
func (c *StatusCache) sweep(now time.Time) {
	c.mu.RLock()
	expired := make([]string, 0)
	for key, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}
	c.mu.Lock()
	for _, key := range expired {
		if entry, ok := c.entries[key]; ok && now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
