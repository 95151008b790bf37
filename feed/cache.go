package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"twitchrss/telemetry"
)

// Entry is one cached feed document and its build timestamp.
type Entry struct {
	Document *Document
	CachedAt time.Time

	lastAccess atomic.Int64 // unix nanos, eviction ordering
}

// Cache holds built feed documents keyed by channel login. Entries are kept
// past their TTL so callers can fall back to stale data when a rebuild fails;
// Fresh tells the two states apart. When maxEntries > 0 the least recently
// accessed entry is evicted to make room for a new channel.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]*Entry
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock
}

// NewCache creates a cache with the given freshness TTL. maxEntries <= 0
// leaves the cache unbounded.
func NewCache(ttl time.Duration, maxEntries int, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		entries:    make(map[string]*Entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

// Get returns the cached entry for login, whether fresh or stale.
func (c *Cache) Get(login string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[login]
	if !ok {
		return nil, false
	}
	e.lastAccess.Store(c.clock.Now().UnixNano())
	return e, true
}

// Fresh reports whether e is still within the cache TTL.
func (c *Cache) Fresh(e *Entry) bool {
	return c.clock.Now().Sub(e.CachedAt) < c.ttl
}

// Put stores doc for login, replacing any previous entry wholesale. Other
// channels are unaffected except when a bounded cache evicts its least
// recently accessed entry to fit a new one.
func (c *Cache) Put(login string, doc *Document) {
	now := c.clock.Now()
	e := &Entry{Document: doc, CachedAt: now}
	e.lastAccess.Store(now.UnixNano())

	c.mu.Lock()
	if _, exists := c.entries[login]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[login] = e
	n := len(c.entries)
	c.mu.Unlock()
	telemetry.SetCachedChannels(n)
}

// evictOldest removes the least recently accessed entry. Caller holds the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest int64
	first := true
	for k, e := range c.entries {
		if at := e.lastAccess.Load(); first || at < oldest {
			oldestKey, oldest = k, at
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops the entry for login and reports whether one existed.
func (c *Cache) Invalidate(login string) bool {
	c.mu.Lock()
	_, ok := c.entries[login]
	delete(c.entries, login)
	n := len(c.entries)
	c.mu.Unlock()
	telemetry.SetCachedChannels(n)
	return ok
}

// Len returns the number of cached channels.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
