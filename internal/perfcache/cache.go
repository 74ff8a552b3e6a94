// Package perfcache implements the TTL+LRU performance cache and the
// response and tool-performance views built on top of it.
package perfcache

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Category selects the default TTL of an entry. Categories do not isolate
// keys; callers prefix keys with the category name.
type Category string

// Known cache categories.
const (
	CategoryToolPerformance     Category = "tool_performance"
	CategoryToolRecommendations Category = "tool_recommendations"
	CategoryResponse            Category = "response"
	CategoryContext             Category = "context"
	CategoryQueryAnalysis       Category = "query_analysis"
)

const (
	defaultMaxSize = 1000
	defaultTTL     = 5 * time.Minute
	emaAlpha       = 0.1
)

// DefaultCategoryTTLs returns the default TTL per category.
func DefaultCategoryTTLs() map[Category]time.Duration {
	return map[Category]time.Duration{
		CategoryToolPerformance:     time.Hour,
		CategoryToolRecommendations: 30 * time.Minute,
		CategoryResponse:            10 * time.Minute,
		CategoryContext:             15 * time.Minute,
		CategoryQueryAnalysis:       20 * time.Minute,
	}
}

// Key joins a category and key parts with ':'.
func Key(category Category, parts ...string) string {
	return string(category) + ":" + strings.Join(parts, ":")
}

// Entry is a cached value with its bookkeeping.
type Entry struct {
	Data         any
	Category     Category
	Timestamp    time.Time
	TTL          time.Duration
	AccessCount  int64
	LastAccessed time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.Timestamp.Add(e.TTL))
}

// Observer receives cache lookup outcomes, e.g. for metrics.
type Observer interface {
	ObserveCacheLookup(category string, hit bool)
}

// Options configures a Cache.
type Options struct {
	// MaxSize bounds the number of entries (default 1000).
	MaxSize int
	// DefaultTTL applies to categories without an explicit TTL (default 5m).
	DefaultTTL time.Duration
	// CategoryTTLs overrides DefaultCategoryTTLs per category.
	CategoryTTLs map[Category]time.Duration
	// Observer is notified on every Get.
	Observer Observer
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Size            int              `json:"size"`
	MaxSize         int              `json:"max_size"`
	Hits            int64            `json:"hits"`
	Misses          int64            `json:"misses"`
	HitRate         float64          `json:"hit_rate"`
	Evictions       int64            `json:"evictions"`
	Expirations     int64            `json:"expirations"`
	AvgResponseTime time.Duration    `json:"avg_response_time"`
	Categories      map[Category]int `json:"categories"`
}

// Cache is a thread-safe TTL cache that evicts the least recently accessed
// entry when full. A single mutex guards all state.
type Cache struct {
	mu          sync.Mutex
	lru         *simplelru.LRU[string, *Entry]
	maxSize     int
	defaultTTL  time.Duration
	ttls        map[Category]time.Duration
	observer    Observer
	now         func() time.Time
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	avgResponse float64
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = defaultMaxSize
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ttls := DefaultCategoryTTLs()
	for category, ttl := range opts.CategoryTTLs {
		if ttl > 0 {
			ttls[category] = ttl
		}
	}
	// NewLRU only fails on a non-positive size, which is guarded above.
	store, _ := simplelru.NewLRU[string, *Entry](opts.MaxSize, nil)
	return &Cache{
		lru:        store,
		maxSize:    opts.MaxSize,
		defaultTTL: opts.DefaultTTL,
		ttls:       ttls,
		observer:   opts.Observer,
		now:        opts.Now,
	}
}

// TTL returns the default TTL for category.
func (c *Cache) TTL(category Category) time.Duration {
	if ttl, ok := c.ttls[category]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Get returns the value stored under key. Expired entries are removed and
// reported as misses.
func (c *Cache) Get(key string, category Category) (any, bool) {
	entry, ok := c.lookup(key, category)
	if !ok {
		return nil, false
	}
	return entry.Data, true
}

// Inspect returns a copy of the entry without counting an access.
func (c *Cache) Inspect(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Peek(key)
	if !ok || entry.expired(c.now()) {
		return Entry{}, false
	}
	return *entry, true
}

func (c *Cache) lookup(key string, category Category) (Entry, bool) {
	start := time.Now()
	c.mu.Lock()
	entry, ok := c.lru.Peek(key)
	now := c.now()
	switch {
	case !ok:
		c.misses++
	case entry.expired(now):
		c.lru.Remove(key)
		c.expirations++
		c.misses++
		ok = false
	default:
		c.lru.Get(key)
		entry.AccessCount++
		entry.LastAccessed = now
		c.hits++
	}
	var out Entry
	if ok {
		out = *entry
	}
	c.recordResponse(time.Since(start))
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObserveCacheLookup(string(category), ok)
	}
	return out, ok
}

// recordResponse must be called with c.mu held.
func (c *Cache) recordResponse(elapsed time.Duration) {
	if c.hits+c.misses == 1 {
		c.avgResponse = float64(elapsed)
		return
	}
	c.avgResponse = emaAlpha*float64(elapsed) + (1-emaAlpha)*c.avgResponse
}

// Set stores value under key. A non-positive ttl selects the category default.
// When the cache is full the least recently accessed entry is evicted.
func (c *Cache) Set(key string, value any, category Category, ttl time.Duration) {
	if key == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.TTL(category)
	}
	now := c.now()
	entry := &Entry{
		Data:         value,
		Category:     category,
		Timestamp:    now,
		TTL:          ttl,
		LastAccessed: now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.lru.Peek(key); ok {
		entry.AccessCount = existing.AccessCount
	}
	if evicted := c.lru.Add(key, entry); evicted {
		c.evictions++
	}
}

// Update applies fn to the live value under key and stores the result with
// the category TTL. fn receives nil when the key is absent or expired.
func (c *Cache) Update(key string, category Category, fn func(current any) any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var current any
	var accessCount int64
	if entry, ok := c.lru.Peek(key); ok && !entry.expired(now) {
		current = entry.Data
		accessCount = entry.AccessCount
	}
	next := &Entry{
		Data:         fn(current),
		Category:     category,
		Timestamp:    now,
		TTL:          c.TTL(category),
		AccessCount:  accessCount,
		LastAccessed: now,
	}
	if evicted := c.lru.Add(key, next); evicted {
		c.evictions++
	}
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(key)
}

// CleanupExpired removes all expired entries and returns how many were removed.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		entry, ok := c.lru.Peek(key)
		if ok && entry.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	c.expirations += int64(removed)
	return removed
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	categories := make(map[Category]int)
	for _, entry := range c.lru.Values() {
		categories[entry.Category]++
	}
	stats := Stats{
		Size:            c.lru.Len(),
		MaxSize:         c.maxSize,
		Hits:            c.hits,
		Misses:          c.misses,
		Evictions:       c.evictions,
		Expirations:     c.expirations,
		AvgResponseTime: time.Duration(c.avgResponse),
		Categories:      categories,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}
