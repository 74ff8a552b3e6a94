package perfcache

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/codex-k8s/tool-orchestrator/internal/tool"
)

// ResponseCache stores whole answer payloads keyed by query and context.
type ResponseCache struct {
	cache *Cache
}

// NewResponseCache returns a response view over cache.
func NewResponseCache(cache *Cache) *ResponseCache {
	return &ResponseCache{cache: cache}
}

// ContextHash returns a stable digest of the context list.
func ContextHash(items []tool.ContextItem) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.Source)
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(item.Relevance, 'f', 4, 64))
		b.WriteByte('|')
		b.WriteString(item.Content)
		b.WriteByte('\n')
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ResponseKey returns the cache key for a query and context list.
func ResponseKey(query string, items []tool.ContextItem) string {
	sum := md5.Sum([]byte(query + ContextHash(items)))
	return Key(CategoryResponse, hex.EncodeToString(sum[:]))
}

// Get returns a cached payload.
func (r *ResponseCache) Get(query string, items []tool.ContextItem) (any, bool) {
	return r.cache.Get(ResponseKey(query, items), CategoryResponse)
}

// Set stores a payload. A non-positive ttl selects the category default.
func (r *ResponseCache) Set(query string, items []tool.ContextItem, payload any, ttl time.Duration) {
	r.cache.Set(ResponseKey(query, items), payload, CategoryResponse, ttl)
}

// Invalidate removes a cached payload.
func (r *ResponseCache) Invalidate(query string, items []tool.ContextItem) bool {
	return r.cache.Delete(ResponseKey(query, items))
}
