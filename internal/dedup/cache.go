// Package dedup suppresses duplicate content across agents so the same
// payload is not sent to an LLM twice.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize bounds the cache when no size is configured.
const DefaultMaxSize = 1000

// Stats reports what the cache has prevented so far.
type Stats struct {
	DuplicatesPrevented int64 `json:"duplicates_prevented"`
	TokensSaved         int64 `json:"tokens_saved"`
	Size                int   `json:"size"`
}

// Cache is a process-wide bounded set of content hashes. Eviction is
// strict insertion order: membership checks do not promote entries, so
// CheckAndAdd stays O(1) and predictable.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, string]

	duplicatesPrevented int64
	tokensSaved         int64
}

// NewCache creates a cache holding at most maxSize hashes.
// maxSize <= 0 uses DefaultMaxSize.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	entries, _ := lru.New[string, string](maxSize)
	return &Cache{entries: entries}
}

// HashContent computes the canonical hash for a content payload.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CheckAndAdd reports whether contentHash was already seen. On a hit
// it accounts tokens under the saved counter; on a miss it inserts the
// hash, evicting the oldest entry if the cache is full.
func (c *Cache) CheckAndAdd(contentHash, agentName string, tokens int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// ContainsOrAdd does not refresh recency for existing entries,
	// which keeps eviction on insertion order.
	present, _ := c.entries.ContainsOrAdd(contentHash, agentName)
	if present {
		c.duplicatesPrevented++
		c.tokensSaved += tokens
		return true
	}
	return false
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		DuplicatesPrevented: c.duplicatesPrevented,
		TokensSaved:         c.tokensSaved,
		Size:                c.entries.Len(),
	}
}

// Clear empties the cache and resets the counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
	c.duplicatesPrevented = 0
	c.tokensSaved = 0
}
