package assistant

import (
	"crypto/sha256"
	"sync"
	"time"
)

// promptCacheTTL is how long a compiled system prompt stays fresh.
// Within this window, the cached result is used without recompiling.
const promptCacheTTL = 60 * time.Second

// promptEntry holds one compiled system prompt with a TTL and a hash of
// the inputs it was compiled from. A hash mismatch invalidates the entry
// even inside the TTL window, so config edits take effect immediately.
type promptEntry struct {
	compiled string
	hash     [32]byte
	cachedAt time.Time
}

// PromptCache caches compiled system prompts per caller key. Compiling
// a prompt may involve template rendering and persona lookups, so repeat
// requests inside the TTL window skip that work.
type PromptCache struct {
	mu      sync.RWMutex
	entries map[string]*promptEntry
	compile func(key, source string) string
	now     func() time.Time
}

// NewPromptCache creates a cache around the given compile function.
func NewPromptCache(compile func(key, source string) string) *PromptCache {
	return &PromptCache{
		entries: make(map[string]*promptEntry),
		compile: compile,
		now:     time.Now,
	}
}

// Get returns the compiled prompt for key, recompiling when the cached
// entry is stale or was built from a different source.
func (c *PromptCache) Get(key, source string) string {
	h := sha256.Sum256([]byte(source))

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && entry.hash == h && c.now().Sub(entry.cachedAt) < promptCacheTTL {
		return entry.compiled
	}

	compiled := c.compile(key, source)

	c.mu.Lock()
	c.entries[key] = &promptEntry{compiled: compiled, hash: h, cachedAt: c.now()}
	c.mu.Unlock()
	return compiled
}

// Invalidate drops the entry for key; a following Get recompiles.
func (c *PromptCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every cached prompt, typically after a config
// reload.
func (c *PromptCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*promptEntry)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *PromptCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
