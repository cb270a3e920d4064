package assistant

import (
	"fmt"
	"testing"
	"time"
)

func countingCompile(calls *int) func(key, source string) string {
	return func(key, source string) string {
		*calls++
		return fmt.Sprintf("compiled(%s): %s", key, source)
	}
}

func TestPromptCacheReuse(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewPromptCache(countingCompile(&calls))

	first := c.Get("default", "persona v1")
	second := c.Get("default", "persona v1")

	if first != second {
		t.Errorf("cached result differs: %q vs %q", first, second)
	}
	if calls != 1 {
		t.Errorf("compile called %d times, want 1", calls)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestPromptCacheSourceChangeInvalidates(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewPromptCache(countingCompile(&calls))

	c.Get("default", "persona v1")
	got := c.Get("default", "persona v2")

	if calls != 2 {
		t.Errorf("compile called %d times, want recompile on source change", calls)
	}
	if got != "compiled(default): persona v2" {
		t.Errorf("Get = %q", got)
	}
}

func TestPromptCacheTTLExpiry(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewPromptCache(countingCompile(&calls))

	current := time.Now()
	c.now = func() time.Time { return current }

	c.Get("default", "persona")
	current = current.Add(promptCacheTTL - time.Second)
	c.Get("default", "persona")
	if calls != 1 {
		t.Fatalf("compile called %d times inside the TTL, want 1", calls)
	}

	current = current.Add(2 * time.Second)
	c.Get("default", "persona")
	if calls != 2 {
		t.Errorf("compile called %d times after expiry, want 2", calls)
	}
}

func TestPromptCacheInvalidate(t *testing.T) {
	t.Parallel()

	calls := 0
	c := NewPromptCache(countingCompile(&calls))

	c.Get("a", "s")
	c.Get("b", "s")

	c.Invalidate("a")
	c.Get("a", "s")
	c.Get("b", "s")
	if calls != 3 {
		t.Errorf("compile called %d times, want 3 (only the invalidated key recompiles)", calls)
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("Len() = %d after InvalidateAll, want 0", c.Len())
	}
}

func TestPromptCacheKeysIndependent(t *testing.T) {
	t.Parallel()

	c := NewPromptCache(func(key, source string) string { return key + "/" + source })

	if got := c.Get("alpha", "s"); got != "alpha/s" {
		t.Errorf("Get(alpha) = %q", got)
	}
	if got := c.Get("beta", "s"); got != "beta/s" {
		t.Errorf("Get(beta) = %q", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
