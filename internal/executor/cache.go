package executor

import (
	"os/exec"
	"sync"
	"time"
)

// AvailabilityCache remembers whether the external tool binary is on PATH.
// It is an explicit object constructed with a TTL and owned by the caller;
// there is no process-wide singleton.
type AvailabilityCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	checkedAt time.Time
	available bool
	path      string

	// lookPath is swapped in tests.
	lookPath func(string) (string, error)
}

// NewAvailabilityCache creates a cache whose entries expire after ttl.
func NewAvailabilityCache(ttl time.Duration) *AvailabilityCache {
	return &AvailabilityCache{
		ttl:      ttl,
		lookPath: exec.LookPath,
	}
}

// Check reports whether the tool binary is available, consulting PATH at
// most once per TTL window.
func (c *AvailabilityCache) Check(tool string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.checkedAt.IsZero() && time.Since(c.checkedAt) < c.ttl {
		return c.path, c.available
	}

	path, err := c.lookPath(tool)
	c.checkedAt = time.Now()
	c.available = err == nil
	c.path = path
	return c.path, c.available
}

// Invalidate drops the cached answer so the next Check hits PATH again.
func (c *AvailabilityCache) Invalidate() {
	c.mu.Lock()
	c.checkedAt = time.Time{}
	c.mu.Unlock()
}
