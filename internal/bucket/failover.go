// Package bucket implements BucketFailoverController: an ordered rotation
// over credential buckets with cooldown-based re-enablement, driven one
// step at a time by its caller.
package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/corouter-dev/corouter/internal/config"
)

// DefaultCooldown is how long a failed bucket stays excluded before Reset
// re-enables it.
const DefaultCooldown = 5 * time.Minute

type entry struct {
	bucket        config.Bucket
	exhausted     bool
	lastFailureAt time.Time
}

// Controller holds an ordered list of buckets and an index into it.
type Controller struct {
	mu       sync.Mutex
	entries  []entry
	current  int
	cooldown time.Duration
}

// New builds a Controller over buckets in the given order. The first
// bucket starts selected and non-exhausted.
func New(buckets []config.Bucket, cooldown time.Duration) *Controller {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}

	entries := make([]entry, len(buckets))
	for i, b := range buckets {
		entries[i] = entry{bucket: b}
	}

	return &Controller{entries: entries, cooldown: cooldown}
}

// GetBuckets returns an immutable snapshot of the configured buckets.
func (c *Controller) GetBuckets() []config.Bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]config.Bucket, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.bucket
	}

	return out
}

// GetCurrent returns the active bucket, or false if none remain selected
// (e.g. the controller was constructed with zero buckets).
func (c *Controller) GetCurrent() (config.Bucket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current >= len(c.entries) {
		return config.Bucket{}, false
	}

	return c.entries[c.current].bucket, true
}

// TryFailover marks the current bucket exhausted and advances to the next
// non-exhausted one. It is a single step; callers (RetryOrchestrator) drive
// the loop. Returns false once no non-exhausted bucket remains.
func (c *Controller) TryFailover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current < len(c.entries) {
		c.entries[c.current].exhausted = true
		c.entries[c.current].lastFailureAt = time.Now()
	}

	for i := c.current + 1; i < len(c.entries); i++ {
		if !c.entries[i].exhausted {
			c.current = i
			return true
		}
	}

	return false
}

// Reset re-enables any bucket whose last failure is older than the
// configured cooldown, and rewinds the cursor to the first re-enabled
// bucket if the controller had been fully exhausted.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	wasExhausted := c.current >= len(c.entries) || c.entries[c.current].exhausted

	for i := range c.entries {
		if c.entries[i].exhausted && now.Sub(c.entries[i].lastFailureAt) >= c.cooldown {
			c.entries[i].exhausted = false
		}
	}

	if wasExhausted {
		for i := range c.entries {
			if !c.entries[i].exhausted {
				c.current = i
				return
			}
		}
	}
}

// Exhausted reports whether every bucket is currently marked exhausted.
func (c *Controller) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if !e.exhausted {
			return false
		}
	}

	return len(c.entries) > 0
}

// Len reports the number of configured buckets.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Handler adapts a Controller to the provider.BucketHandler calling
// convention RetryOrchestrator expects (a ctx-accepting TryFailover),
// without this package importing internal/provider — bucket rotation
// itself does no I/O, so ctx is accepted but unused.
type Handler struct {
	Controller *Controller
}

// TryFailover implements provider.BucketHandler.
func (h *Handler) TryFailover(ctx context.Context) bool {
	return h.Controller.TryFailover()
}
