package admission

import (
	"context"
	"sync"
	"time"

	"writeback/pkg/types"
)

// Defaults mirror the request-list limits networked file clients have
// shipped with for decades: back-pressure well before the hard stop.
const (
	DefaultSoftLimit = 192
	DefaultHardLimit = 256

	// DefaultQuantum is how long a blocked writer sleeps between re-checks.
	DefaultQuantum = time.Second

	// DefaultTimeout bounds the total time a writer may block on the hard
	// limit before admission fails with a resource-exhaustion error.
	DefaultTimeout = 30 * time.Second
)

// Relief is the opportunistic pressure-relief hook run while the global
// count sits at or above the soft limit. It usually flushes the requesting
// file's dirty records and may block on the network.
type Relief func(ctx context.Context)

// Controller tracks the process-wide count of live dirty-range records.
type Controller struct {
	mu      sync.Mutex
	count   int64
	soft    int64
	hard    int64
	quantum time.Duration
	timeout time.Duration
	wake    chan struct{} // closed and replaced on every Release
}

// NewController creates a controller with the given limits. Non-positive
// arguments fall back to the defaults.
func NewController(soft, hard int64, quantum, timeout time.Duration) *Controller {
	if soft <= 0 {
		soft = DefaultSoftLimit
	}
	if hard <= 0 {
		hard = DefaultHardLimit
	}
	if hard < soft {
		hard = soft
	}
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Controller{
		soft:    soft,
		hard:    hard,
		quantum: quantum,
		timeout: timeout,
		wake:    make(chan struct{}),
	}
}

// Admit reserves one record slot. While at or above the soft limit it runs
// relief (once per loop iteration) before re-checking. At the hard limit it
// blocks in quantum-sized slices until a slot frees; once the overall
// deadline passes it fails with types.ErrExhausted. ctx is honored only
// when interruptible is set — callers that did not opt into interruptible
// waits ride out cancellation, as the original semantics require.
func (c *Controller) Admit(ctx context.Context, interruptible bool, relief Relief) error {
	deadline := time.Now().Add(c.timeout)
	for {
		if relief != nil && c.OverSoft() {
			relief(ctx)
		}

		c.mu.Lock()
		if c.count < c.hard {
			c.count++
			c.mu.Unlock()
			return nil
		}
		wake := c.wake
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return types.ErrExhausted
		}

		timer := time.NewTimer(c.quantum)
		if interruptible {
			select {
			case <-wake:
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		} else {
			select {
			case <-wake:
			case <-timer.C:
			}
		}
		timer.Stop()
	}
}

// Release returns one record slot and wakes blocked writers. Waiters
// re-check under the mutex, so exactly one of them can take the freed slot.
func (c *Controller) Release() {
	c.mu.Lock()
	if c.count <= 0 {
		c.mu.Unlock()
		panic("admission: release without admit")
	}
	c.count--
	close(c.wake)
	c.wake = make(chan struct{})
	c.mu.Unlock()
}

// Outstanding returns the current global record count.
func (c *Controller) Outstanding() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// OverSoft reports whether the count is at or above the soft limit.
func (c *Controller) OverSoft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count >= c.soft
}

// HardLimit returns the configured hard limit.
func (c *Controller) HardLimit() int64 { return c.hard }

// SoftLimit returns the configured soft limit.
func (c *Controller) SoftLimit() int64 { return c.soft }
