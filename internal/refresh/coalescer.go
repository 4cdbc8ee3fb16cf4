package refresh

import (
	"context"
	"log"
	"sync"

	"github.com/NikhilThakur3536/newmarketplace-sub000/internal/observability"
)

// Func is the refetch a Coalescer runs.
type Func func(ctx context.Context) error

// Coalescer runs fn with at most one call in flight. Requests that arrive
// while a run is in flight set a rerun flag, so exactly one more run follows
// no matter how many requests were folded into it. Nothing is dropped and no
// timer is involved.
type Coalescer struct {
	name string
	fn   Func
	base context.Context

	mu      sync.Mutex
	running bool
	rerun   bool
	idle    chan struct{}
	lastErr error
}

// New returns a Coalescer whose runs derive their context from base.
func New(base context.Context, name string, fn Func) *Coalescer {
	if base == nil {
		base = context.Background()
	}
	idle := make(chan struct{})
	close(idle)
	return &Coalescer{name: name, fn: fn, base: base, idle: idle}
}

// Request schedules a run. It reports whether a new run was started (false
// means the request was folded into the in-flight one).
func (c *Coalescer) Request() bool {
	c.mu.Lock()
	if c.running {
		c.rerun = true
		c.mu.Unlock()
		observability.IncRefreshCoalesced(c.name)
		return false
	}
	c.running = true
	c.idle = make(chan struct{})
	c.mu.Unlock()

	go c.loop()
	return true
}

func (c *Coalescer) loop() {
	for {
		if c.base.Err() != nil {
			c.finish(c.base.Err())
			return
		}
		observability.IncRefreshRun(c.name)
		err := c.fn(c.base)
		if err != nil {
			log.Printf("refresh %s failed: %v", c.name, err)
		}

		c.mu.Lock()
		c.lastErr = err
		if !c.rerun {
			c.running = false
			close(c.idle)
			c.mu.Unlock()
			return
		}
		c.rerun = false
		c.mu.Unlock()
	}
}

func (c *Coalescer) finish(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.rerun = false
	c.running = false
	close(c.idle)
	c.mu.Unlock()
}

// Wait blocks until no run is in flight or pending, then returns the error of
// the last run.
func (c *Coalescer) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Busy reports whether a run is in flight.
func (c *Coalescer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
