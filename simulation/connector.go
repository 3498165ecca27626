package simulation

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/binding"
)

// CountingConnector pretends to connect handles. It remembers which handles
// are connected and the largest number connected at once.
type CountingConnector struct {
	mu  sync.Mutex
	log logr.Logger

	bound   map[string]bool
	failing map[string]bool

	binds   int
	unbinds int
	failed  int
	peak    int
}

// NewCountingConnector creates a CountingConnector.
func NewCountingConnector(log logr.Logger) *CountingConnector {
	return &CountingConnector{
		log:     log.WithName("connector"),
		bound:   make(map[string]bool),
		failing: make(map[string]bool),
	}
}

// SetFailing makes every bind of the handle fail until cleared.
func (c *CountingConnector) SetFailing(handleID string, failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failing[handleID] = failing
}

// Bind connects the handle.
func (c *CountingConnector) Bind(h binding.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing[h.ID()] {
		c.failed++
		return fmt.Errorf("provider of %s refused the connection", h.ID())
	}

	if c.bound[h.ID()] {
		return fmt.Errorf("%s is already connected", h.ID())
	}

	c.bound[h.ID()] = true
	c.binds++

	if len(c.bound) > c.peak {
		c.peak = len(c.bound)
	}

	c.log.V(2).Info("connected", "handle", h.ID(), "connected", len(c.bound))

	return nil
}

// Unbind disconnects the handle.
func (c *CountingConnector) Unbind(h binding.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound[h.ID()] {
		return fmt.Errorf("%s is not connected", h.ID())
	}

	delete(c.bound, h.ID())
	c.unbinds++

	c.log.V(2).Info("disconnected", "handle", h.ID(), "connected", len(c.bound))

	return nil
}

// Connected tells if a handle is connected.
func (c *CountingConnector) Connected(handleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.bound[handleID]
}

// Stats returns the counters.
func (c *CountingConnector) Stats() (binds, unbinds, failed, peak int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.binds, c.unbinds, c.failed, c.peak
}
