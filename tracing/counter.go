package tracing

import (
	"sync"

	"github.com/sarchlab/bindctl/sim/hooking"
)

// A PositionCounter counts how many times each hook position fired.
type PositionCounter struct {
	lock   sync.Mutex
	names  []string
	counts map[string]uint64
}

// NewPositionCounter creates a new PositionCounter.
func NewPositionCounter() *PositionCounter {
	return &PositionCounter{counts: make(map[string]uint64)}
}

// Func counts the position of ctx.
func (c *PositionCounter) Func(ctx hooking.HookCtx) {
	c.lock.Lock()
	defer c.lock.Unlock()

	name := ctx.Pos.Name
	if _, ok := c.counts[name]; !ok {
		c.names = append(c.names, name)
	}

	c.counts[name]++
}

// Names returns the positions seen, in the order they first fired.
func (c *PositionCounter) Names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := make([]string, len(c.names))
	copy(names, c.names)

	return names
}

// Count returns how many times the named position fired.
func (c *PositionCounter) Count(name string) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[name]
}
