package allocator

import (
	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/sim/timing"
)

const (
	// DefaultMaxBound is how many handles may be bound at once.
	DefaultMaxBound = 3

	// ReducedMaxBound is the cap while the system is low on memory.
	ReducedMaxBound = 1
)

// Builder can build Allocators.
type Builder struct {
	engine          timing.EventScheduler
	template        binding.Builder
	probe           PressureProbe
	logger          logr.Logger
	maxBound        int
	reducedMaxBound int
}

// MakeBuilder returns a Builder with the default caps.
func MakeBuilder() Builder {
	return Builder{
		template:        binding.MakeBuilder(),
		logger:          logr.Discard(),
		maxBound:        DefaultMaxBound,
		reducedMaxBound: ReducedMaxBound,
	}
}

// WithEngine sets the engine shared by the allocator and its controllers.
func (b Builder) WithEngine(e timing.EventScheduler) Builder {
	b.engine = e
	return b
}

// WithControllerBuilder sets the template used to build controllers. Its
// engine and allocator are replaced by the allocator's own.
func (b Builder) WithControllerBuilder(t binding.Builder) Builder {
	b.template = t
	return b
}

// WithMaxBound sets the normal cap.
func (b Builder) WithMaxBound(n int) Builder {
	b.maxBound = n
	return b
}

// WithReducedMaxBound sets the cap under memory pressure.
func (b Builder) WithReducedMaxBound(n int) Builder {
	b.reducedMaxBound = n
	return b
}

// WithPressureProbe sets how memory pressure is detected.
func (b Builder) WithPressureProbe(p PressureProbe) Builder {
	b.probe = p
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.logger = l
	return b
}

// Build creates an Allocator.
func (b Builder) Build(name string) *Allocator {
	if b.engine == nil {
		panic("engine is not set")
	}

	if b.maxBound < 0 || b.reducedMaxBound < 0 {
		panic("caps must not be negative")
	}

	if b.reducedMaxBound > b.maxBound {
		panic("reduced cap must not exceed the normal cap")
	}

	return &Allocator{
		name:            name,
		engine:          b.engine,
		template:        b.template,
		probe:           b.probe,
		log:             b.logger.WithName("allocator").WithValues("name", name),
		maxBound:        b.maxBound,
		reducedMaxBound: b.reducedMaxBound,
		byID:            make(map[string]*binding.Controller),
	}
}
