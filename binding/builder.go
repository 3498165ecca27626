package binding

import (
	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

const (
	// DefaultMinBindDuration is how long a controller stays protected from
	// eviction after a bind.
	DefaultMinBindDuration timing.VTimeInSec = 5

	// DefaultUnbindDelay is how long a bound but unrequested handle is kept
	// before it is released.
	DefaultUnbindDelay timing.VTimeInSec = 30
)

// Builder can help building Controllers.
type Builder struct {
	engine          timing.EventScheduler
	connector       Connector
	prefs           Preferences
	allocator       Allocator
	logger          logr.Logger
	minBindDuration timing.VTimeInSec
	unbindDelay     timing.VTimeInSec
	hooks           []hooking.Hook
}

// MakeBuilder returns a Builder with the default durations.
func MakeBuilder() Builder {
	return Builder{
		logger:          logr.Discard(),
		minBindDuration: DefaultMinBindDuration,
		unbindDelay:     DefaultUnbindDelay,
	}
}

// WithEngine sets the engine that runs the controller's deferred actions.
func (b Builder) WithEngine(e timing.EventScheduler) Builder {
	b.engine = e
	return b
}

// WithConnector sets the connector that binds and unbinds handles.
func (b Builder) WithConnector(c Connector) Builder {
	b.connector = c
	return b
}

// WithPreferences sets where modes are persisted.
func (b Builder) WithPreferences(p Preferences) Builder {
	b.prefs = p
	return b
}

// WithAllocator sets the allocator to notify about admission changes.
func (b Builder) WithAllocator(a Allocator) Builder {
	b.allocator = a
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(l logr.Logger) Builder {
	b.logger = l
	return b
}

// WithMinBindDuration sets the minimum bind window.
func (b Builder) WithMinBindDuration(d timing.VTimeInSec) Builder {
	b.minBindDuration = d
	return b
}

// WithUnbindDelay sets the delay before an unrequested handle is released.
func (b Builder) WithUnbindDelay(d timing.VTimeInSec) Builder {
	b.unbindDelay = d
	return b
}

// WithHooks sets hooks to attach to every controller built. They are
// attached before the controller binds for the first time.
func (b Builder) WithHooks(hooks ...hooking.Hook) Builder {
	b.hooks = append([]hooking.Hook(nil), hooks...)
	return b
}

func (b Builder) parametersMustBeValid() {
	if b.engine == nil {
		panic("engine is not set")
	}

	if b.connector == nil {
		panic("connector is not set")
	}

	if b.prefs == nil {
		panic("preferences is not set")
	}

	if b.allocator == nil {
		panic("allocator is not set")
	}

	if b.minBindDuration < 0 || b.unbindDelay < 0 {
		panic("durations must not be negative")
	}
}

// Build creates a controller for h. The mode is loaded from the preferences;
// a handle without a stored mode is bound immediately so that it can report
// one.
func (b Builder) Build(name string, h Handle) *Controller {
	b.parametersMustBeValid()

	if name == "" {
		name = h.ID()
	}

	c := &Controller{
		name:            name,
		handle:          h,
		engine:          b.engine,
		connector:       b.connector,
		prefs:           b.prefs,
		allocator:       b.allocator,
		log:             b.logger.WithName("binding").WithValues("handle", h.ID()),
		minBindDuration: b.minBindDuration,
		unbindDelay:     b.unbindDelay,
	}

	for _, hook := range b.hooks {
		c.AcceptHook(hook)
	}

	mode, err := b.prefs.Mode(h.ID())
	if err != nil {
		c.log.Error(err, "loading mode, falling back to unset")
		mode = ModeUnset
	}

	c.mode = mode

	if c.mode == ModeUnset {
		c.bind()
		h.OnAdded()

		// Nothing requested this bind, so release it like any other
		// unrequested handle unless a request arrives in time.
		if c.bound && !c.requested {
			c.scheduleDelayedUnbind()
		}
	}

	return c
}
