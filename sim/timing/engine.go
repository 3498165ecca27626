package timing

import (
	"github.com/sarchlab/bindctl/sim/hooking"
)

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTimeInSec
}

// EventScheduler can be used to schedule future events.
type EventScheduler interface {
	TimeTeller

	Schedule(e Event)
}

// Invoker runs a function inside the scheduling context, never concurrently
// with an event handler.
type Invoker interface {
	Invoke(fn func())
}

// An Engine owns the single timeline on which all the controllers make their
// decisions. Events are handled one at a time.
type Engine interface {
	hooking.Hookable
	EventScheduler
	Invoker

	// Pause will pause the engine until continue is called.
	Pause()

	// Continue will continue the paused engine.
	Continue()
}
