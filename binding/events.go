package binding

import (
	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

// HookPosBind triggers after a controller binds its handle.
var HookPosBind = &hooking.HookPos{Name: "Bind"}

// HookPosUnbind triggers after a controller unbinds its handle.
var HookPosUnbind = &hooking.HookPos{Name: "Unbind"}

// HookPosBindFailed triggers when the connector rejects a bind.
var HookPosBindFailed = &hooking.HookPos{Name: "BindFailed"}

// HookPosPermission triggers when the allocator grants or revokes.
var HookPosPermission = &hooking.HookPos{Name: "Permission"}

// HookPosRequest triggers when the external request changes.
var HookPosRequest = &hooking.HookPos{Name: "Request"}

// HookPosPriority triggers after a priority is computed.
var HookPosPriority = &hooking.HookPos{Name: "Priority"}

// Transition is the Detail of every hook a controller invokes. It is a
// snapshot taken right after the change.
type Transition struct {
	Time      timing.VTimeInSec
	Name      string
	HandleID  string
	Mode      Mode
	Requested bool
	Permitted bool
	Bound     bool
	JustBound bool
	Priority  int
}

// justBoundOverEvent ends the minimum bind window of one bind generation.
type justBoundOverEvent struct {
	*timing.EventBase
	gen uint64
}

// delayedUnbindEvent releases a handle that stopped being requested.
type delayedUnbindEvent struct {
	*timing.EventBase
	gen uint64
}

// timer tracks one kind of deferred action. Arming or cancelling moves to a
// new generation, so an event carrying an older generation is stale when it
// fires.
type timer struct {
	gen   uint64
	armed bool
}

func (t *timer) arm() uint64 {
	t.gen++
	t.armed = true

	return t.gen
}

func (t *timer) cancel() {
	t.gen++
	t.armed = false
}

// fire reports whether an event of generation gen is still current, and
// disarms the timer if so.
func (t *timer) fire(gen uint64) bool {
	if !t.armed || gen != t.gen {
		return false
	}

	t.armed = false

	return true
}

func (t *timer) pending() bool {
	return t.armed
}
