// Package binding decides when a single handle should be connected to its
// provider. A Controller records the external request and the allocator's
// permission, applies a minimum hold time after every bind and a delay before
// releasing an unrequested handle, and reports a priority the allocator uses
// to choose which controllers stay bound.
//
// A Controller is not safe for concurrent use. All of its methods must be
// called from the engine it was built with, either from event handlers or
// through the engine's Invoke.
package binding

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

const (
	// PriorityMax is reserved for handles with a pending user action.
	PriorityMax = math.MaxInt32

	// PriorityMin is given to handles that are not requested.
	PriorityMin = math.MinInt32

	// PriorityShowingUI keeps handles that show UI bound.
	PriorityShowingUI = PriorityMax - 1

	// PriorityJustBound protects freshly bound handles from eviction.
	PriorityJustBound = PriorityMax - 2

	// PriorityIdleCap is the highest priority idle time can earn.
	PriorityIdleCap = PriorityMax - 3
)

// ErrDestroyed is returned by operations on a destroyed controller.
var ErrDestroyed = errors.New("controller destroyed")

// A Controller manages the binding of one handle.
type Controller struct {
	hooking.HookableBase

	name      string
	handle    Handle
	engine    timing.EventScheduler
	connector Connector
	prefs     Preferences
	allocator Allocator
	log       logr.Logger

	minBindDuration timing.VTimeInSec
	unbindDelay     timing.VTimeInSec

	mode         Mode
	requested    bool
	permitted    bool
	bound        bool
	justBound    bool
	showingUI    bool
	destroyed    bool
	lastActivity timing.VTimeInSec
	priority     int

	holdTimer   timer
	unbindTimer timer
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// HandleID returns the identity of the managed handle.
func (c *Controller) HandleID() string {
	return c.handle.ID()
}

// Target returns the managed handle.
func (c *Controller) Target() Handle {
	return c.handle
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Requested tells if something currently needs the handle.
func (c *Controller) Requested() bool {
	return c.requested
}

// Permitted tells if the allocator allows the handle to be bound.
func (c *Controller) Permitted() bool {
	return c.permitted
}

// Bound tells if the handle is connected.
func (c *Controller) Bound() bool {
	return c.bound
}

// JustBound tells if the controller is inside its minimum bind window.
func (c *Controller) JustBound() bool {
	return c.justBound
}

// ShowingUI tells if the handle reported visible UI.
func (c *Controller) ShowingUI() bool {
	return c.showingUI
}

// LastActivity returns the time of the last recorded activity.
func (c *Controller) LastActivity() timing.VTimeInSec {
	return c.lastActivity
}

// Priority returns the value of the last ComputePriority call.
func (c *Controller) Priority() int {
	return c.priority
}

// UnbindPending tells if a delayed unbind is waiting to fire.
func (c *Controller) UnbindPending() bool {
	return c.unbindTimer.pending()
}

// Destroyed tells if Destroy has been called.
func (c *Controller) Destroyed() bool {
	return c.destroyed
}

// SetRequested records whether something needs the handle. A handle that
// stops being requested while bound is released after the unbind delay,
// unless it is requested again first.
func (c *Controller) SetRequested(requested bool) {
	if c.rejectAfterDestroy("SetRequested") {
		return
	}

	if c.requested == requested {
		return
	}

	c.requested = requested
	if requested {
		c.unbindTimer.cancel()
	}

	c.invokeHook(HookPosRequest)

	if c.permitted && c.requested && !c.bound {
		c.bind()
	} else {
		c.allocator.Recalculate()
	}

	if c.bound && !c.requested {
		c.scheduleDelayedUnbind()
	}
}

// SetPermitted applies the allocator's decision. Revoking always unbinds
// right away.
func (c *Controller) SetPermitted(permitted bool) {
	if c.rejectAfterDestroy("SetPermitted") {
		return
	}

	// A handle bound at construction holds no permission yet, so a
	// repeated revoke still has to release it.
	if c.permitted == permitted && (permitted || !c.bound) {
		return
	}

	c.permitted = permitted
	c.invokeHook(HookPosPermission)

	switch {
	case !c.permitted && c.bound:
		c.unbindTimer.cancel()
		c.unbind()
	case c.permitted && c.requested && !c.bound:
		c.bind()
	}
}

// SetMode persists a new mode and asks the allocator to reconsider. The
// local mode is left unchanged when persisting fails.
func (c *Controller) SetMode(mode Mode) error {
	if c.rejectAfterDestroy("SetMode") {
		return ErrDestroyed
	}

	err := c.prefs.SetMode(c.handle.ID(), mode)
	if err != nil {
		return fmt.Errorf("persisting mode of %s: %w", c.handle.ID(), err)
	}

	c.mode = mode
	c.allocator.Recalculate()

	return nil
}

// RecordActivity records that the handle produced visible work at t. An
// active-mode handle is released once it has delivered an update.
func (c *Controller) RecordActivity(t timing.VTimeInSec) {
	if c.rejectAfterDestroy("RecordActivity") {
		return
	}

	c.lastActivity = t

	if c.bound && c.mode == ModeActive {
		c.handle.OnStopListening()
		c.SetRequested(false)
	}

	c.allocator.Recalculate()
}

// SetShowingUI records whether the handle shows UI that must not disappear.
func (c *Controller) SetShowingUI(showing bool) {
	c.showingUI = showing
}

// ComputePriority ranks the controller for the allocator. The first matching
// rule wins: pending user action, showing UI, inside the minimum bind window,
// not requested. Otherwise the priority grows with the milliseconds elapsed
// since the last activity, capped at PriorityIdleCap.
func (c *Controller) ComputePriority(now timing.VTimeInSec) int {
	var p int

	switch {
	case c.destroyed:
		p = PriorityMin
	case c.handle.HasPendingUserAction():
		p = PriorityMax
	case c.showingUI:
		p = PriorityShowingUI
	case c.justBound:
		p = PriorityJustBound
	case !c.requested:
		p = PriorityMin
	default:
		p = idlePriority(now - c.lastActivity)
	}

	c.priority = p
	c.invokeHook(HookPosPriority)

	return p
}

func idlePriority(idle timing.VTimeInSec) int {
	ms := timing.Millis(idle)

	switch {
	case ms < 0:
		return 0
	case ms > PriorityIdleCap:
		return PriorityIdleCap
	default:
		return int(ms)
	}
}

// Destroy releases the handle and invalidates all pending timers. The
// controller ignores further changes.
func (c *Controller) Destroy() {
	if c.destroyed {
		return
	}

	c.holdTimer.cancel()
	c.unbindTimer.cancel()

	if c.bound {
		c.unbind()
	}

	c.destroyed = true
	c.handle.OnDestroy()
}

// Handle processes the controller's own deferred events.
func (c *Controller) Handle(e timing.Event) error {
	switch evt := e.(type) {
	case *justBoundOverEvent:
		c.handleJustBoundOver(evt)
	case *delayedUnbindEvent:
		c.handleDelayedUnbind(evt)
	default:
		return fmt.Errorf("controller %s cannot handle event of type %T",
			c.name, e)
	}

	return nil
}

func (c *Controller) handleJustBoundOver(evt *justBoundOverEvent) {
	if !c.holdTimer.fire(evt.gen) {
		return
	}

	c.justBound = false
	c.allocator.Recalculate()
}

func (c *Controller) handleDelayedUnbind(evt *delayedUnbindEvent) {
	if !c.unbindTimer.fire(evt.gen) {
		return
	}

	if c.bound && !c.requested {
		c.unbind()
	}
}

func (c *Controller) scheduleDelayedUnbind() {
	gen := c.unbindTimer.arm()
	evt := &delayedUnbindEvent{
		EventBase: timing.NewEventBase(c.engine.Now()+c.unbindDelay, c),
		gen:       gen,
	}
	c.engine.Schedule(evt)
}

func (c *Controller) bind() {
	if c.bound {
		c.log.Error(nil, "handle already bound")
		return
	}

	c.bound = true
	c.justBound = true

	gen := c.holdTimer.arm()
	c.engine.Schedule(&justBoundOverEvent{
		EventBase: timing.NewEventBase(c.engine.Now()+c.minBindDuration, c),
		gen:       gen,
	})

	err := c.connector.Bind(c.handle)
	if err != nil {
		c.log.Error(err, "bind failed, rolling back")

		c.bound = false
		c.justBound = false
		c.holdTimer.cancel()

		c.invokeHook(HookPosBindFailed)
		c.allocator.Recalculate()

		return
	}

	c.log.V(1).Info("bound")
	c.invokeHook(HookPosBind)
}

func (c *Controller) unbind() {
	if !c.bound {
		c.log.Error(nil, "handle not bound")
		return
	}

	c.bound = false
	c.justBound = false
	c.holdTimer.cancel()

	err := c.connector.Unbind(c.handle)
	if err != nil {
		c.log.Error(err, "unbind failed, treating handle as released")
	}

	c.log.V(1).Info("unbound")
	c.invokeHook(HookPosUnbind)
}

func (c *Controller) rejectAfterDestroy(op string) bool {
	if !c.destroyed {
		return false
	}

	c.log.Error(ErrDestroyed, "ignoring call", "op", op)

	return true
}

// Snapshot returns the current state as a Transition.
func (c *Controller) Snapshot() Transition {
	return Transition{
		Time:      c.engine.Now(),
		Name:      c.name,
		HandleID:  c.handle.ID(),
		Mode:      c.mode,
		Requested: c.requested,
		Permitted: c.permitted,
		Bound:     c.bound,
		JustBound: c.justBound,
		Priority:  c.priority,
	}
}

func (c *Controller) invokeHook(pos *hooking.HookPos) {
	if c.NumHooks() == 0 {
		return
	}

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    pos,
		Item:   c,
		Detail: c.Snapshot(),
	})
}
