// Package allocator decides which of many binding controllers may keep their
// handles bound at the same time.
package allocator

import (
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

// HookPosPass triggers after every admission pass. The Detail is a Pass.
var HookPosPass = &hooking.HookPos{Name: "AllocatorPass"}

// Pass summarizes one admission pass.
type Pass struct {
	Time       timing.VTimeInSec
	Cap        int
	Controlled int
	Permitted  int
	Bound      int
}

// An Allocator owns controllers and grants binding permission to at most
// MaxBound of them, chosen by priority.
//
// Like the controllers, an Allocator is only used from its engine's
// scheduling context.
type Allocator struct {
	hooking.HookableBase

	name     string
	engine   timing.EventScheduler
	template binding.Builder
	probe    PressureProbe
	log      logr.Logger

	maxBound        int
	reducedMaxBound int
	memoryPressure  bool

	controllers []*binding.Controller
	byID        map[string]*binding.Controller

	recalculatePending bool
	passes             int
}

type recalculateEvent struct {
	*timing.EventBase
}

// Name returns the name of the allocator.
func (a *Allocator) Name() string {
	return a.name
}

// Cap returns the number of controllers that may currently be bound.
func (a *Allocator) Cap() int {
	if a.memoryPressure {
		return a.reducedMaxBound
	}

	return a.maxBound
}

// MemoryPressure tells if the reduced cap is in effect.
func (a *Allocator) MemoryPressure() bool {
	return a.memoryPressure
}

// Passes returns how many admission passes have run.
func (a *Allocator) Passes() int {
	return a.passes
}

// Manage builds a controller for h and starts allocating for it. Managing the
// same handle ID twice returns the existing controller.
func (a *Allocator) Manage(h binding.Handle) *binding.Controller {
	if c, ok := a.byID[h.ID()]; ok {
		a.log.Info("handle already managed", "handle", h.ID())
		return c
	}

	c := a.template.
		WithEngine(a.engine).
		WithAllocator(a).
		Build("", h)

	a.controllers = append(a.controllers, c)
	a.byID[h.ID()] = c

	a.Recalculate()

	return c
}

// Release destroys the controller of a handle and stops allocating for it.
func (a *Allocator) Release(handleID string) error {
	c, ok := a.byID[handleID]
	if !ok {
		return fmt.Errorf("handle %s is not managed by %s", handleID, a.name)
	}

	delete(a.byID, handleID)

	for i, managed := range a.controllers {
		if managed == c {
			a.controllers = append(a.controllers[:i], a.controllers[i+1:]...)
			break
		}
	}

	c.Destroy()
	a.Recalculate()

	return nil
}

// Controller returns the controller of a handle, if managed.
func (a *Allocator) Controller(handleID string) (*binding.Controller, bool) {
	c, ok := a.byID[handleID]
	return c, ok
}

// Controllers returns the managed controllers in the order they were added.
func (a *Allocator) Controllers() []*binding.Controller {
	list := make([]*binding.Controller, len(a.controllers))
	copy(list, a.controllers)

	return list
}

// Recalculate requests an admission pass. Requests made before the pass runs
// are merged into one pass, which runs after all the events of the current
// time.
func (a *Allocator) Recalculate() {
	if a.recalculatePending {
		return
	}

	a.recalculatePending = true
	a.engine.Schedule(recalculateEvent{
		EventBase: timing.NewSecondaryEventBase(a.engine.Now(), a),
	})
}

// Handle runs the scheduled admission pass.
func (a *Allocator) Handle(e timing.Event) error {
	switch e.(type) {
	case recalculateEvent:
		a.recalculatePending = false
		a.RecalculateNow()
	default:
		return fmt.Errorf("allocator %s cannot handle event of type %T",
			a.name, e)
	}

	return nil
}

// RecalculateNow runs an admission pass immediately. Every controller gets a
// fresh priority. When more controllers exist than the cap allows, the
// lowest ranked ones lose their permission before the highest ranked ones
// gain it, so the number of bound handles never exceeds the cap.
func (a *Allocator) RecalculateNow() {
	now := a.engine.Now()
	limit := a.Cap()

	ranked := make([]*binding.Controller, len(a.controllers))
	copy(ranked, a.controllers)

	for _, c := range ranked {
		c.ComputePriority(now)
	}

	if len(ranked) > limit {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Priority() > ranked[j].Priority()
		})

		for _, c := range ranked[limit:] {
			c.SetPermitted(false)
		}

		ranked = ranked[:limit]
	}

	for _, c := range ranked {
		c.SetPermitted(true)
	}

	a.passes++
	a.reportPass(now, limit)
}

func (a *Allocator) reportPass(now timing.VTimeInSec, limit int) {
	pass := Pass{
		Time:       now,
		Cap:        limit,
		Controlled: len(a.controllers),
	}

	for _, c := range a.controllers {
		if c.Permitted() {
			pass.Permitted++
		}

		if c.Bound() {
			pass.Bound++
		}
	}

	a.log.V(1).Info("admission pass",
		"cap", pass.Cap,
		"controlled", pass.Controlled,
		"permitted", pass.Permitted,
		"bound", pass.Bound)

	if a.NumHooks() == 0 {
		return
	}

	a.InvokeHook(hooking.HookCtx{
		Domain: a,
		Pos:    HookPosPass,
		Item:   a,
		Detail: pass,
	})
}

// SetMemoryPressure switches between the normal and the reduced cap.
func (a *Allocator) SetMemoryPressure(underPressure bool) {
	if a.memoryPressure == underPressure {
		return
	}

	a.memoryPressure = underPressure
	a.log.Info("memory pressure changed",
		"underPressure", underPressure, "cap", a.Cap())

	a.Recalculate()
}

// CheckMemoryPressure asks the probe whether the system is low on memory and
// applies the answer. Without a probe it does nothing.
func (a *Allocator) CheckMemoryPressure() error {
	if a.probe == nil {
		return nil
	}

	underPressure, err := a.probe.UnderPressure()
	if err != nil {
		return fmt.Errorf("checking memory pressure: %w", err)
	}

	a.SetMemoryPressure(underPressure)

	return nil
}
