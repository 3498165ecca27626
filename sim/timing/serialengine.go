package timing

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/sarchlab/bindctl/sim/hooking"
)

// A SerialEngine is an Engine that always run events one after another on a
// virtual timeline. Time only moves when an event is handled or when RunUntil
// is asked to advance it.
type SerialEngine struct {
	hooking.HookableBase

	timeLock       sync.RWMutex
	time           VTimeInSec
	queue          EventQueue
	secondaryQueue EventQueue

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex
	handleLock    sync.Mutex
}

// NewSerialEngine creates a SerialEngine
func NewSerialEngine() *SerialEngine {
	e := new(SerialEngine)

	e.queue = NewEventQueue()
	e.secondaryQueue = NewEventQueue()

	return e
}

// Schedule register an event to be happen in the future
func (e *SerialEngine) Schedule(evt Event) {
	now := e.readNow()
	if evt.Time() < now {
		panic(fmt.Sprintf(
			"scheduling an event earlier than current time, evt %s @ %.10f, now %.10f",
			reflect.TypeOf(evt), evt.Time(), now,
		))
	}

	if evt.IsSecondary() {
		e.secondaryQueue.Push(evt)
		return
	}

	e.queue.Push(evt)
}

func (e *SerialEngine) readNow() VTimeInSec {
	e.timeLock.RLock()
	t := e.time
	e.timeLock.RUnlock()

	return t
}

func (e *SerialEngine) writeNow(t VTimeInSec) {
	e.timeLock.Lock()
	e.time = t
	e.timeLock.Unlock()
}

// Run processes all the events scheduled in the SerialEngine
func (e *SerialEngine) Run() error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for !e.noMoreEvent() {
		e.runOne()
	}

	return nil
}

// RunUntil processes every event scheduled at or before t, then moves the
// current time to t. Events scheduled by handlers are processed too, as long
// as they are not later than t.
func (e *SerialEngine) RunUntil(t VTimeInSec) error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	if t < e.readNow() {
		return fmt.Errorf("cannot run until %.10f, already at %.10f",
			t, e.readNow())
	}

	for {
		next, ok := peekNext(e.queue, e.secondaryQueue)
		if !ok || next.Time() > t {
			break
		}

		e.runOne()
	}

	e.writeNow(t)

	return nil
}

func (e *SerialEngine) runOne() {
	e.pauseLock.Lock()
	defer e.pauseLock.Unlock()

	evt := pickNext(e.queue, e.secondaryQueue)
	now := e.readNow()

	if evt.Time() < now {
		panic(fmt.Sprintf(
			"cannot run event in the past, evt %s @ %.10f, now %.10f",
			reflect.TypeOf(evt), evt.Time(), now,
		))
	}

	e.writeNow(evt.Time())

	e.handleLock.Lock()
	defer e.handleLock.Unlock()

	hookCtx := hooking.HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	handler := evt.Handler()
	_ = handler.Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)
}

func (e *SerialEngine) noMoreEvent() bool {
	return e.queue.Len() == 0 && e.secondaryQueue.Len() == 0
}

// Invoke runs fn while no event is being handled. It must not be called from
// inside an event handler.
func (e *SerialEngine) Invoke(fn func()) {
	e.handleLock.Lock()
	defer e.handleLock.Unlock()

	fn()
}

// Pause prevents the SerialEngine to trigger more events.
func (e *SerialEngine) Pause() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if e.isPaused {
		return
	}

	e.pauseLock.Lock()
	e.isPaused = true
}

// Continue allows the SerialEngine to trigger more events.
func (e *SerialEngine) Continue() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if !e.isPaused {
		return
	}

	e.pauseLock.Unlock()
	e.isPaused = false
}

// Now returns the current time at which the engine is at.
// Specifically, the run time of the current event.
func (e *SerialEngine) Now() VTimeInSec {
	return e.readNow()
}

// Pending returns the number of events that have not been handled yet.
func (e *SerialEngine) Pending() int {
	return e.queue.Len() + e.secondaryQueue.Len()
}
