package timing

import (
	"context"
	"sync"
	"time"

	"github.com/sarchlab/bindctl/sim/hooking"
)

// A RealTimeEngine handles events when the wall clock reaches their time.
// Time zero is the moment the engine is created. Schedule may be called from
// any goroutine; handlers and Invoke never run concurrently.
//
// Events that are already due when scheduled are handled as soon as
// possible.
type RealTimeEngine struct {
	hooking.HookableBase

	start time.Time
	clock func() time.Time

	queueLock      sync.Mutex
	queue          EventQueue
	secondaryQueue EventQueue

	wake chan struct{}

	pausedLock sync.Mutex
	paused     bool

	handleLock sync.Mutex
}

// NewRealTimeEngine creates a RealTimeEngine whose time zero is now.
func NewRealTimeEngine() *RealTimeEngine {
	return newRealTimeEngineWithClock(time.Now)
}

func newRealTimeEngineWithClock(clock func() time.Time) *RealTimeEngine {
	e := &RealTimeEngine{
		clock:          clock,
		queue:          NewEventQueue(),
		secondaryQueue: NewEventQueue(),
		wake:           make(chan struct{}, 1),
	}
	e.start = clock()

	return e
}

// Now returns the seconds elapsed since the engine was created.
func (e *RealTimeEngine) Now() VTimeInSec {
	return FromDuration(e.clock().Sub(e.start))
}

// Schedule registers an event and wakes the loop if the event is earlier
// than anything it is waiting for.
func (e *RealTimeEngine) Schedule(evt Event) {
	e.queueLock.Lock()
	if evt.IsSecondary() {
		e.secondaryQueue.Push(evt)
	} else {
		e.queue.Push(evt)
	}
	e.queueLock.Unlock()

	e.notify()
}

func (e *RealTimeEngine) notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run handles events until ctx is done.
func (e *RealTimeEngine) Run(ctx context.Context) error {
	for {
		wait, due := e.nextWait()

		if due && !e.isPaused() {
			e.runOne()
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time

		if wait > 0 && !e.isPaused() {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-e.wake:
		case <-timeout:
		}

		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// nextWait reports how long until the earliest event is due. due is true
// when it should be handled now. A zero wait with due false means the queue
// is empty.
func (e *RealTimeEngine) nextWait() (wait time.Duration, due bool) {
	e.queueLock.Lock()
	next, ok := peekNext(e.queue, e.secondaryQueue)
	e.queueLock.Unlock()

	if !ok {
		return 0, false
	}

	wait = ToDuration(next.Time() - e.Now())
	if wait <= 0 {
		return 0, true
	}

	return wait, false
}

func (e *RealTimeEngine) runOne() {
	e.queueLock.Lock()
	evt := pickNext(e.queue, e.secondaryQueue)
	e.queueLock.Unlock()

	e.handleLock.Lock()
	defer e.handleLock.Unlock()

	hookCtx := hooking.HookCtx{
		Domain: e,
		Pos:    HookPosBeforeEvent,
		Item:   evt,
	}
	e.InvokeHook(hookCtx)

	_ = evt.Handler().Handle(evt)

	hookCtx.Pos = HookPosAfterEvent
	e.InvokeHook(hookCtx)
}

// Invoke runs fn while no event is being handled. It must not be called from
// inside an event handler.
func (e *RealTimeEngine) Invoke(fn func()) {
	e.handleLock.Lock()
	defer e.handleLock.Unlock()

	fn()
}

// Pause stops the loop from handling more events. Events that become due
// while paused are handled after Continue.
func (e *RealTimeEngine) Pause() {
	e.pausedLock.Lock()
	e.paused = true
	e.pausedLock.Unlock()
}

// Continue resumes a paused engine.
func (e *RealTimeEngine) Continue() {
	e.pausedLock.Lock()
	e.paused = false
	e.pausedLock.Unlock()

	e.notify()
}

func (e *RealTimeEngine) isPaused() bool {
	e.pausedLock.Lock()
	defer e.pausedLock.Unlock()

	return e.paused
}

// Pending returns the number of events that have not been handled yet.
func (e *RealTimeEngine) Pending() int {
	e.queueLock.Lock()
	defer e.queueLock.Unlock()

	return e.queue.Len() + e.secondaryQueue.Len()
}
