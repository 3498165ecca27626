package simulation

import (
	"fmt"
	"math/rand"

	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/sim/timing"
)

// Action is one kind of thing a synthetic handle's user does.
type Action int

// Actions a workload picks from.
const (
	ActionToggleRequest Action = iota
	ActionActivity
	ActionToggleUI
	ActionTogglePending
)

func (a Action) String() string {
	switch a {
	case ActionToggleRequest:
		return "toggle-request"
	case ActionActivity:
		return "activity"
	case ActionToggleUI:
		return "toggle-ui"
	case ActionTogglePending:
		return "toggle-pending"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// A Workload drives a population of synthetic handles with random actions.
// Every handle acts at exponentially distributed intervals. Given the same
// seed and the same simulation settings, a workload on a virtual-time engine
// always produces the same run.
type Workload struct {
	sim *Simulation
	rng *rand.Rand

	handles     []*SyntheticHandle
	controllers []*binding.Controller

	meanGap timing.VTimeInSec
	end     timing.VTimeInSec
	weights [4]int
	counts  map[Action]int
}

type workloadEvent struct {
	*timing.EventBase
	index int
}

// NewWorkload creates n synthetic handles named prefix.0, prefix.1, ... and
// adds them to s. Each handle reports passive or active mode at random.
func NewWorkload(s *Simulation, seed int64, n int, prefix string) *Workload {
	w := &Workload{
		sim:     s,
		rng:     rand.New(rand.NewSource(seed)),
		meanGap: 20,
		weights: [4]int{50, 30, 10, 10},
		counts:  make(map[Action]int),
	}

	s.engine.Invoke(func() {
		for i := 0; i < n; i++ {
			mode := binding.ModePassive
			if w.rng.Intn(2) == 0 {
				mode = binding.ModeActive
			}

			h := NewSyntheticHandle(fmt.Sprintf("%s.%d", prefix, i), mode)

			w.handles = append(w.handles, h)
			w.controllers = append(w.controllers, s.AddHandle(h))
		}
	})

	return w
}

// WithMeanGap sets the mean time between two actions of the same handle.
func (w *Workload) WithMeanGap(gap timing.VTimeInSec) *Workload {
	w.meanGap = gap
	return w
}

// Handles returns the handles of the workload.
func (w *Workload) Handles() []*SyntheticHandle {
	return w.handles
}

// Controllers returns the controllers of the workload's handles.
func (w *Workload) Controllers() []*binding.Controller {
	return w.controllers
}

// Counts returns how many times each action ran.
func (w *Workload) Counts() map[Action]int {
	counts := make(map[Action]int, len(w.counts))
	for a, n := range w.counts {
		counts[a] = n
	}

	return counts
}

// Start schedules the first action of every handle. Actions stop at end.
func (w *Workload) Start(end timing.VTimeInSec) {
	w.sim.engine.Invoke(func() {
		w.end = end
		now := w.sim.engine.Now()

		for i := range w.handles {
			w.scheduleNext(i, now)
		}
	})
}

func (w *Workload) scheduleNext(index int, now timing.VTimeInSec) {
	next := now + w.rng.ExpFloat64()*w.meanGap
	if next > w.end {
		return
	}

	w.sim.engine.Schedule(workloadEvent{
		EventBase: timing.NewEventBase(next, w),
		index:     index,
	})
}

// Handle performs one action of a handle.
func (w *Workload) Handle(e timing.Event) error {
	evt, ok := e.(workloadEvent)
	if !ok {
		return fmt.Errorf("workload cannot handle event of type %T", e)
	}

	h := w.handles[evt.index]
	c := w.controllers[evt.index]

	if c.Destroyed() {
		return nil
	}

	w.reportModeIfUnset(h, c)

	action := w.pickAction()
	w.counts[action]++

	switch action {
	case ActionToggleRequest:
		c.SetRequested(!c.Requested())
	case ActionActivity:
		c.RecordActivity(evt.Time())
	case ActionToggleUI:
		c.SetShowingUI(!c.ShowingUI())
		w.sim.allocator.Recalculate()
	case ActionTogglePending:
		h.SetPendingUserAction(!h.HasPendingUserAction())
		w.sim.allocator.Recalculate()
	}

	w.scheduleNext(evt.index, evt.Time())

	return nil
}

// reportModeIfUnset stores the mode a handle declares once it has been bound
// for the first time.
func (w *Workload) reportModeIfUnset(h *SyntheticHandle, c *binding.Controller) {
	if c.Mode() != binding.ModeUnset {
		return
	}

	if added, _, _ := h.Notifications(); added == 0 {
		return
	}

	if err := c.SetMode(h.ReportedMode()); err != nil {
		w.sim.log.Error(err, "reporting mode", "handle", h.ID())
	}
}

func (w *Workload) pickAction() Action {
	total := 0
	for _, weight := range w.weights {
		total += weight
	}

	r := w.rng.Intn(total)
	for i, weight := range w.weights {
		if r < weight {
			return Action(i)
		}

		r -= weight
	}

	return ActionToggleRequest
}
