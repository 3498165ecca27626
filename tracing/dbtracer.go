// Package tracing observes controllers and allocators through hooks and keeps
// what they did.
package tracing

import (
	"sync"

	"github.com/sarchlab/bindctl/allocator"
	"github.com/sarchlab/bindctl/binding"
	"github.com/sarchlab/bindctl/datarecording"
	"github.com/sarchlab/bindctl/sim/hooking"
	"github.com/sarchlab/bindctl/sim/timing"
)

// Table names used by DBTracer.
const (
	TransitionTable = "binding_transition"
	PassTable       = "allocator_pass"
)

// TransitionEntry is one row of the transition table.
type TransitionEntry struct {
	Time       float64
	What       string
	Controller string
	HandleID   string
	Mode       string
	Requested  bool
	Permitted  bool
	Bound      bool
	JustBound  bool
	Priority   int
}

// PassEntry is one row of the allocator pass table.
type PassEntry struct {
	Time       float64
	Cap        int
	Controlled int
	Permitted  int
	Bound      int
}

// DBTracer is a hook that stores controller transitions and allocator passes
// into a data recorder. Attach it to every controller and allocator that
// should be traced.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder

	startTime, endTime timing.VTimeInSec

	skipPriority bool
	recorded     int
}

// NewDBTracer creates a tracer and the tables it writes to.
func NewDBTracer(backend datarecording.DataRecorder) *DBTracer {
	backend.CreateTable(TransitionTable, TransitionEntry{})
	backend.CreateTable(PassTable, PassEntry{})

	return &DBTracer{
		backend: backend,
		endTime: -1,
	}
}

// SetTimeRange limits recording to entries within [start, end]. A negative
// end means no upper limit.
func (t *DBTracer) SetTimeRange(start, end timing.VTimeInSec) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = start
	t.endTime = end
}

// SkipPriority stops recording the priority hooks, which fire on every
// allocator pass and dominate the table.
func (t *DBTracer) SkipPriority(skip bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.skipPriority = skip
}

// Recorded returns how many entries have been handed to the backend.
func (t *DBTracer) Recorded() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.recorded
}

// Func records the hook context if it carries a transition or a pass.
func (t *DBTracer) Func(ctx hooking.HookCtx) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch detail := ctx.Detail.(type) {
	case binding.Transition:
		if t.skipPriority && ctx.Pos == binding.HookPosPriority {
			return
		}

		if !t.inRange(detail.Time) {
			return
		}

		t.backend.InsertData(TransitionTable, TransitionEntry{
			Time:       detail.Time,
			What:       ctx.Pos.Name,
			Controller: detail.Name,
			HandleID:   detail.HandleID,
			Mode:       detail.Mode.String(),
			Requested:  detail.Requested,
			Permitted:  detail.Permitted,
			Bound:      detail.Bound,
			JustBound:  detail.JustBound,
			Priority:   detail.Priority,
		})
	case allocator.Pass:
		if !t.inRange(detail.Time) {
			return
		}

		t.backend.InsertData(PassTable, PassEntry(detail))
	default:
		return
	}

	t.recorded++
}

func (t *DBTracer) inRange(now timing.VTimeInSec) bool {
	if now < t.startTime {
		return false
	}

	if t.endTime >= 0 && now > t.endTime {
		return false
	}

	return true
}

// Flush writes the buffered entries.
func (t *DBTracer) Flush() {
	t.backend.Flush()
}
