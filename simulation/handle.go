package simulation

import (
	"sync"

	"github.com/sarchlab/bindctl/binding"
)

// A SyntheticHandle stands in for an externally hosted unit of work. It
// counts the lifecycle notifications it receives.
type SyntheticHandle struct {
	mu sync.Mutex

	id            string
	reportedMode  binding.Mode
	pendingAction bool

	added     int
	stopped   int
	destroyed int
}

// NewSyntheticHandle creates a handle that reports reportedMode once it has
// been bound.
func NewSyntheticHandle(id string, reportedMode binding.Mode) *SyntheticHandle {
	return &SyntheticHandle{id: id, reportedMode: reportedMode}
}

// ID returns the identity of the handle.
func (h *SyntheticHandle) ID() string {
	return h.id
}

// ReportedMode is the mode the handle declares about itself.
func (h *SyntheticHandle) ReportedMode() binding.Mode {
	return h.reportedMode
}

// SetPendingUserAction marks an interaction that is not delivered yet.
func (h *SyntheticHandle) SetPendingUserAction(pending bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pendingAction = pending
}

// HasPendingUserAction reports the value set by SetPendingUserAction.
func (h *SyntheticHandle) HasPendingUserAction() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pendingAction
}

// OnAdded counts the notification.
func (h *SyntheticHandle) OnAdded() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.added++
}

// OnStopListening counts the notification.
func (h *SyntheticHandle) OnStopListening() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped++
}

// OnDestroy counts the notification.
func (h *SyntheticHandle) OnDestroy() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.destroyed++
}

// Notifications returns how many times each lifecycle notification arrived.
func (h *SyntheticHandle) Notifications() (added, stopped, destroyed int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.added, h.stopped, h.destroyed
}
