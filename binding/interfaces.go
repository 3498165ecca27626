package binding

// A Handle is the logical reference to an externally hosted unit of work.
type Handle interface {
	// ID returns a stable identity, used as the preferences key.
	ID() string

	// HasPendingUserAction reports an interaction the handle has not yet
	// delivered to its provider.
	HasPendingUserAction() bool

	// OnAdded is called once when a handle without a known mode is bound for
	// the first time.
	OnAdded()

	// OnStopListening tells the handle that its burst of activity is over.
	OnStopListening()

	// OnDestroy is called when the controller is torn down.
	OnDestroy()
}

// A Connector establishes and releases the live connection to a handle's
// provider. Calls are fire-and-forget from the controller's point of view.
type Connector interface {
	Bind(h Handle) error
	Unbind(h Handle) error
}

// Preferences durably stores the mode of each handle.
type Preferences interface {
	// Mode returns ModeUnset without error for unknown handles.
	Mode(handleID string) (Mode, error)
	SetMode(handleID string, mode Mode) error
}

// An Allocator decides which controllers may be bound. Controllers call
// Recalculate whenever something that affects admission changes.
type Allocator interface {
	Recalculate()
}
