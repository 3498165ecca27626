package binding

import (
	"fmt"
	"strings"
)

// Mode is how a handle wants to be kept bound. It is stored durably per
// handle and reported by the handle itself after its first bind.
type Mode int

// The numeric values are persisted and must not change.
const (
	// ModeUnset means the handle has never reported a mode. A controller
	// with this mode binds once at construction so that the handle can
	// report it.
	ModeUnset Mode = 0

	// ModePassive handles are bound while something requests them.
	ModePassive Mode = 1

	// ModeActive handles push their own updates and are released between
	// bursts of activity.
	ModeActive Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModePassive:
		return "passive"
	case ModeActive:
		return "active"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unset", "":
		return ModeUnset, nil
	case "passive":
		return ModePassive, nil
	case "active":
		return ModeActive, nil
	default:
		return ModeUnset, fmt.Errorf("unknown mode %q", s)
	}
}
