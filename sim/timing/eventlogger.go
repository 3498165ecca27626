package timing

import (
	"reflect"

	"github.com/go-logr/logr"

	"github.com/sarchlab/bindctl/sim/hooking"
)

// EventLogger is a hook that logs every event an engine handles.
type EventLogger struct {
	logger logr.Logger
}

// NewEventLogger returns a new EventLogger writing at verbosity 2.
func NewEventLogger(logger logr.Logger) *EventLogger {
	h := new(EventLogger)

	h.logger = logger.V(2)

	return h
}

type named interface {
	Name() string
}

// Func writes the event information into the logger
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	keysAndValues := []any{
		"time", evt.Time(),
		"event", reflect.TypeOf(evt).String(),
	}

	if n, ok := evt.Handler().(named); ok {
		keysAndValues = append(keysAndValues, "handler", n.Name())
	}

	h.logger.Info("event", keysAndValues...)
}
