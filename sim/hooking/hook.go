// Package hooking lets observers attach to engines and controllers without the
// observed code knowing who is listening.
package hooking

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc adapts a plain function to the Hook interface. Each HookFunc value
// must be registered at most once per Hookable.
type HookFunc func(ctx HookCtx)

// Func calls f(ctx).
func (f *HookFunc) Func(ctx HookCtx) {
	(*f)(ctx)
}

// NewHookFunc wraps f so that it can be registered as a Hook.
func NewHookFunc(f func(ctx HookCtx)) *HookFunc {
	h := HookFunc(f)
	return &h
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	return h.hookList
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mustNotHaveDuplicatedHook(hook)
	h.hookList = append(h.hookList, hook)
}

// RemoveHook unregisters a hook. Removing a hook that is not registered does
// nothing.
func (h *HookableBase) RemoveHook(hook Hook) {
	for i, registered := range h.hookList {
		if registered == hook {
			h.hookList = append(h.hookList[:i], h.hookList[i+1:]...)
			return
		}
	}
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	for _, registered := range h.hookList {
		if registered == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}
