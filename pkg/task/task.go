// Package task defines the capability set every worker-hosted task must
// satisfy, and the small amount of plumbing (Error, Base, Context) the
// engine relies on to drive a task through its lifecycle.
package task

import (
	"context"
	"fmt"
)

// Task is the minimal contract the engine requires of every task instance.
// Start runs the task body; it must return promptly once ctx is cancelled.
// Its return value becomes the SUCCESS output; a non-nil error is classified
// by the engine as ERROR (when it is an *Error) or EXCEPTION (otherwise).
type Task interface {
	Start(ctx context.Context) (any, error)
}

// Stopper is implemented by tasks that want a best-effort chance to shut
// down cooperatively before their goroutine's context is cancelled.
type Stopper interface {
	Stop()
}

// ContextProvider is implemented by tasks that need a scoped resource (a
// DB transaction, a lease, ...) acquired once and held for the lifetime of
// every call into the task.
type ContextProvider interface {
	ProvideContext() (Context, error)
}

// Context is a scoped acquisition handle returned by ProvideContext. The
// engine calls Release exactly once, on every terminal path including the
// coordinator-loss "_STOPPED" path.
type Context interface {
	Release()
}

// Emitter publishes task lifecycle and user events to the task's event
// channel. The engine binds a per-task Emitter into Base.
type Emitter interface {
	Emit(event string, data any)
}

// Base gives a task struct an Emit method by embedding. The engine binds
// an Emitter for the task's event channel immediately after construction;
// tasks must embed
// Base by value, not import it for any other purpose.
type Base struct {
	emitter Emitter
}

// Bind attaches the Emitter that Emit forwards to. Called by the engine
// once, right after the task is constructed.
func (b *Base) Bind(e Emitter) {
	b.emitter = e
}

// Emit publishes event/data to the task's event channel. A no-op before
// Bind has been called (e.g. if invoked from within a constructor).
func (b *Base) Emit(event string, data any) {
	if b.emitter == nil {
		return
	}
	b.emitter.Emit(event, data)
}

// Error is a user-visible, expected task failure. Returning one from
// Start classifies the terminal state as ERROR rather than EXCEPTION.
type Error struct {
	Message string
}

// NewError builds an Error with a formatted message.
func NewError(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return e.Message
}

// Factory constructs a Task from its deserialized data mapping. ClassFunc
// wraps one into a Class for the engine's task-class table.
type Factory func(data map[string]any) (Task, error)

// Class is a registerable task class: a declared name plus a factory. A
// coordinator hash's "task" field is resolved against the name a worker
// registered via AddTaskClass/AddTaskClasses.
type Class interface {
	Name() string
	New(data map[string]any) (Task, error)
}

// ClassFunc adapts a bare factory function into a Class under name,
// letting simple tasks skip declaring a dedicated type.
type ClassFunc struct {
	ClassName string
	Factory   Factory
}

func (c ClassFunc) Name() string { return c.ClassName }

func (c ClassFunc) New(data map[string]any) (Task, error) { return c.Factory(data) }

// MissingTaskError is returned when a coordinator hash names a task class
// not registered on this worker.
type MissingTaskError struct {
	Name string
}

func (e *MissingTaskError) Error() string {
	return fmt.Sprintf("task: class %q is not registered on this worker", e.Name)
}
