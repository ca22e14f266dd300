// Package task provides the task identity and liveness capability used by the pipe
// broker. A "task" is an isolated unit of execution (a process, an isolate, or a group
// of goroutines acting on behalf of one remote peer) that can be named, enumerated, and
// checked for liveness.
package task

import (
	"fmt"
)

// ID uniquely identifies a task for the life of the process. IDs are never reused.
type ID int64

// NoID is never assigned to a task.
const NoID ID = -1

func (id ID) String() string {
	return fmt.Sprintf("task#%d", int64(id))
}

// Registry is the capability the broker needs from its host environment to reason about tasks.
type Registry interface {
	// CurrentID returns the identity of the task on whose behalf the caller is running.
	CurrentID() ID

	// IsAlive returns true if the task exists and has not terminated.
	IsAlive(id ID) bool

	// All returns the IDs of all currently alive tasks.
	All() []ID
}

// Watcher is optionally implemented by a Registry that can notify when a task terminates.
type Watcher interface {
	// Done returns a chan that is closed when the task terminates. For an unknown or
	// already terminated task the returned chan is already closed.
	Done(id ID) <-chan struct{}
}
