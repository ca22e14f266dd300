package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/glycerine/idem"
	"github.com/sammck-go/logger"
)

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// LocalRegistry is an in-process task namespace. Tasks are created explicitly with NewTask and
// live until Terminate is called on them.
type LocalRegistry struct {
	logger.Logger
	lock   sync.Mutex
	nextID ID
	tasks  map[ID]*Task
}

// NewLocalRegistry creates an empty LocalRegistry
func NewLocalRegistry(log logger.Logger) *LocalRegistry {
	if log == nil {
		log = logger.NilLogger
	}
	return &LocalRegistry{
		Logger: log.ForkLogStr("TaskRegistry"),
		tasks:  make(map[ID]*Task),
	}
}

// Task is a single task in a LocalRegistry
type Task struct {
	id   ID
	name string
	reg  *LocalRegistry
	halt *idem.Halter
}

// NewTask creates and registers a new live task
func (r *LocalRegistry) NewTask(name string) *Task {
	r.lock.Lock()
	id := r.nextID
	r.nextID++
	t := &Task{
		id:   id,
		name: name,
		reg:  r,
		halt: idem.NewHalterNamed(fmt.Sprintf("Task(%d %s)", id, name)),
	}
	r.tasks[id] = t
	r.lock.Unlock()
	r.DLogf("Created %s", t)
	return t
}

// Get returns the live task with the given ID, or nil
func (r *LocalRegistry) Get(id ID) *Task {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.tasks[id]
}

// IsAlive returns true if the task exists and has not been terminated
func (r *LocalRegistry) IsAlive(id ID) bool {
	return r.Get(id) != nil
}

// All returns the IDs of all live tasks in ascending order
func (r *LocalRegistry) All() []ID {
	r.lock.Lock()
	ids := make([]ID, 0, len(r.tasks))
	for id := range r.tasks {
		ids = append(ids, id)
	}
	r.lock.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Done returns a chan that is closed when the task terminates
func (r *LocalRegistry) Done(id ID) <-chan struct{} {
	t := r.Get(id)
	if t == nil {
		return closedChan
	}
	return t.Done()
}

// ForTask returns a Registry view of r whose CurrentID is id
func (r *LocalRegistry) ForTask(id ID) Registry {
	return &taskView{LocalRegistry: r, id: id}
}

func (r *LocalRegistry) remove(t *Task) {
	r.lock.Lock()
	if r.tasks[t.id] == t {
		delete(r.tasks, t.id)
	}
	r.lock.Unlock()
}

// ID returns the task's identity
func (t *Task) ID() ID {
	return t.id
}

// Name returns the friendly name given at creation
func (t *Task) Name() string {
	return t.name
}

func (t *Task) String() string {
	return fmt.Sprintf("<Task %d %q>", t.id, t.name)
}

// Registry returns a view of the owning registry that reports t as the current task
func (t *Task) Registry() Registry {
	return t.reg.ForTask(t.id)
}

// Terminate ends the task. It is idempotent.
func (t *Task) Terminate() {
	if t.halt.ReqStop.IsClosed() {
		return
	}
	t.reg.remove(t)
	t.halt.ReqStop.Close()
	t.reg.DLogf("Terminated %s", t)
}

// IsTerminated returns true once Terminate has been called
func (t *Task) IsTerminated() bool {
	return t.halt.ReqStop.IsClosed()
}

// Done returns a chan that is closed when the task terminates
func (t *Task) Done() <-chan struct{} {
	return t.halt.ReqStop.Chan
}

type taskView struct {
	*LocalRegistry
	id ID
}

func (v *taskView) CurrentID() ID {
	return v.id
}
