package sched

import "github.com/byteengine/taskgraph/internal/core/system"

// Kind is the lifetime model of a task.
type Kind uint8

const (
	KindRecurring Kind = iota // re-queued every frame until removed
	KindDynamic               // one execution with fresh arguments, then retired
	KindFree                  // one-shot, not bound to any goal
	KindAsync                 // one-shot, no access descriptor, no ordering
)

func (k Kind) String() string {
	switch k {
	case KindRecurring:
		return "recurring"
	case KindDynamic:
		return "dynamic"
	case KindFree:
		return "free"
	case KindAsync:
		return "async"
	default:
		return "unknown"
	}
}

// TaskInfo is passed to every task body. Scheduler is a non-owning handle:
// bodies use it to submit follow-up work, never to tear the scheduler down.
type TaskInfo struct {
	Scheduler *Scheduler
	Name      string
	Kind      Kind
	Goal      string // start goal; empty for goal-free tasks
	Frame     uint64 // frame counter at dispatch time
}

// Body is a task callable. Arguments are captured by the closure.
type Body func(TaskInfo)

// task is an immutable registration. Recurring tasks are shared by every
// frame's runs; one-shot tasks are dropped once their run completes.
type task struct {
	name    string
	kind    Kind
	body    Body
	access  []access
	startOn goalID
	doneFor goalID
}

// run is one queued execution of a task.
type run struct {
	*task
	goal     string
	frame    uint64
	deadline int // frame-relative goal position that waits on this run; -1 if none
	seq      uint64
}

func (t *task) touches(h system.Handle) bool { return touches(t.access, h) }

func touches(acc []access, h system.Handle) bool {
	for _, a := range acc {
		if a.sys == h {
			return true
		}
	}
	return false
}

// taskTable holds the recurring tasks of one goal in registration order.
type taskTable struct {
	tasks []*task
	names map[string]struct{}
}

func newTaskTable() *taskTable {
	return &taskTable{
		tasks: make([]*task, 0, 8),
		names: make(map[string]struct{}, 8),
	}
}

func (t *taskTable) has(name string) bool {
	_, ok := t.names[name]
	return ok
}

func (t *taskTable) add(tk *task) bool {
	if t.has(tk.name) {
		return false
	}
	t.tasks = append(t.tasks, tk)
	t.names[tk.name] = struct{}{}
	return true
}

func (t *taskTable) remove(name string) bool {
	if !t.has(name) {
		return false
	}
	delete(t.names, name)
	for i, tk := range t.tasks {
		if tk.name == name {
			copy(t.tasks[i:], t.tasks[i+1:])
			t.tasks[len(t.tasks)-1] = nil
			t.tasks = t.tasks[:len(t.tasks)-1]
			break
		}
	}
	return true
}

// snapshot copies the task list so a frame can iterate it without holding
// the table lock.
func (t *taskTable) snapshot() []*task {
	out := make([]*task, len(t.tasks))
	copy(out, t.tasks)
	return out
}

func (t *taskTable) taskNames() []string {
	out := make([]string, len(t.tasks))
	for i, tk := range t.tasks {
		out[i] = tk.name
	}
	return out
}
