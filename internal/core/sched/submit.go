package sched

import (
	"fmt"

	"github.com/byteengine/taskgraph/internal/core/handle"
	"github.com/byteengine/taskgraph/internal/core/system"
	"go.uber.org/zap"
)

// AddTask registers a recurring task. It is queued every frame when startOn
// is reached and must complete before doneFor begins.
func (s *Scheduler) AddTask(name string, body Body, desc []Access, startOn, doneFor string) error {
	const op = "add task"
	t, err := s.goalTask(name, KindRecurring, body, desc, startOn, doneFor)
	if err != nil {
		return s.reject(op, name, err)
	}

	s.tasksMu.Lock()
	table := s.recurring[t.startOn]
	if table == nil {
		table = newTaskTable()
		s.recurring[t.startOn] = table
	}
	ok := table.add(t)
	s.tasksMu.Unlock()
	if !ok {
		return s.reject(op, name, fmt.Errorf("goal %q: %w", startOn, ErrDuplicateTask))
	}

	s.log.Debug("added task",
		zap.String("task", t.name),
		zap.String("start_on", startOn),
		zap.String("done_for", doneFor),
		zap.Int("accesses", len(t.access)))
	return nil
}

// AddGoalDynamicTask queues a one-shot task for the next time startOn is
// reached. It is retired after it runs once.
func (s *Scheduler) AddGoalDynamicTask(name string, body Body, desc []Access, startOn, doneFor string) error {
	t, err := s.goalTask(name, KindDynamic, body, desc, startOn, doneFor)
	if err != nil {
		return s.reject("add goal dynamic task", name, err)
	}
	s.tasksMu.Lock()
	s.goalQueue[t.startOn] = append(s.goalQueue[t.startOn], t)
	s.tasksMu.Unlock()
	return nil
}

// goalTask validates a goal-bound registration and builds its task.
func (s *Scheduler) goalTask(name string, kind Kind, body Body, desc []Access, startOn, doneFor string) (*task, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	name, err := system.CanonicalName(name)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, ErrNilBody
	}
	startID, startPos, err := s.goals.lookup(startOn)
	if err != nil {
		return nil, err
	}
	doneID, donePos, err := s.goals.lookup(doneFor)
	if err != nil {
		return nil, err
	}
	if startPos > donePos {
		return nil, fmt.Errorf("%q after %q: %w", startOn, doneFor, ErrGoalOrder)
	}
	acc, err := resolveAccess(s.systems, desc)
	if err != nil {
		return nil, err
	}
	return &task{
		name:    name,
		kind:    kind,
		body:    body,
		access:  acc,
		startOn: startID,
		doneFor: doneID,
	}, nil
}

// RemoveTask drops a recurring registration. Runs already queued for the
// current frame still complete.
func (s *Scheduler) RemoveTask(name, startOn string) error {
	const op = "remove task"
	id, _, err := s.goals.lookup(startOn)
	if err != nil {
		return s.reject(op, name, err)
	}
	cname, err := system.CanonicalName(name)
	if err != nil {
		return s.reject(op, name, err)
	}

	s.tasksMu.Lock()
	removed := false
	if table := s.recurring[id]; table != nil {
		removed = table.remove(cname)
	}
	s.tasksMu.Unlock()
	if !removed {
		return s.reject(op, name, fmt.Errorf("goal %q: %w", startOn, ErrUnknownTask))
	}
	s.log.Debug("removed task", zap.String("task", cname), zap.String("start_on", startOn))
	return nil
}

// HasTask reports whether a recurring task is registered on startOn.
func (s *Scheduler) HasTask(name, startOn string) bool {
	id, _, err := s.goals.lookup(startOn)
	if err != nil {
		return false
	}
	cname, err := system.CanonicalName(name)
	if err != nil {
		return false
	}
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	table := s.recurring[id]
	return table != nil && table.has(cname)
}

// TaskNames lists the recurring tasks of a goal in registration order.
func (s *Scheduler) TaskNames(goal string) ([]string, error) {
	id, _, err := s.goals.lookup(goal)
	if err != nil {
		return nil, err
	}
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	if table := s.recurring[id]; table != nil {
		return table.taskNames(), nil
	}
	return nil, nil
}

// AddFreeDynamicTask schedules a one-shot task outside the goal sequence.
// It still waits for its accesses and may run between frames.
func (s *Scheduler) AddFreeDynamicTask(name string, body Body, desc []Access) error {
	const op = "add free task"
	cname, err := system.CanonicalName(name)
	if err != nil {
		return s.reject(op, name, err)
	}
	if body == nil {
		return s.reject(op, name, ErrNilBody)
	}
	acc, err := resolveAccess(s.systems, desc)
	if err != nil {
		return s.reject(op, name, err)
	}
	return s.enqueueFree(op, &task{
		name:    cname,
		kind:    KindFree,
		body:    body,
		access:  acc,
		startOn: noGoal,
		doneFor: noGoal,
	})
}

// AddAsyncTask starts body as soon as a worker is available. It declares no
// accesses and is never ordered against other work.
func (s *Scheduler) AddAsyncTask(name string, body Body) error {
	const op = "add async task"
	cname, err := system.CanonicalName(name)
	if err != nil {
		return s.reject(op, name, err)
	}
	if body == nil {
		return s.reject(op, name, ErrNilBody)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return s.reject(op, name, ErrClosed)
	}
	s.start(&run{
		task:     &task{name: cname, kind: KindAsync, body: body, startOn: noGoal, doneFor: noGoal},
		frame:    s.frame,
		deadline: -1,
	})
	return nil
}

func (s *Scheduler) enqueueFree(op string, t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return s.reject(op, t.name, ErrClosed)
	}
	s.seq++
	s.free = append(s.free, &run{task: t, frame: s.frame, deadline: -1, seq: s.seq})
	s.dispatch()
	return nil
}

// storedTask is a pre-registered dynamic task signature. invoke holds a
// func(TaskInfo, A) for the handle's A.
type storedTask struct {
	name   string
	access []access
	invoke any
}

// DynamicTaskHandle addresses a stored dynamic task taking an argument of
// type A. The zero value is invalid.
type DynamicTaskHandle[A any] struct {
	h handle.Handle
}

// IsZero reports whether h was never issued.
func (h DynamicTaskHandle[A]) IsZero() bool { return h.h.IsZero() }

// StoreDynamicTask registers a continuation signature without running it.
// Each AddDynamicTask with the returned handle runs fn once with a fresh arg.
func StoreDynamicTask[A any](s *Scheduler, name string, fn func(TaskInfo, A), desc []Access) (DynamicTaskHandle[A], error) {
	const op = "store dynamic task"
	if s.closed.Load() {
		return DynamicTaskHandle[A]{}, s.reject(op, name, ErrClosed)
	}
	cname, err := system.CanonicalName(name)
	if err != nil {
		return DynamicTaskHandle[A]{}, s.reject(op, name, err)
	}
	if fn == nil {
		return DynamicTaskHandle[A]{}, s.reject(op, name, ErrNilBody)
	}
	acc, err := resolveAccess(s.systems, desc)
	if err != nil {
		return DynamicTaskHandle[A]{}, s.reject(op, name, err)
	}

	s.storedMu.Lock()
	h := s.stored.Insert(&storedTask{name: cname, access: acc, invoke: fn})
	s.storedMu.Unlock()

	s.log.Debug("stored dynamic task", zap.String("task", cname), zap.Uint64("handle", uint64(h)))
	return DynamicTaskHandle[A]{h: h}, nil
}

// AddDynamicTask dispatches one execution of a stored signature with arg. It
// is safe to call from any goroutine, including from inside task bodies and
// from async completions.
func AddDynamicTask[A any](s *Scheduler, h DynamicTaskHandle[A], arg A) error {
	const op = "add dynamic task"
	s.storedMu.RLock()
	st, ok := s.stored.Get(h.h)
	s.storedMu.RUnlock()
	if !ok {
		return s.reject(op, fmt.Sprint(uint64(h.h)), ErrUnknownHandle)
	}
	fn, ok := st.invoke.(func(TaskInfo, A))
	if !ok {
		return s.reject(op, st.name, ErrUnknownHandle)
	}
	return s.enqueueFree(op, &task{
		name:    st.name,
		kind:    KindDynamic,
		body:    func(info TaskInfo) { fn(info, arg) },
		access:  st.access,
		startOn: noGoal,
		doneFor: noGoal,
	})
}

// ReleaseDynamicTask retires a stored signature. Executions already queued
// still run; later AddDynamicTask calls with h fail with ErrUnknownHandle.
func ReleaseDynamicTask[A any](s *Scheduler, h DynamicTaskHandle[A]) error {
	s.storedMu.Lock()
	ok := s.stored.Remove(h.h)
	s.storedMu.Unlock()
	if !ok {
		return s.reject("release dynamic task", fmt.Sprint(uint64(h.h)), ErrUnknownHandle)
	}
	return nil
}

// StoredTasks returns the number of live stored dynamic task signatures.
func (s *Scheduler) StoredTasks() int {
	s.storedMu.RLock()
	defer s.storedMu.RUnlock()
	return s.stored.Len()
}
