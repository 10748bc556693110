package event

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/byteengine/taskgraph/internal/core/sched"
	"github.com/byteengine/taskgraph/internal/core/system"
	"go.uber.org/zap"
)

var (
	ErrUnknownEvent    = errors.New("unknown event")
	ErrDuplicateEvent  = errors.New("event already exists")
	ErrEventType       = errors.New("event argument type mismatch")
	ErrSubscriberIndex = errors.New("subscriber index out of range")
)

// noPriority marks an event that fans out to every subscriber.
const noPriority = -1

// FlushTask is the name of the recurring task installed by InstallFlushTask.
const FlushTask = "event.flush"

// Handle names an event carrying an argument of type A.
type Handle[A any] struct {
	name string
}

func NewHandle[A any](name string) Handle[A] { return Handle[A]{name: name} }

func (h Handle[A]) Name() string { return h.name }

type key struct {
	owner system.Handle
	name  string
}

type entry struct {
	arg      reflect.Type
	subs     []any // sched.DynamicTaskHandle[A]
	priority int
}

// Bus is a named-event layer on top of dynamic tasks. Dispatch queues every
// subscriber as a dynamic task right away. Emit defers the dispatch into a
// double buffer that the flush task drains once per frame.
type Bus struct {
	s   *sched.Scheduler
	log *zap.Logger

	mu     sync.RWMutex
	events map[key]*entry

	flushMu sync.Mutex
	qmu     sync.Mutex // guards the deferred buffers
	front   []func() error
	back    []func() error
}

func NewBus(s *sched.Scheduler, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		s:      s,
		log:    log.Named("event"),
		events: make(map[key]*entry, 16),
	}
}

func argType[A any]() reflect.Type {
	return reflect.TypeOf((*A)(nil)).Elem()
}

func (b *Bus) key(owner, name string) (key, error) {
	h, err := b.s.Systems().Lookup(owner)
	if err != nil {
		return key{}, err
	}
	name, err = system.CanonicalName(name)
	if err != nil {
		return key{}, err
	}
	return key{owner: h, name: name}, nil
}

// lookup returns the entry for (owner, ev) checking its argument type.
// Caller holds b.mu.
func lookup[A any](b *Bus, owner string, ev Handle[A]) (*entry, error) {
	k, err := b.key(owner, ev.name)
	if err != nil {
		return nil, err
	}
	e, ok := b.events[k]
	if !ok {
		return nil, fmt.Errorf("event %q of %q: %w", ev.name, owner, ErrUnknownEvent)
	}
	if want := argType[A](); e.arg != want {
		return nil, fmt.Errorf("event %q carries %v, not %v: %w", ev.name, e.arg, want, ErrEventType)
	}
	return e, nil
}

// AddEvent declares ev on the owning system. The argument type is fixed here.
func AddEvent[A any](b *Bus, owner string, ev Handle[A]) error {
	k, err := b.key(owner, ev.name)
	if err != nil {
		return b.reject("add event", ev.name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[k]; ok {
		return b.reject("add event", ev.name, ErrDuplicateEvent)
	}
	b.events[k] = &entry{arg: argType[A](), priority: noPriority}
	b.log.Debug("added event", zap.String("owner", owner), zap.String("event", k.name))
	return nil
}

// Subscribe appends a stored dynamic task to the subscribers of ev.
func Subscribe[A any](b *Bus, owner string, ev Handle[A], task sched.DynamicTaskHandle[A]) error {
	if task.IsZero() {
		return b.reject("subscribe", ev.name, sched.ErrUnknownHandle)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, err := lookup(b, owner, ev)
	if err != nil {
		return b.reject("subscribe", ev.name, err)
	}
	e.subs = append(e.subs, task)
	return nil
}

// Dispatch queues one execution of every subscriber of ev with arg, or only
// the prioritized subscriber when one is set. Dispatch itself takes no
// system access; the queued continuations do.
func Dispatch[A any](b *Bus, owner string, ev Handle[A], arg A) error {
	b.mu.RLock()
	e, err := lookup(b, owner, ev)
	if err != nil {
		b.mu.RUnlock()
		return err
	}
	var subs []any
	switch {
	case e.priority == noPriority:
		subs = append(subs, e.subs...)
	case e.priority < len(e.subs):
		subs = append(subs, e.subs[e.priority])
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sched.AddDynamicTask(b.s, sub.(sched.DynamicTaskHandle[A]), arg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit validates ev now and dispatches it when the flush task next runs.
func Emit[A any](b *Bus, owner string, ev Handle[A], arg A) error {
	b.mu.RLock()
	_, err := lookup(b, owner, ev)
	b.mu.RUnlock()
	if err != nil {
		return err
	}

	b.qmu.Lock()
	b.back = append(b.back, func() error { return Dispatch(b, owner, ev, arg) })
	b.qmu.Unlock()
	return nil
}

// Flush swaps the deferred buffers and dispatches everything emitted before
// the swap. Events emitted while flushing wait for the next flush.
func (b *Bus) Flush() int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.qmu.Lock()
	b.front, b.back = b.back, b.front[:0]
	pending := b.front
	b.qmu.Unlock()

	for _, fire := range pending {
		if err := fire(); err != nil {
			b.log.Warn("deferred dispatch failed", zap.Error(err))
		}
	}
	for i := range pending {
		pending[i] = nil
	}
	return len(pending)
}

// Pending returns the number of emitted events waiting for a flush.
func (b *Bus) Pending() int {
	b.qmu.Lock()
	defer b.qmu.Unlock()
	return len(b.back)
}

// InstallFlushTask registers the recurring task that drains emitted events
// when goal starts.
func (b *Bus) InstallFlushTask(goal string) error {
	return b.s.AddTask(FlushTask, func(sched.TaskInfo) { b.Flush() }, nil, goal, goal)
}

// SetPriority restricts dispatch of the event to its first subscriber, or
// restores fan-out.
func (b *Bus) SetPriority(owner, name string, priority bool) error {
	return b.setPriority(owner, name, func(e *entry) error {
		if priority {
			e.priority = 0
		} else {
			e.priority = noPriority
		}
		return nil
	})
}

// SetPrioritizedSubscriber restricts dispatch to the i-th subscriber.
func (b *Bus) SetPrioritizedSubscriber(owner, name string, i int) error {
	return b.setPriority(owner, name, func(e *entry) error {
		if i < 0 || i >= len(e.subs) {
			return fmt.Errorf("%d of %d: %w", i, len(e.subs), ErrSubscriberIndex)
		}
		e.priority = i
		return nil
	})
}

func (b *Bus) setPriority(owner, name string, fn func(*entry) error) error {
	k, err := b.key(owner, name)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.events[k]
	if !ok {
		return fmt.Errorf("event %q of %q: %w", name, owner, ErrUnknownEvent)
	}
	return fn(e)
}

func (b *Bus) reject(op, name string, err error) error {
	b.log.Warn("event registration rejected", zap.String("op", op), zap.String("event", name), zap.Error(err))
	return fmt.Errorf("%s %q: %w", op, name, err)
}
