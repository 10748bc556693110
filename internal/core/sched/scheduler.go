package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/byteengine/taskgraph/internal/core/handle"
	"github.com/byteengine/taskgraph/internal/core/system"
	"go.uber.org/zap"
)

// Config sizes the scheduler.
type Config struct {
	Workers int // worker goroutines; <= 0 means GOMAXPROCS
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithExecutor replaces the default worker pool.
func WithExecutor(e Executor) Option {
	return func(s *Scheduler) { s.exec = e }
}

// WithTracer installs a Tracer for task and goal records.
func WithTracer(t Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// FrameStats summarizes one Update.
type FrameStats struct {
	Frame    uint64
	Goals    int
	Tasks    int // goal-bound runs dispatched this frame
	OneShots int // of which goal dynamic tasks
	Duration time.Duration
}

// Scheduler owns the systems, the goal sequence and every task table, and
// drives them once per frame through Update.
type Scheduler struct {
	log     *zap.Logger
	systems *system.Registry
	goals   *goalSeq
	exec    Executor
	tracer  Tracer

	// tasksMu guards recurring tables and goal-bound one-shot queues.
	tasksMu   sync.RWMutex
	recurring map[goalID]*taskTable
	goalQueue map[goalID][]*task

	// storedMu guards stored dynamic task signatures.
	storedMu sync.RWMutex
	stored   *handle.Store[storedTask]

	// mu guards the resolver and everything dispatch-related; cond is
	// broadcast whenever a run completes.
	mu          sync.Mutex
	cond        *sync.Cond
	res         resolver
	held        reservations
	pending     []*run // current goal's runs not yet started
	free        []*run
	seq         uint64 // admission order across pending and free
	inflight    int
	outstanding []int
	frame       uint64

	updateMu  sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a scheduler with an empty goal sequence and system registry.
func New(cfg Config, log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:       log.Named("sched"),
		systems:   system.NewRegistry(),
		goals:     newGoalSeq(),
		tracer:    nopTracer{},
		recurring: make(map[goalID]*taskTable, 8),
		goalQueue: make(map[goalID][]*task, 8),
		stored:    handle.NewStore[storedTask](),
		held:      make(reservations, 8),
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.exec == nil {
		s.exec = newWorkerPool(cfg.Workers)
	}
	return s
}

// Systems returns the system registry.
func (s *Scheduler) Systems() *system.Registry { return s.systems }

// Frame returns the number of the last started frame.
func (s *Scheduler) Frame() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// RegisterSystem adds an already constructed system.
func (s *Scheduler) RegisterSystem(name string, sys any) (system.Handle, error) {
	if s.closed.Load() {
		return system.InvalidHandle, s.reject("add system", name, ErrClosed)
	}
	h, err := s.systems.Add(name, sys)
	if err != nil {
		return system.InvalidHandle, s.reject("add system", name, err)
	}
	s.log.Info("added system", zap.String("system", s.systems.Name(h)), zap.Uint32("handle", uint32(h)))
	return h, nil
}

// AddSystem constructs a system with ctor and registers it under name. The
// name is claimed before ctor runs, so the constructor may register tasks
// that access the system being built. If ctor fails, every task it
// registered with access to the system is removed again.
func AddSystem[T any](s *Scheduler, name string, ctor func(*Scheduler) (T, error)) (system.Handle, error) {
	if s.closed.Load() {
		return system.InvalidHandle, s.reject("add system", name, ErrClosed)
	}
	h, err := s.systems.Reserve(name)
	if err != nil {
		return system.InvalidHandle, s.reject("add system", name, err)
	}
	sys, err := ctor(s)
	if err != nil {
		if n := s.forget(h); n > 0 {
			s.log.Warn("rolled back tasks of failed system", zap.String("system", name), zap.Int("tasks", n))
		}
		s.systems.Drop(h)
		return system.InvalidHandle, fmt.Errorf("construct system %q: %w", name, err)
	}
	s.systems.Set(h, sys)
	s.log.Info("added system", zap.String("system", s.systems.Name(h)), zap.Uint32("handle", uint32(h)))
	return h, nil
}

// AddGoal appends a goal to the end of the sequence.
func (s *Scheduler) AddGoal(name string) error {
	if _, err := s.goals.add(name); err != nil {
		return s.reject("add goal", name, err)
	}
	s.log.Debug("added goal", zap.String("goal", name))
	return nil
}

// AddGoalAfter inserts a goal immediately after an existing one.
func (s *Scheduler) AddGoalAfter(name, after string) error {
	if _, err := s.goals.addAfter(name, after); err != nil {
		return s.reject("add goal", name, err)
	}
	s.log.Debug("added goal", zap.String("goal", name), zap.String("after", after))
	return nil
}

// GoalIndex returns the current position of a goal.
func (s *Scheduler) GoalIndex(name string) (int, error) {
	_, pos, err := s.goals.lookup(name)
	return pos, err
}

// Goals returns the goal names in order.
func (s *Scheduler) Goals() []string { return s.goals.names() }

// Update runs one frame: every goal in order, each behind its barrier.
// Concurrent calls are serialized.
func (s *Scheduler) Update() FrameStats {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	start := time.Now()
	order := s.goals.snapshot()
	pos := make(map[goalID]int, len(order))
	for i, g := range order {
		pos[g.id] = i
	}

	s.tasksMu.RLock()
	recurring := make([][]*task, len(order))
	for i, g := range order {
		if t := s.recurring[g.id]; t != nil {
			recurring[i] = t.snapshot()
		}
	}
	s.tasksMu.RUnlock()

	s.mu.Lock()
	s.frame++
	frame := s.frame
	s.outstanding = make([]int, len(order)+1)
	s.mu.Unlock()

	stats := FrameStats{Frame: frame, Goals: len(order)}

	for i, g := range order {
		s.mu.Lock()
		s.awaitBarrier(i)
		s.mu.Unlock()

		// Taken after the barrier so one-shots queued by the previous
		// goal's tasks still make this frame.
		oneShots := s.takeGoalQueue(g.id)

		s.tracer.GoalStarted(GoalRecord{Frame: frame, Goal: g.name, Index: i, At: time.Now()})
		s.log.Debug("goal started", zap.Uint64("frame", frame), zap.String("goal", g.name))

		pending := make([]*run, 0, len(recurring[i])+len(oneShots))
		for _, t := range recurring[i] {
			pending = append(pending, &run{task: t, goal: g.name, frame: frame, deadline: deadline(i, t.doneFor, pos, len(order))})
		}
		for _, t := range oneShots {
			pending = append(pending, &run{task: t, goal: g.name, frame: frame, deadline: deadline(i, t.doneFor, pos, len(order))})
		}
		stats.Tasks += len(pending)
		stats.OneShots += len(oneShots)

		s.mu.Lock()
		for _, r := range pending {
			s.seq++
			r.seq = s.seq
		}
		s.pending = pending
		s.dispatch()
		for len(s.pending) > 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.awaitBarrier(len(order))
	s.mu.Unlock()

	stats.Duration = time.Since(start)
	return stats
}

// deadline is the frame-relative goal position that must wait for a run
// started at position i. A task finishing "for" its own start goal must be
// done before the next goal begins.
func deadline(i int, doneFor goalID, pos map[goalID]int, n int) int {
	p, ok := pos[doneFor]
	if !ok {
		return n
	}
	if p <= i {
		return i + 1
	}
	return p
}

// Run drives Update from a ticker until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := s.Update()
			if stats.Duration > interval {
				s.log.Warn("frame overran interval",
					zap.Uint64("frame", stats.Frame),
					zap.Duration("took", stats.Duration),
					zap.Duration("interval", interval))
			}
		}
	}
}

// WaitIdle blocks until no goal-free work is queued or running.
func (s *Scheduler) WaitIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.free) > 0 || s.inflight > 0 {
		s.cond.Wait()
	}
}

// Close drains outstanding work, rejects further submissions, stops the
// executor and shuts systems down in reverse registration order.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.WaitIdle()

		s.mu.Lock()
		s.closed.Store(true)
		for len(s.free) > 0 || s.inflight > 0 {
			s.cond.Wait()
		}
		s.mu.Unlock()

		s.exec.Stop()
		s.systems.Shutdown()
		s.log.Info("scheduler closed", zap.Uint64("frames", s.Frame()))
	})
}

// awaitBarrier waits for every run whose deadline is goal position i.
// Caller holds s.mu.
func (s *Scheduler) awaitBarrier(i int) {
	for s.outstanding[i] > 0 {
		s.cond.Wait()
	}
}

// dispatch walks the current goal's pending runs and the free queue together,
// oldest first, and starts every run the resolver admits. A run that has to
// wait reserves its systems, so younger conflicting runs wait behind it while
// independent ones still start. Caller holds s.mu.
func (s *Scheduler) dispatch() {
	if len(s.pending) == 0 && len(s.free) == 0 {
		return
	}
	clear(s.held)

	pending, free := s.pending, s.free
	keptPending, keptFree := pending[:0], free[:0]
	i, j := 0, 0
	for i < len(pending) || j < len(free) {
		fromPending := j >= len(free) || (i < len(pending) && pending[i].seq < free[j].seq)
		var r *run
		if fromPending {
			r = pending[i]
			i++
		} else {
			r = free[j]
			j++
		}
		if !s.held.conflicts(r.access) && s.res.acquire(r.access) {
			s.start(r)
			continue
		}
		s.held.hold(r.access)
		if fromPending {
			keptPending = append(keptPending, r)
		} else {
			keptFree = append(keptFree, r)
		}
	}
	clear(pending[len(keptPending):])
	clear(free[len(keptFree):])
	s.pending, s.free = keptPending, keptFree
}

// start hands an admitted run to the executor. Caller holds s.mu.
func (s *Scheduler) start(r *run) {
	s.inflight++
	if r.deadline >= 0 {
		s.outstanding[r.deadline]++
	}
	s.exec.Submit(func() { s.execute(r) })
}

// execute is the trampoline around a task body: run it, trace it, release
// its accesses.
func (s *Scheduler) execute(r *run) {
	info := TaskInfo{Scheduler: s, Name: r.name, Kind: r.kind, Goal: r.goal, Frame: r.frame}
	begin := time.Now()
	panicked := s.invoke(r.body, info)
	s.tracer.TaskDone(TaskRecord{
		Frame:    r.frame,
		Task:     r.name,
		Kind:     r.kind,
		Goal:     r.goal,
		Start:    begin,
		End:      time.Now(),
		Panicked: panicked,
	})
	s.complete(r)
}

func (s *Scheduler) invoke(body Body, info TaskInfo) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			s.log.Error("task panicked",
				zap.String("task", info.Name),
				zap.Stringer("kind", info.Kind),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	body(info)
	return false
}

func (s *Scheduler) complete(r *run) {
	s.mu.Lock()
	s.res.release(r.access)
	if r.deadline >= 0 {
		s.outstanding[r.deadline]--
	}
	s.inflight--
	s.dispatch()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// forget removes every registration whose accesses name h: recurring tasks,
// queued one-shots, stored dynamic signatures and runs not yet started. It
// returns how many were removed.
func (s *Scheduler) forget(h system.Handle) int {
	n := 0

	s.tasksMu.Lock()
	for _, table := range s.recurring {
		for _, t := range table.snapshot() {
			if t.touches(h) && table.remove(t.name) {
				n++
			}
		}
	}
	for id, q := range s.goalQueue {
		kept := q[:0]
		for _, t := range q {
			if t.touches(h) {
				n++
				continue
			}
			kept = append(kept, t)
		}
		clear(q[len(kept):])
		if len(kept) == 0 {
			delete(s.goalQueue, id)
		} else {
			s.goalQueue[id] = kept
		}
	}
	s.tasksMu.Unlock()

	s.storedMu.Lock()
	n += s.stored.RemoveFunc(func(st *storedTask) bool { return touches(st.access, h) })
	s.storedMu.Unlock()

	s.mu.Lock()
	keep := func(runs []*run) []*run {
		kept := runs[:0]
		for _, r := range runs {
			if r.touches(h) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		clear(runs[len(kept):])
		return kept
	}
	s.pending = keep(s.pending)
	s.free = keep(s.free)
	s.dispatch()
	s.cond.Broadcast()
	s.mu.Unlock()

	return n
}

func (s *Scheduler) takeGoalQueue(id goalID) []*task {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	q := s.goalQueue[id]
	delete(s.goalQueue, id)
	return q
}

func (s *Scheduler) reject(op, name string, err error) error {
	s.log.Warn("registration rejected", zap.String("op", op), zap.String("name", name), zap.Error(err))
	return &RegistrationError{Op: op, Name: name, Err: err}
}
