package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var frameGoals = []string{"Start", "Mid", "End"}

type testSystem struct {
	name     string
	shutdown *[]string
}

func (s *testSystem) Shutdown() {
	if s.shutdown != nil {
		*s.shutdown = append(*s.shutdown, s.name)
	}
}

func newTestScheduler(t *testing.T, goals []string, systems ...string) *Scheduler {
	t.Helper()
	s := New(Config{Workers: 4}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	for _, g := range goals {
		if err := s.AddGoal(g); err != nil {
			t.Fatalf("AddGoal(%q): %v", g, err)
		}
	}
	for _, n := range systems {
		if _, err := s.RegisterSystem(n, &testSystem{name: n}); err != nil {
			t.Fatalf("RegisterSystem(%q): %v", n, err)
		}
	}
	return s
}

func mustAddTask(t *testing.T, s *Scheduler, name string, body Body, desc []Access, startOn, doneFor string) {
	t.Helper()
	if err := s.AddTask(name, body, desc, startOn, doneFor); err != nil {
		t.Fatalf("AddTask(%q): %v", name, err)
	}
}

// timeline records task events in the order they happened.
type timeline struct {
	mu  sync.Mutex
	seq []string
}

func (tl *timeline) mark(info TaskInfo, what string) {
	tl.mu.Lock()
	tl.seq = append(tl.seq, fmt.Sprintf("%d/%s:%s", info.Frame, info.Name, what))
	tl.mu.Unlock()
}

func (tl *timeline) index(t *testing.T, ev string) int {
	t.Helper()
	tl.mu.Lock()
	defer tl.mu.Unlock()
	for i, e := range tl.seq {
		if e == ev {
			return i
		}
	}
	t.Fatalf("event %q not recorded; timeline %v", ev, tl.seq)
	return -1
}

func (tl *timeline) before(t *testing.T, a, b string) {
	t.Helper()
	if ia, ib := tl.index(t, a), tl.index(t, b); ia >= ib {
		t.Errorf("%q (at %d) should precede %q (at %d)", a, ia, b, ib)
	}
}

func TestWriterExcludesReaderAcrossFrames(t *testing.T) {
	s := newTestScheduler(t, frameGoals, "A")

	var readers, writers, violations, barrierBroken, done atomic.Int32
	var xRuns, yRuns atomic.Int32

	mustAddTask(t, s, "X", func(TaskInfo) {
		if writers.Add(1) != 1 || readers.Load() != 0 {
			violations.Add(1)
		}
		time.Sleep(time.Millisecond)
		writers.Add(-1)
		xRuns.Add(1)
		done.Add(1)
	}, []Access{Writes("A")}, "Start", "Mid")

	mustAddTask(t, s, "Y", func(TaskInfo) {
		readers.Add(1)
		if writers.Load() != 0 {
			violations.Add(1)
		}
		time.Sleep(time.Millisecond)
		readers.Add(-1)
		yRuns.Add(1)
		done.Add(1)
	}, []Access{Reads("A")}, "Start", "Mid")

	mustAddTask(t, s, "Z", func(TaskInfo) {
		if done.Load() != 2 {
			barrierBroken.Add(1)
		}
		done.Store(0)
	}, nil, "Mid", "End")

	const frames = 25
	for i := 0; i < frames; i++ {
		s.Update()
	}

	if n := violations.Load(); n != 0 {
		t.Errorf("writer overlapped a reader %d times", n)
	}
	if n := barrierBroken.Load(); n != 0 {
		t.Errorf("Mid task started before Start tasks finished %d times", n)
	}
	if xRuns.Load() != frames || yRuns.Load() != frames {
		t.Errorf("runs X=%d Y=%d, want %d each", xRuns.Load(), yRuns.Load(), frames)
	}
}

func TestReadersMayRunConcurrently(t *testing.T) {
	s := newTestScheduler(t, frameGoals, "B")

	r1In, r2In := make(chan struct{}), make(chan struct{})
	var overlapped atomic.Int32
	reader := func(mine, other chan struct{}) Body {
		return func(TaskInfo) {
			close(mine)
			select {
			case <-other:
				overlapped.Add(1)
			case <-time.After(2 * time.Second):
			}
		}
	}
	mustAddTask(t, s, "R1", reader(r1In, r2In), []Access{Reads("B")}, "Start", "Mid")
	mustAddTask(t, s, "R2", reader(r2In, r1In), []Access{Reads("B")}, "Start", "Mid")

	s.Update()

	if got := overlapped.Load(); got != 2 {
		t.Errorf("readers serialized: %d of 2 observed the other running", got)
	}
}

func TestGoalBarriers(t *testing.T) {
	s := newTestScheduler(t, frameGoals)
	tl := &timeline{}
	traced := func(d time.Duration) Body {
		return func(info TaskInfo) {
			tl.mark(info, "start")
			time.Sleep(d)
			tl.mark(info, "end")
		}
	}

	mustAddTask(t, s, "Long", traced(5*time.Millisecond), nil, "Start", "End")
	mustAddTask(t, s, "Short", traced(2*time.Millisecond), nil, "Start", "Start")
	mustAddTask(t, s, "Middle", traced(2*time.Millisecond), nil, "Mid", "Mid")
	mustAddTask(t, s, "AtMid", traced(0), nil, "Mid", "End")
	mustAddTask(t, s, "Final", traced(0), nil, "End", "End")

	s.Update()
	s.Update()

	for _, f := range []int{1, 2} {
		ev := func(task, what string) string { return fmt.Sprintf("%d/%s:%s", f, task, what) }
		tl.before(t, ev("Short", "end"), ev("AtMid", "start"))
		tl.before(t, ev("Short", "end"), ev("Middle", "start"))
		tl.before(t, ev("Long", "end"), ev("Final", "start"))
		tl.before(t, ev("Middle", "end"), ev("Final", "start"))
	}
	tl.before(t, "1/Final:end", "2/Long:start")
	tl.before(t, "1/Long:end", "2/Short:start")
}

func TestUpdateWaitsForLastGoal(t *testing.T) {
	s := newTestScheduler(t, frameGoals)
	var finished atomic.Bool
	mustAddTask(t, s, "Tail", func(TaskInfo) {
		time.Sleep(5 * time.Millisecond)
		finished.Store(true)
	}, nil, "End", "End")

	stats := s.Update()
	if !finished.Load() {
		t.Error("Update returned before a task done for the last goal finished")
	}
	if stats.Frame != 1 || stats.Goals != 3 || stats.Tasks != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRemoveTaskIsIdempotent(t *testing.T) {
	s := newTestScheduler(t, frameGoals, "A")
	var runs atomic.Int32
	mustAddTask(t, s, "X", func(TaskInfo) { runs.Add(1) }, []Access{Writes("A")}, "Start", "Mid")

	s.Update()
	if err := s.RemoveTask("X", "Start"); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}
	if err := s.RemoveTask("X", "Start"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("second RemoveTask: got %v, want ErrUnknownTask", err)
	}
	if s.HasTask("X", "Start") {
		t.Error("HasTask reports a removed task")
	}
	s.Update()

	if got := runs.Load(); got != 1 {
		t.Errorf("removed task ran %d times, want 1", got)
	}
	if err := s.RemoveTask("X", "Nowhere"); !errors.Is(err, ErrUnknownGoal) {
		t.Errorf("RemoveTask on unknown goal: got %v", err)
	}
}

func TestInsertedGoalKeepsRegistrations(t *testing.T) {
	s := newTestScheduler(t, []string{"Start", "End"})
	tl := &timeline{}
	mustAddTask(t, s, "First", func(info TaskInfo) { tl.mark(info, "run") }, nil, "Start", "Start")
	mustAddTask(t, s, "Last", func(info TaskInfo) { tl.mark(info, "run") }, nil, "End", "End")

	if err := s.AddGoalAfter("Middle", "Start"); err != nil {
		t.Fatal(err)
	}
	mustAddTask(t, s, "Between", func(info TaskInfo) { tl.mark(info, "run") }, nil, "Middle", "Middle")

	if idx, err := s.GoalIndex("End"); err != nil || idx != 2 {
		t.Errorf("GoalIndex(End) = %d, %v; want 2", idx, err)
	}

	s.Update()
	tl.before(t, "1/First:run", "1/Between:run")
	tl.before(t, "1/Between:run", "1/Last:run")
}

func TestPanickingTaskReleasesAccess(t *testing.T) {
	rec := &recordingTracer{}
	s := New(Config{Workers: 2}, zaptest.NewLogger(t), WithTracer(rec))
	t.Cleanup(s.Close)
	for _, g := range frameGoals {
		if err := s.AddGoal(g); err != nil {
			t.Fatal(err)
		}
	}
	h, err := s.RegisterSystem("A", &testSystem{name: "A"})
	if err != nil {
		t.Fatal(err)
	}

	var after atomic.Int32
	mustAddTask(t, s, "Boom", func(TaskInfo) { panic("boom") }, []Access{Writes("A")}, "Start", "Start")
	mustAddTask(t, s, "After", func(TaskInfo) { after.Add(1) }, []Access{Writes("A")}, "Mid", "Mid")

	s.Update()
	s.Update()

	if got := after.Load(); got != 2 {
		t.Errorf("task after panic ran %d times, want 2", got)
	}
	s.mu.Lock()
	st := s.res.state(h)
	s.mu.Unlock()
	if st != (mark{}) {
		t.Errorf("system A left as %+v after frames", st)
	}

	var panicked int
	for _, r := range rec.taskRecords() {
		if r.Task == "Boom" && r.Panicked {
			panicked++
		}
	}
	if panicked != 2 {
		t.Errorf("tracer saw %d panicked runs of Boom, want 2", panicked)
	}
}

type recordingTracer struct {
	mu    sync.Mutex
	tasks []TaskRecord
	goals []GoalRecord
}

func (r *recordingTracer) TaskDone(rec TaskRecord) {
	r.mu.Lock()
	r.tasks = append(r.tasks, rec)
	r.mu.Unlock()
}

func (r *recordingTracer) GoalStarted(rec GoalRecord) {
	r.mu.Lock()
	r.goals = append(r.goals, rec)
	r.mu.Unlock()
}

func (r *recordingTracer) taskRecords() []TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskRecord(nil), r.tasks...)
}

func TestTracerSeesGoalsInOrder(t *testing.T) {
	rec := &recordingTracer{}
	s := New(Config{Workers: 2}, zaptest.NewLogger(t), WithTracer(rec))
	t.Cleanup(s.Close)
	for _, g := range frameGoals {
		if err := s.AddGoal(g); err != nil {
			t.Fatal(err)
		}
	}

	s.Update()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.goals) != len(frameGoals) {
		t.Fatalf("got %d goal records, want %d", len(rec.goals), len(frameGoals))
	}
	for i, g := range rec.goals {
		if g.Goal != frameGoals[i] || g.Index != i || g.Frame != 1 {
			t.Errorf("goal record %d = %+v", i, g)
		}
	}
}

// goExecutor runs each job on its own goroutine.
type goExecutor struct {
	wg      sync.WaitGroup
	started atomic.Int32
}

func (e *goExecutor) Submit(job func()) {
	e.started.Add(1)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		job()
	}()
}

func (e *goExecutor) Stop() { e.wg.Wait() }

func TestCustomExecutor(t *testing.T) {
	exec := &goExecutor{}
	s := New(Config{}, zaptest.NewLogger(t), WithExecutor(exec))
	if err := s.AddGoal("Only"); err != nil {
		t.Fatal(err)
	}
	var runs atomic.Int32
	mustAddTask(t, s, "T", func(TaskInfo) { runs.Add(1) }, nil, "Only", "Only")

	s.Update()
	s.Update()
	s.Close()

	if runs.Load() != 2 || exec.started.Load() != 2 {
		t.Errorf("runs=%d submitted=%d, want 2 and 2", runs.Load(), exec.started.Load())
	}
}

func TestCloseShutsDownInReverseOrder(t *testing.T) {
	s := New(Config{Workers: 1}, zaptest.NewLogger(t))
	var order []string
	for _, n := range []string{"Window", "Render", "UI"} {
		if _, err := s.RegisterSystem(n, &testSystem{name: n, shutdown: &order}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.AddGoal("Start"); err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	if fmt.Sprint(order) != "[UI Render Window]" {
		t.Errorf("shutdown order = %v", order)
	}
	if err := s.AddTask("late", func(TaskInfo) {}, nil, "Start", "Start"); !errors.Is(err, ErrClosed) {
		t.Errorf("AddTask after Close: got %v, want ErrClosed", err)
	}
	if err := s.AddAsyncTask("late", func(TaskInfo) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("AddAsyncTask after Close: got %v, want ErrClosed", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(t, frameGoals)
	var frames atomic.Int32
	mustAddTask(t, s, "Tick", func(TaskInfo) { frames.Add(1) }, nil, "Start", "Start")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx, time.Millisecond); err == nil {
		t.Error("Run should return the context error")
	}
	if frames.Load() == 0 {
		t.Error("Run never advanced a frame")
	}
}
