package system

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/byteengine/taskgraph/internal/core/event"
	"github.com/byteengine/taskgraph/internal/core/sched"
	coresys "github.com/byteengine/taskgraph/internal/core/system"
	"github.com/byteengine/taskgraph/internal/persist"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var goals = []string{"FrameStart", "Gameplay", "FrameEnd"}

func newScheduler(t *testing.T, log *zap.Logger, opts ...sched.Option) *sched.Scheduler {
	t.Helper()
	s := sched.New(sched.Config{Workers: 4}, log, opts...)
	t.Cleanup(s.Close)
	for _, g := range goals {
		if err := s.AddGoal(g); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestClockTicksEveryFrame(t *testing.T) {
	s := newScheduler(t, zaptest.NewLogger(t))
	h, err := sched.AddSystem(s, ClockName, ClockSystem("FrameStart", time.Second))
	if err != nil {
		t.Fatal(err)
	}

	var seen []uint64
	if err := s.AddTask("reader", func(info sched.TaskInfo) {
		c, err := coresys.GetByHandle[*Clock](info.Scheduler.Systems(), h)
		if err != nil {
			t.Error(err)
			return
		}
		seen = append(seen, c.Frame())
	}, []sched.Access{sched.Reads(ClockName)}, "Gameplay", "Gameplay"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		s.Update()
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("reader saw frames %v, want [1 2 3]", seen)
	}
}

func TestClockOverruns(t *testing.T) {
	now := time.Unix(100, 0)
	c := newClock(func() time.Time { return now }, 10*time.Millisecond)

	for i, step := range []time.Duration{50 * time.Millisecond, 5 * time.Millisecond, 20 * time.Millisecond} {
		now = now.Add(step)
		c.tick(sched.TaskInfo{Frame: uint64(i + 1)})
	}
	if c.Delta() != 20*time.Millisecond {
		t.Errorf("delta = %s", c.Delta())
	}
	if c.Elapsed() != 75*time.Millisecond {
		t.Errorf("elapsed = %s", c.Elapsed())
	}
	// The first frame is never counted.
	if c.Overruns() != 1 {
		t.Errorf("overruns = %d, want 1", c.Overruns())
	}
}

func TestLoaderContinuation(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := newScheduler(t, log)
	bus := event.NewBus(s, log)

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "mesh.bin"), []byte("vertices"), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := sched.AddSystem(s, LoaderName, LoaderSystem(root, bus, log))
	if err != nil {
		t.Fatal(err)
	}
	l, err := coresys.GetByHandle[*Loader](s.Systems(), h)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	events := map[string]Resource{}
	sub, err := sched.StoreDynamicTask(s, "test.onResource", func(_ sched.TaskInfo, r Resource) {
		mu.Lock()
		events[r.Name] = r
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := event.Subscribe(bus, LoaderName, ResourceLoaded, sub); err != nil {
		t.Fatal(err)
	}

	if err := l.RequestTask(s, "mesh.bin", "missing.bin", "../outside"); err != nil {
		t.Fatal(err)
	}
	s.WaitIdle()

	if len(events) != 2 {
		t.Fatalf("events = %v, want mesh.bin and missing.bin", events)
	}
	if r := events["mesh.bin"]; r.Err != nil || string(r.Data) != "vertices" {
		t.Errorf("mesh.bin = %+v", r)
	}
	if r := events["missing.bin"]; !errors.Is(r.Err, os.ErrNotExist) {
		t.Errorf("missing.bin err = %v", r.Err)
	}
	if _, ok := l.Loaded("mesh.bin"); !ok || l.Pending() != 0 {
		t.Errorf("loader state: loaded=%v pending=%d", ok, l.Pending())
	}

	// Already loaded: no second read, no second event.
	if err := l.RequestTask(s, "mesh.bin"); err != nil {
		t.Fatal(err)
	}
	s.WaitIdle()
	if len(events) != 2 {
		t.Errorf("reloaded a finished resource: %v", events)
	}
}

func TestLoaderFailureLeavesNoTasks(t *testing.T) {
	log := zaptest.NewLogger(t)
	s := newScheduler(t, log)
	// A bus on another scheduler does not know this loader, so AddEvent fails.
	foreign := event.NewBus(newScheduler(t, log), log)

	if _, err := sched.AddSystem(s, LoaderName, LoaderSystem(t.TempDir(), foreign, log)); err == nil {
		t.Fatal("expected the loader constructor to fail")
	}
	if n := s.StoredTasks(); n != 0 {
		t.Errorf("stored tasks after failed loader = %d, want 0", n)
	}
	if _, err := sched.AddSystem(s, LoaderName, LoaderSystem(t.TempDir(), event.NewBus(s, log), log)); err != nil {
		t.Errorf("retry with the right bus: %v", err)
	}
}

type memWriter struct {
	mu      sync.Mutex
	batches []persist.Batch
	err     error
}

func (w *memWriter) WriteBatch(_ context.Context, b persist.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.batches = append(w.batches, b)
	return nil
}

func TestFlusherWritesBatches(t *testing.T) {
	log := zaptest.NewLogger(t)
	rec := persist.NewRecorder(uuid.New(), 1024)
	w := &memWriter{}
	s := sched.New(sched.Config{Workers: 2}, log, sched.WithTracer(rec))
	for _, g := range goals {
		if err := s.AddGoal(g); err != nil {
			t.Fatal(err)
		}
	}
	h, err := sched.AddSystem(s, FlusherName, FlusherSystem(rec, w, "FrameEnd", 2, time.Second, log))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTask("work", func(sched.TaskInfo) {}, nil, "Gameplay", "Gameplay"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		s.Update()
	}
	s.WaitIdle()
	f, err := coresys.GetByHandle[*TraceFlusher](s.Systems(), h)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.batches) < 2 {
		t.Fatalf("got %d batches, want at least 2", len(w.batches))
	}
	var tasks int
	for _, b := range w.batches {
		if b.RunID != rec.RunID() {
			t.Errorf("batch for run %s, want %s", b.RunID, rec.RunID())
		}
		tasks += len(b.Tasks)
	}
	// 4 frames of "work" and "trace.flush", plus the async writes.
	if tasks < 8 {
		t.Errorf("persisted %d task records, want at least 8", tasks)
	}
	if rec.Len() != 0 || f.Failed() != 0 || f.Written() == 0 {
		t.Errorf("buffered=%d failed=%d written=%d", rec.Len(), f.Failed(), f.Written())
	}
}

func TestFlusherCountsFailures(t *testing.T) {
	log := zaptest.NewLogger(t)
	rec := persist.NewRecorder(uuid.New(), 1024)
	w := &memWriter{err: errors.New("connection refused")}
	s := newScheduler(t, log, sched.WithTracer(rec))
	h, err := sched.AddSystem(s, FlusherName, FlusherSystem(rec, w, "FrameEnd", 1, time.Second, log))
	if err != nil {
		t.Fatal(err)
	}

	s.Update()
	s.Update()
	s.WaitIdle()

	f, _ := coresys.GetByHandle[*TraceFlusher](s.Systems(), h)
	if f.Failed() == 0 || f.Written() != 0 {
		t.Errorf("failed=%d written=%d", f.Failed(), f.Written())
	}
}
