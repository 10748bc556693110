package system

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/byteengine/taskgraph/internal/core/sched"
	"github.com/byteengine/taskgraph/internal/persist"
	"go.uber.org/zap"
)

// FlusherName is the registry name of the trace flusher.
const FlusherName = "TraceFlusher"

// BatchWriter persists drained trace batches.
type BatchWriter interface {
	WriteBatch(ctx context.Context, b persist.Batch) error
}

// TraceFlusher drains the trace recorder every few frames and writes the
// batch from an async task so the database round trip stays off the frame.
type TraceFlusher struct {
	rec     *persist.Recorder
	w       BatchWriter
	log     *zap.Logger
	every   uint64
	timeout time.Duration

	writing atomic.Bool
	written atomic.Int64
	failed  atomic.Int64
}

// FlusherSystem returns a constructor whose flush task runs when goal starts.
func FlusherSystem(rec *persist.Recorder, w BatchWriter, goal string, every int, timeout time.Duration, log *zap.Logger) func(*sched.Scheduler) (*TraceFlusher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(s *sched.Scheduler) (*TraceFlusher, error) {
		f := &TraceFlusher{
			rec:     rec,
			w:       w,
			log:     log.Named("trace"),
			every:   uint64(max(every, 1)),
			timeout: timeout,
		}
		if err := s.AddTask("trace.flush", f.flush, []sched.Access{sched.Writes(FlusherName)}, goal, goal); err != nil {
			return nil, err
		}
		return f, nil
	}
}

func (f *TraceFlusher) flush(info sched.TaskInfo) {
	if info.Frame%f.every != 0 {
		return
	}
	// A slow write keeps the records buffered until the next flush.
	if !f.writing.CompareAndSwap(false, true) {
		return
	}
	b := f.rec.Drain()
	if b.Empty() {
		f.writing.Store(false)
		return
	}
	err := info.Scheduler.AddAsyncTask("trace.write", func(sched.TaskInfo) {
		defer f.writing.Store(false)
		f.write(b)
	})
	if err != nil {
		f.writing.Store(false)
		f.log.Warn("trace write not scheduled", zap.Error(err))
	}
}

func (f *TraceFlusher) write(b persist.Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.w.WriteBatch(ctx, b); err != nil {
		f.failed.Add(int64(len(b.Tasks) + len(b.Goals)))
		f.log.Error("trace write failed", zap.Int("tasks", len(b.Tasks)), zap.Error(err))
		return
	}
	f.written.Add(int64(len(b.Tasks) + len(b.Goals)))
	if b.Dropped > 0 {
		f.log.Warn("trace records dropped", zap.Int64("dropped", b.Dropped))
	}
}

// Written returns the number of records persisted so far.
func (f *TraceFlusher) Written() int64 { return f.written.Load() }

// Failed returns the number of records lost to write errors.
func (f *TraceFlusher) Failed() int64 { return f.failed.Load() }

// Shutdown writes whatever is still buffered.
func (f *TraceFlusher) Shutdown() {
	if b := f.rec.Drain(); !b.Empty() {
		f.write(b)
	}
	f.log.Info("trace flusher stopped", zap.Int64("written", f.Written()), zap.Int64("failed", f.Failed()))
}
