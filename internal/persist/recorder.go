package persist

import (
	"sync"

	"github.com/byteengine/taskgraph/internal/core/sched"
	"github.com/google/uuid"
)

// Batch is a drained set of trace records for one run.
type Batch struct {
	RunID   uuid.UUID
	Tasks   []sched.TaskRecord
	Goals   []sched.GoalRecord
	Dropped int64
}

func (b Batch) Empty() bool {
	return len(b.Tasks) == 0 && len(b.Goals) == 0 && b.Dropped == 0
}

// Recorder is a sched.Tracer that buffers records in memory until drained.
// Once limit records are buffered, new ones are counted and dropped.
type Recorder struct {
	runID uuid.UUID
	limit int

	mu      sync.Mutex
	tasks   []sched.TaskRecord
	goals   []sched.GoalRecord
	dropped int64
}

func NewRecorder(runID uuid.UUID, limit int) *Recorder {
	if limit <= 0 {
		limit = 8192
	}
	return &Recorder{
		runID: runID,
		limit: limit,
		tasks: make([]sched.TaskRecord, 0, 256),
		goals: make([]sched.GoalRecord, 0, 64),
	}
}

func (r *Recorder) RunID() uuid.UUID { return r.runID }

func (r *Recorder) TaskDone(rec sched.TaskRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks)+len(r.goals) >= r.limit {
		r.dropped++
		return
	}
	r.tasks = append(r.tasks, rec)
}

func (r *Recorder) GoalStarted(rec sched.GoalRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks)+len(r.goals) >= r.limit {
		r.dropped++
		return
	}
	r.goals = append(r.goals, rec)
}

// Drain hands over everything buffered so far and resets the buffers.
func (r *Recorder) Drain() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Batch{RunID: r.runID, Tasks: r.tasks, Goals: r.goals, Dropped: r.dropped}
	r.tasks = make([]sched.TaskRecord, 0, cap(r.tasks))
	r.goals = make([]sched.GoalRecord, 0, cap(r.goals))
	r.dropped = 0
	return b
}

// Len returns the number of buffered records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks) + len(r.goals)
}
