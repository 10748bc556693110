package sched

import "time"

// TaskRecord describes one completed task execution.
type TaskRecord struct {
	Frame    uint64
	Task     string
	Kind     Kind
	Goal     string
	Start    time.Time
	End      time.Time
	Panicked bool
}

// GoalRecord marks the moment a goal's barrier opened.
type GoalRecord struct {
	Frame uint64
	Goal  string
	Index int
	At    time.Time
}

// Tracer receives execution records. Methods are called from worker
// goroutines and the frame loop concurrently.
type Tracer interface {
	TaskDone(TaskRecord)
	GoalStarted(GoalRecord)
}

type nopTracer struct{}

func (nopTracer) TaskDone(TaskRecord)    {}
func (nopTracer) GoalStarted(GoalRecord) {}
