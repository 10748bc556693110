package sched

import (
	"errors"
	"fmt"

	"github.com/byteengine/taskgraph/internal/core/system"
)

var (
	ErrUnknownGoal   = errors.New("unknown goal")
	ErrDuplicateGoal = errors.New("goal already exists")
	ErrDuplicateTask = errors.New("task already exists on goal")
	ErrUnknownTask   = errors.New("unknown task")
	ErrGoalOrder     = errors.New("start goal comes after completion goal")
	ErrUnknownHandle = errors.New("unknown dynamic task handle")
	ErrBadAccess     = errors.New("invalid access kind")
	ErrNilBody       = errors.New("nil task body")
	ErrClosed        = errors.New("scheduler closed")

	ErrUnknownSystem   = system.ErrUnknownSystem
	ErrDuplicateSystem = system.ErrDuplicateSystem
	ErrEmptyName       = system.ErrEmptyName
)

// RegistrationError reports a rejected registration. A rejected call never
// leaves a task, goal or system behind.
type RegistrationError struct {
	Op   string
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
