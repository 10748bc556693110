package system

import (
	"time"

	"github.com/byteengine/taskgraph/internal/core/sched"
)

// ClockName is the registry name of the frame clock.
const ClockName = "Clock"

// Clock tracks frame timing. Its tick task writes it at the start of every
// frame; other tasks read it by declaring sched.Reads(ClockName).
type Clock struct {
	now     func() time.Time
	start   time.Time
	last    time.Time
	delta   time.Duration
	frame   uint64
	overrun int
	budget  time.Duration
}

// ClockSystem returns a constructor that ticks the clock when goal starts.
// budget is the target frame period; longer frames count as overruns.
func ClockSystem(goal string, budget time.Duration) func(*sched.Scheduler) (*Clock, error) {
	return func(s *sched.Scheduler) (*Clock, error) {
		c := newClock(time.Now, budget)
		if err := s.AddTask("clock.tick", c.tick, []sched.Access{sched.Writes(ClockName)}, goal, goal); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newClock(now func() time.Time, budget time.Duration) *Clock {
	t := now()
	return &Clock{now: now, start: t, last: t, budget: budget}
}

func (c *Clock) tick(info sched.TaskInfo) {
	t := c.now()
	c.delta = t.Sub(c.last)
	c.last = t
	c.frame = info.Frame
	if c.budget > 0 && c.frame > 1 && c.delta > c.budget {
		c.overrun++
	}
}

// Frame is the frame number seen by the last tick.
func (c *Clock) Frame() uint64 { return c.frame }

// Delta is the time between the last two ticks.
func (c *Clock) Delta() time.Duration { return c.delta }

// Elapsed is the time from clock creation to the last tick.
func (c *Clock) Elapsed() time.Duration { return c.last.Sub(c.start) }

// Overruns counts frames that took longer than the budget.
func (c *Clock) Overruns() int { return c.overrun }

// Budget is the frame period above which a frame counts as an overrun.
func (c *Clock) Budget() time.Duration { return c.budget }

// SetBudget replaces the overrun budget. Callers need write access to the
// clock, or must call it before frames run.
func (c *Clock) SetBudget(d time.Duration) { c.budget = d }
