package scripting

import (
	"fmt"

	"github.com/byteengine/taskgraph/internal/core/sched"
	"github.com/byteengine/taskgraph/internal/data"
	"go.uber.org/zap"
)

// Install applies a frame manifest: goals first, then the blackboard
// systems, then one recurring task per Lua binding.
func (e *Engine) Install(s *sched.Scheduler, m *data.Manifest) error {
	for _, g := range m.Goals {
		var err error
		if g.After == "" {
			err = s.AddGoal(g.Name)
		} else {
			err = s.AddGoalAfter(g.Name, g.After)
		}
		if err != nil {
			return err
		}
	}

	for _, name := range m.Systems {
		if _, err := s.RegisterSystem(name, NewBlackboard(name)); err != nil {
			return err
		}
	}

	for _, t := range m.Tasks {
		if !e.HasFunction(t.Function) {
			return fmt.Errorf("task %q: lua function %s not defined", t.Name, t.Function)
		}
		desc := make([]sched.Access, 0, len(t.Access)+1)
		desc = append(desc, sched.Writes(SystemName))
		for _, a := range t.Access {
			if a.Write() {
				desc = append(desc, sched.Writes(a.System))
			} else {
				desc = append(desc, sched.Reads(a.System))
			}
		}
		if err := s.AddTask(t.Name, e.taskBody(t.Function), desc, t.StartOn, t.DoneFor); err != nil {
			return err
		}
		e.log.Info("bound lua task",
			zap.String("task", t.Name),
			zap.String("function", t.Function),
			zap.String("start_on", t.StartOn),
			zap.String("done_for", t.DoneFor))
	}
	return nil
}

func (e *Engine) taskBody(fn string) sched.Body {
	return func(info sched.TaskInfo) {
		if err := e.Call(fn, info); err != nil {
			e.log.Error("lua task failed", zap.String("task", info.Name), zap.Error(err))
		}
	}
}
