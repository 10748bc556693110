package sched

import (
	"fmt"
	"sync"

	"github.com/byteengine/taskgraph/internal/core/system"
)

// goalID is the stable identity of a goal. Positions change when goals are
// inserted; ids do not, so task registrations keep pointing at the same goal.
type goalID int

const noGoal goalID = -1

type goal struct {
	id   goalID
	name string
}

// goalSeq is the ordered list of named phase barriers.
type goalSeq struct {
	mu     sync.RWMutex
	order  []goal
	byName map[string]goalID
	pos    map[goalID]int
	nextID goalID
}

func newGoalSeq() *goalSeq {
	return &goalSeq{
		order:  make([]goal, 0, 8),
		byName: make(map[string]goalID, 8),
		pos:    make(map[goalID]int, 8),
	}
}

func (g *goalSeq) add(name string) (goalID, error) {
	return g.insert(name, "", false)
}

func (g *goalSeq) addAfter(name, after string) (goalID, error) {
	return g.insert(name, after, true)
}

func (g *goalSeq) insert(name, after string, hasAfter bool) (goalID, error) {
	name, err := system.CanonicalName(name)
	if err != nil {
		return noGoal, err
	}
	if hasAfter {
		if after, err = system.CanonicalName(after); err != nil {
			return noGoal, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.byName[name]; ok {
		return noGoal, ErrDuplicateGoal
	}
	at := len(g.order)
	if hasAfter {
		afterID, ok := g.byName[after]
		if !ok {
			return noGoal, fmt.Errorf("insert after %q: %w", after, ErrUnknownGoal)
		}
		at = g.pos[afterID] + 1
	}

	id := g.nextID
	g.nextID++
	g.order = append(g.order, goal{})
	copy(g.order[at+1:], g.order[at:])
	g.order[at] = goal{id: id, name: name}
	g.byName[name] = id
	for i := at; i < len(g.order); i++ {
		g.pos[g.order[i].id] = i
	}
	return id, nil
}

// lookup returns the id and current position of name.
func (g *goalSeq) lookup(name string) (goalID, int, error) {
	cname, err := system.CanonicalName(name)
	if err != nil {
		return noGoal, -1, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byName[cname]
	if !ok {
		return noGoal, -1, fmt.Errorf("goal %q: %w", name, ErrUnknownGoal)
	}
	return id, g.pos[id], nil
}

func (g *goalSeq) name(id goalID) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.pos[id]; ok {
		return g.order[p].name
	}
	return ""
}

func (g *goalSeq) snapshot() []goal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]goal, len(g.order))
	copy(out, g.order)
	return out
}

func (g *goalSeq) names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	for i, gl := range g.order {
		out[i] = gl.name
	}
	return out
}
