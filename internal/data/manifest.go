package data

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest describes the scripted part of a frame: extra goals, plain state
// systems owned by scripts, and Lua task bindings.
type Manifest struct {
	Goals   []GoalEntry `yaml:"goals"`
	Systems []string    `yaml:"systems"`
	Tasks   []TaskEntry `yaml:"tasks"`
}

// GoalEntry appends a goal, or inserts it right after After when set.
type GoalEntry struct {
	Name  string `yaml:"name"`
	After string `yaml:"after"`
}

// TaskEntry binds a global Lua function to a recurring task.
type TaskEntry struct {
	Name     string        `yaml:"name"`
	Function string        `yaml:"function"`
	StartOn  string        `yaml:"start_on"`
	DoneFor  string        `yaml:"done_for"`
	Access   []AccessEntry `yaml:"access"`
}

type AccessEntry struct {
	System string `yaml:"system"`
	Kind   string `yaml:"kind"` // "read" or "read_write"
}

// Write reports whether the entry asks for exclusive access.
func (a AccessEntry) Write() bool { return a.Kind == "read_write" }

// LoadManifest loads a frame manifest YAML file.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// GoalOrder returns the goal sequence after applying the manifest's goals to
// base in file order.
func (m *Manifest) GoalOrder(base []string) ([]string, error) {
	order := append([]string(nil), base...)
	seen := make(map[string]bool, len(order)+len(m.Goals))
	for _, g := range order {
		seen[g] = true
	}
	for _, g := range m.Goals {
		if g.Name == "" {
			return nil, fmt.Errorf("goal with empty name")
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("goal %q declared twice", g.Name)
		}
		seen[g.Name] = true
		if g.After == "" {
			order = append(order, g.Name)
			continue
		}
		at := -1
		for i, name := range order {
			if name == g.After {
				at = i + 1
				break
			}
		}
		if at < 0 {
			return nil, fmt.Errorf("goal %q: after unknown goal %q", g.Name, g.After)
		}
		order = append(order, "")
		copy(order[at+1:], order[at:])
		order[at] = g.Name
	}
	return order, nil
}

// Validate checks the manifest against the configured base goals and the
// names of systems registered outside the manifest.
func (m *Manifest) Validate(baseGoals, systems []string) error {
	order, err := m.GoalOrder(baseGoals)
	if err != nil {
		return err
	}
	pos := make(map[string]int, len(order))
	for i, g := range order {
		pos[g] = i
	}

	known := make(map[string]bool, len(systems)+len(m.Systems))
	for _, s := range systems {
		known[s] = true
	}
	for _, s := range m.Systems {
		if s == "" || known[s] {
			return fmt.Errorf("system %q: empty or declared twice", s)
		}
		known[s] = true
	}

	type taskKey struct{ name, goal string }
	tasks := make(map[taskKey]bool, len(m.Tasks))
	for _, t := range m.Tasks {
		if t.Name == "" || t.Function == "" {
			return fmt.Errorf("task %q: name and function are required", t.Name)
		}
		start, ok := pos[t.StartOn]
		if !ok {
			return fmt.Errorf("task %q: unknown start_on goal %q", t.Name, t.StartOn)
		}
		done, ok := pos[t.DoneFor]
		if !ok {
			return fmt.Errorf("task %q: unknown done_for goal %q", t.Name, t.DoneFor)
		}
		if start > done {
			return fmt.Errorf("task %q: start_on %q comes after done_for %q", t.Name, t.StartOn, t.DoneFor)
		}
		k := taskKey{t.Name, t.StartOn}
		if tasks[k] {
			return fmt.Errorf("task %q declared twice on %q", t.Name, t.StartOn)
		}
		tasks[k] = true
		for _, a := range t.Access {
			if !known[a.System] {
				return fmt.Errorf("task %q: unknown system %q", t.Name, a.System)
			}
			if a.Kind != "read" && a.Kind != "read_write" {
				return fmt.Errorf("task %q: access kind %q on %q", t.Name, a.Kind, a.System)
			}
		}
	}
	return nil
}
