package sched

import (
	"fmt"

	"github.com/byteengine/taskgraph/internal/core/system"
)

// AccessKind is how a task touches a system.
type AccessKind uint8

const (
	Read      AccessKind = 1
	ReadWrite AccessKind = 4
)

func (k AccessKind) String() string {
	switch k {
	case Read:
		return "READ"
	case ReadWrite:
		return "READ_WRITE"
	default:
		return fmt.Sprintf("AccessKind(%d)", uint8(k))
	}
}

// Access is one entry of a task's access descriptor.
type Access struct {
	System string
	Kind   AccessKind
}

// Reads declares read-only access to a system.
func Reads(name string) Access { return Access{System: name, Kind: Read} }

// Writes declares read-write access to a system.
func Writes(name string) Access { return Access{System: name, Kind: ReadWrite} }

// access is an Access resolved against the system registry.
type access struct {
	sys  system.Handle
	kind AccessKind
}

// resolveAccess maps names to handles and merges repeated systems, with
// ReadWrite taking precedence over Read.
func resolveAccess(reg *system.Registry, desc []Access) ([]access, error) {
	out := make([]access, 0, len(desc))
	for _, d := range desc {
		if d.Kind != Read && d.Kind != ReadWrite {
			return nil, fmt.Errorf("access to %q: %w", d.System, ErrBadAccess)
		}
		h, err := reg.Lookup(d.System)
		if err != nil {
			return nil, err
		}
		merged := false
		for i := range out {
			if out[i].sys == h {
				if d.Kind == ReadWrite {
					out[i].kind = ReadWrite
				}
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, access{sys: h, kind: d.Kind})
		}
	}
	return out, nil
}

// mark is the current access state of one system: FREE when both fields are
// zero, READ(n) when readers > 0, WRITE when writing is set.
type mark struct {
	readers int
	writing bool
}

// resolver tracks per-system access marks. It is not safe for concurrent use;
// the Scheduler serializes every call under its state lock.
type resolver struct {
	marks []mark
}

func (r *resolver) ensure(h system.Handle) {
	if int(h) >= len(r.marks) {
		grown := make([]mark, int(h)+1)
		copy(grown, r.marks)
		r.marks = grown
	}
}

// runnable reports whether every access in acc can be granted now.
func (r *resolver) runnable(acc []access) bool {
	for _, a := range acc {
		if int(a.sys) >= len(r.marks) {
			continue
		}
		m := r.marks[a.sys]
		if m.writing {
			return false
		}
		if a.kind == ReadWrite && m.readers > 0 {
			return false
		}
	}
	return true
}

// acquire marks acc as running if it is runnable and reports whether it did.
func (r *resolver) acquire(acc []access) bool {
	if !r.runnable(acc) {
		return false
	}
	for _, a := range acc {
		r.ensure(a.sys)
		if a.kind == ReadWrite {
			r.marks[a.sys].writing = true
		} else {
			r.marks[a.sys].readers++
		}
	}
	return true
}

// release undoes a successful acquire.
func (r *resolver) release(acc []access) {
	for _, a := range acc {
		if int(a.sys) >= len(r.marks) {
			panic(fmt.Sprintf("sched: release of untracked system %d", a.sys))
		}
		m := &r.marks[a.sys]
		if a.kind == ReadWrite {
			if !m.writing {
				panic(fmt.Sprintf("sched: write release on system %d not held for writing", a.sys))
			}
			m.writing = false
			continue
		}
		if m.readers == 0 {
			panic(fmt.Sprintf("sched: read release on system %d with no readers", a.sys))
		}
		m.readers--
	}
}

// state returns the mark of h for diagnostics and tests.
func (r *resolver) state(h system.Handle) mark {
	if int(h) >= len(r.marks) {
		return mark{}
	}
	return r.marks[h]
}

// reservations holds the accesses of runs that are waiting to start. A
// younger run that conflicts with one of them queues behind it instead of
// overtaking, so a stream of resubmitted work cannot starve an older run.
type reservations map[system.Handle]AccessKind

// conflicts reports whether acc overlaps a reservation with at least one
// side writing.
func (r reservations) conflicts(acc []access) bool {
	for _, a := range acc {
		if k, ok := r[a.sys]; ok && (k == ReadWrite || a.kind == ReadWrite) {
			return true
		}
	}
	return false
}

func (r reservations) hold(acc []access) {
	for _, a := range acc {
		if k, ok := r[a.sys]; !ok || a.kind > k {
			r[a.sys] = a.kind
		}
	}
}
