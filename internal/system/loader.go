package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/byteengine/taskgraph/internal/core/event"
	"github.com/byteengine/taskgraph/internal/core/sched"
	"go.uber.org/zap"
)

// LoaderName is the registry name of the resource loader.
const LoaderName = "ResourceLoader"

// ResourceLoaded fires once per finished load, successful or not.
var ResourceLoaded = event.NewHandle[Resource]("ResourceLoaded")

// Resource is the result of one load.
type Resource struct {
	Name string
	Data []byte
	Err  error
}

// Loader reads files off the frame. A request starts an async read; the read
// hands its result back through a stored dynamic task, which records it and
// fires ResourceLoaded for subscribers.
type Loader struct {
	root     string
	bus      *event.Bus
	log      *zap.Logger
	onLoaded sched.DynamicTaskHandle[Resource]

	pending map[string]bool
	loaded  map[string]Resource
}

// LoaderSystem returns a constructor for a loader rooted at root.
func LoaderSystem(root string, bus *event.Bus, log *zap.Logger) func(*sched.Scheduler) (*Loader, error) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(s *sched.Scheduler) (*Loader, error) {
		l := &Loader{
			root:    root,
			bus:     bus,
			log:     log.Named("loader"),
			pending: make(map[string]bool),
			loaded:  make(map[string]Resource),
		}
		h, err := sched.StoreDynamicTask(s, "loader.onLoaded", l.store, []sched.Access{sched.Writes(LoaderName)})
		if err != nil {
			return nil, err
		}
		l.onLoaded = h
		if err := event.AddEvent(bus, LoaderName, ResourceLoaded); err != nil {
			_ = sched.ReleaseDynamicTask(s, h)
			return nil, err
		}
		return l, nil
	}
}

// Request starts loading name unless it is loaded or already in flight. The
// caller must hold write access to the loader.
func (l *Loader) Request(s *sched.Scheduler, name string) error {
	if l.pending[name] {
		return nil
	}
	if _, ok := l.loaded[name]; ok {
		return nil
	}
	path, err := l.path(name)
	if err != nil {
		return err
	}
	if err := s.AddAsyncTask("loader.read", func(info sched.TaskInfo) {
		data, readErr := os.ReadFile(path)
		res := Resource{Name: name, Data: data, Err: readErr}
		if err := sched.AddDynamicTask(info.Scheduler, l.onLoaded, res); err != nil {
			l.log.Warn("load result dropped", zap.String("resource", name), zap.Error(err))
		}
	}); err != nil {
		return err
	}
	l.pending[name] = true
	return nil
}

// RequestTask wraps Request as a free task holding write access to the
// loader, for callers outside any task.
func (l *Loader) RequestTask(s *sched.Scheduler, names ...string) error {
	return s.AddFreeDynamicTask("loader.request", func(info sched.TaskInfo) {
		for _, n := range names {
			if err := l.Request(info.Scheduler, n); err != nil {
				l.log.Warn("load request rejected", zap.String("resource", n), zap.Error(err))
			}
		}
	}, []sched.Access{sched.Writes(LoaderName)})
}

func (l *Loader) path(name string) (string, error) {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resource %q escapes loader root", name)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Loader) store(info sched.TaskInfo, r Resource) {
	delete(l.pending, r.Name)
	l.loaded[r.Name] = r
	if r.Err != nil {
		l.log.Warn("resource load failed", zap.String("resource", r.Name), zap.Error(r.Err))
	} else {
		l.log.Debug("resource loaded", zap.String("resource", r.Name), zap.Int("bytes", len(r.Data)))
	}
	if err := event.Dispatch(l.bus, LoaderName, ResourceLoaded, r); err != nil {
		l.log.Warn("resource event dispatch failed", zap.String("resource", r.Name), zap.Error(err))
	}
}

// Loaded returns a finished load. Callers need read access to the loader.
func (l *Loader) Loaded(name string) (Resource, bool) {
	r, ok := l.loaded[name]
	return r, ok
}

// Pending returns the number of loads in flight.
func (l *Loader) Pending() int { return len(l.pending) }
