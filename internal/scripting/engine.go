package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/byteengine/taskgraph/internal/core/sched"
	"github.com/byteengine/taskgraph/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// SystemName is the registry name of the Lua engine. Every Lua task writes
// it, which keeps the VM on one goroutine at a time.
const SystemName = "Scripting"

// BudgetFunction, when a script defines it, maps the configured frame
// interval in milliseconds to the frame budget used for overrun counting.
const BudgetFunction = "frame_budget"

// Engine wraps a single gopher-lua VM. It is registered as a system and
// only touched from tasks that declare write access to SystemName.
type Engine struct {
	vm      *lua.LState
	log     *zap.Logger
	systems *system.Registry

	current string // task currently calling into the VM, for log fields
}

// System returns an AddSystem constructor that loads scripts from dir.
func System(dir string, log *zap.Logger) func(*sched.Scheduler) (*Engine, error) {
	return func(s *sched.Scheduler) (*Engine, error) {
		return NewEngine(dir, s.Systems(), log)
	}
}

// NewEngine creates a Lua engine and loads all scripts from dir, then from
// its core/ and tasks/ subdirectories.
func NewEngine(dir string, systems *system.Registry, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log.Named("lua"), systems: systems}
	e.registerAPI()

	for _, d := range []string{dir, filepath.Join(dir, "core"), filepath.Join(dir, "tasks")} {
		if err := e.loadDir(d); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load scripts: %w", err)
		}
	}
	return e, nil
}

// loadDir loads all .lua files in a directory. Missing directories are skipped.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// LoadString runs a chunk of Lua source in the VM.
func (e *Engine) LoadString(src string) error {
	return e.vm.DoString(src)
}

// HasFunction reports whether a global Lua function is defined.
func (e *Engine) HasFunction(name string) bool {
	_, ok := e.vm.GetGlobal(name).(*lua.LFunction)
	return ok
}

// Call invokes the global Lua function fn with a context table describing
// the running task.
func (e *Engine) Call(fn string, info sched.TaskInfo) error {
	lfn := e.vm.GetGlobal(fn)
	if lfn == lua.LNil {
		return fmt.Errorf("lua function %s not found", fn)
	}

	ctx := e.vm.NewTable()
	ctx.RawSetString("task", lua.LString(info.Name))
	ctx.RawSetString("goal", lua.LString(info.Goal))
	ctx.RawSetString("frame", lua.LNumber(info.Frame))
	ctx.RawSetString("kind", lua.LString(info.Kind.String()))

	e.current = info.Name
	defer func() { e.current = "" }()

	if err := e.vm.CallByParam(lua.P{
		Fn:      lfn,
		NRet:    0,
		Protect: true,
	}, ctx); err != nil {
		return fmt.Errorf("lua %s: %w", fn, err)
	}
	return nil
}

// Number calls a global Lua function with numeric arguments and returns its
// single numeric result.
func (e *Engine) Number(name string, args ...float64) (float64, error) {
	fn := e.vm.GetGlobal(name)
	if fn == lua.LNil {
		return 0, fmt.Errorf("lua function %s not found", name)
	}

	lArgs := make([]lua.LValue, len(args))
	for i, a := range args {
		lArgs[i] = lua.LNumber(a)
	}

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, lArgs...); err != nil {
		return 0, fmt.Errorf("lua %s: %w", name, err)
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)
	n, ok := result.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("lua %s returned %s, not a number", name, result.Type())
	}
	return float64(n), nil
}

// Shutdown closes the VM at scheduler teardown.
func (e *Engine) Shutdown() {
	e.vm.Close()
}
