package scripting

import (
	"fmt"

	"github.com/byteengine/taskgraph/internal/core/system"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Blackboard is a plain key/value system owned by scripts. It has no lock;
// tasks declare access to it like any other system.
type Blackboard struct {
	name   string
	values map[string]any
}

func NewBlackboard(name string) *Blackboard {
	return &Blackboard{name: name, values: make(map[string]any, 16)}
}

func (b *Blackboard) Get(key string) (any, bool) {
	v, ok := b.values[key]
	return v, ok
}

// Set stores v under key; a nil v deletes the key.
func (b *Blackboard) Set(key string, v any) {
	if v == nil {
		delete(b.values, key)
		return
	}
	b.values[key] = v
}

func (b *Blackboard) Len() int { return len(b.values) }

// registerAPI exposes the host functions scripts may call.
func (e *Engine) registerAPI() {
	e.vm.SetGlobal("log", e.vm.NewFunction(e.luaLog))
	e.vm.SetGlobal("state_get", e.vm.NewFunction(e.luaStateGet))
	e.vm.SetGlobal("state_set", e.vm.NewFunction(e.luaStateSet))
}

func (e *Engine) luaLog(L *lua.LState) int {
	e.log.Info(L.CheckString(1), zap.String("task", e.current))
	return 0
}

func (e *Engine) board(L *lua.LState) *Blackboard {
	name := L.CheckString(1)
	b, err := system.Get[*Blackboard](e.systems, name)
	if err != nil {
		L.RaiseError("state %s: %v", name, err)
		return nil
	}
	return b
}

func (e *Engine) luaStateGet(L *lua.LState) int {
	b := e.board(L)
	v, ok := b.Get(L.CheckString(2))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(v))
	return 1
}

func (e *Engine) luaStateSet(L *lua.LState) int {
	b := e.board(L)
	key := L.CheckString(2)
	v, err := toGo(L.Get(3))
	if err != nil {
		L.RaiseError("state_set %s: %v", key, err)
		return 0
	}
	b.Set(key, v)
	return 0
}

func toGo(v lua.LValue) (any, error) {
	switch lv := v.(type) {
	case lua.LNumber:
		return float64(lv), nil
	case lua.LString:
		return string(lv), nil
	case lua.LBool:
		return bool(lv), nil
	case *lua.LNilType:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type())
	}
}

func toLua(v any) lua.LValue {
	switch gv := v.(type) {
	case float64:
		return lua.LNumber(gv)
	case int:
		return lua.LNumber(gv)
	case string:
		return lua.LString(gv)
	case bool:
		return lua.LBool(gv)
	default:
		return lua.LNil
	}
}
