// Package scripting embeds a Lua VM for data-driven entity behaviours. An
// engine wraps one VM and is not safe for concurrent calls; behaviour
// functions get a plain context table in and return a result table, so
// scripts never hold references into the component stores.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM.
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all .lua files from dir. A
// missing directory is not an error; the engine just has no behaviours.
func NewEngine(dir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState()
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(dir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	return e, nil
}

// Close releases the VM.
func (e *Engine) Close() { e.vm.Close() }

// LoadString executes inline Lua source, mainly for tests.
func (e *Engine) LoadString(src string) error {
	return e.vm.DoString(src)
}

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

// StepContext holds the pre-packed data for one behaviour step.
type StepContext struct {
	Tick uint64
	Key  uint32
	X    float64
	Y    float64
}

// StepResult is returned by a Lua behaviour function.
type StepResult struct {
	X float64
	Y float64
}

// HasBehavior reports whether a global Lua function with this name exists.
func (e *Engine) HasBehavior(name string) bool {
	fn := e.vm.GetGlobal(name)
	_, ok := fn.(*lua.LFunction)
	return ok
}

// Step calls the named Lua behaviour with the context and decodes the
// result table. On any script error the input position is returned
// unchanged so a bad script cannot corrupt the simulation.
func (e *Engine) Step(name string, ctx StepContext) StepResult {
	fallback := StepResult{X: ctx.X, Y: ctx.Y}

	fn := e.vm.GetGlobal(name)
	if fn == lua.LNil {
		e.log.Error("lua behaviour not found", zap.String("fn", name))
		return fallback
	}

	t := e.vm.NewTable()
	t.RawSetString("tick", lua.LNumber(ctx.Tick))
	t.RawSetString("key", lua.LNumber(ctx.Key))
	t.RawSetString("x", lua.LNumber(ctx.X))
	t.RawSetString("y", lua.LNumber(ctx.Y))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua behaviour error", zap.String("fn", name), zap.Error(err))
		return fallback
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		e.log.Error("lua behaviour returned non-table", zap.String("fn", name))
		return fallback
	}
	return StepResult{
		X: float64(lua.LVAsNumber(rt.RawGetString("x"))),
		Y: float64(lua.LVAsNumber(rt.RawGetString("y"))),
	}
}
