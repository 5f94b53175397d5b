// Package luatool exposes a directory of Lua scripts as a tool. Each action
// maps to <dir>/<action>.lua, which must define a global run(params)
// function. run receives the step parameters as a table and returns either a
// string or a table { content = string, data = table }.
package luatool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/weftworks/weft/internal/registry"
)

// Executor runs Lua-scripted actions. A fresh interpreter state is created
// per invocation so scripts cannot leak globals into each other.
type Executor struct {
	dir string
}

// New returns an Executor serving the scripts found under dir.
func New(dir string) *Executor {
	return &Executor{dir: dir}
}

// Describe builds a descriptor from the .lua files present in the script
// directory. Every script becomes one parameterless action; scripts read
// whatever parameters the plan hands them at runtime.
func (e *Executor) Describe(name, description string) (registry.ToolDescriptor, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return registry.ToolDescriptor{}, fmt.Errorf("lua scripts dir: %w", err)
	}
	desc := registry.ToolDescriptor{Name: name, Description: description, Enabled: true}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		desc.Actions = append(desc.Actions, registry.Action{
			Name:        strings.TrimSuffix(entry.Name(), ".lua"),
			Description: fmt.Sprintf("Lua script %s", entry.Name()),
		})
	}
	if len(desc.Actions) == 0 {
		return registry.ToolDescriptor{}, fmt.Errorf("no .lua scripts in %s", e.dir)
	}
	return desc, nil
}

func (e *Executor) Execute(ctx context.Context, action string, params map[string]any) (*registry.Result, error) {
	path := filepath.Join(e.dir, action+".lua")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("lua action %q: %w", action, err)
	}

	lState := lua.NewState()
	defer lState.Close()
	lState.SetContext(ctx)

	// Scripts get getenv and time, nothing else from the host os module.
	lState.PreloadModule("os", osModuleLoader)

	if err := lState.DoFile(path); err != nil {
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}

	fn := lState.GetGlobal("run")
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("script %s must define global function run(params)", path)
	}

	lState.Push(fn)
	lState.Push(paramsTable(lState, params))
	if err := lState.PCall(1, 1, nil); err != nil {
		return nil, fmt.Errorf("run(): %w", err)
	}

	ret := lState.Get(-1)
	lState.Pop(1)

	switch ret.Type() {
	case lua.LTString:
		return &registry.Result{Content: ret.String()}, nil
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		res := &registry.Result{}
		tbl.ForEach(func(k, v lua.LValue) {
			switch k.String() {
			case "content":
				res.Content = v.String()
			case "data":
				if dt, ok := v.(*lua.LTable); ok {
					res.Data = tableToMap(dt)
				}
			}
		})
		return res, nil
	default:
		return nil, fmt.Errorf("run() must return string or table { content, data }, got %s", ret.Type().String())
	}
}

// paramsTable converts step parameters to a Lua table. Nested maps and
// slices convert recursively; anything else becomes its string form.
func paramsTable(lState *lua.LState, params map[string]any) *lua.LTable {
	tbl := lState.NewTable()
	for k, v := range params {
		lState.SetField(tbl, k, toLValue(lState, v))
	}
	return tbl
}

func toLValue(lState *lua.LState, v any) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case map[string]any:
		tbl := lState.NewTable()
		for k, vv := range t {
			lState.SetField(tbl, k, toLValue(lState, vv))
		}
		return tbl
	case []any:
		tbl := lState.NewTable()
		for _, vv := range t {
			tbl.Append(toLValue(lState, vv))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(t))
	}
}

func tableToMap(tbl *lua.LTable) map[string]any {
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLValue(v)
	})
	return out
}

func fromLValue(v lua.LValue) any {
	switch t := v.(type) {
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		return tableToMap(t)
	default:
		return v.String()
	}
}

// osModuleLoader provides a minimal os module: getenv and time.
func osModuleLoader(lState *lua.LState) int {
	mod := lState.NewTable()
	lState.SetField(mod, "getenv", lState.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)
		ls.Push(lua.LString(os.Getenv(key)))
		return 1
	}))
	lState.SetField(mod, "time", lState.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	lState.Push(mod)
	return 1
}
