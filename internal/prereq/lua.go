package prereq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Shopify/go-lua"

	"flowboard/internal/domain"
)

const (
	luaValidateFunc     = "validate"
	luaGlobalTableName  = "_G"
	luaGlobalTableIndex = -2
	luaArrayTableIndex  = -3
	luaMapTableIndex    = -3
)

// Globals with filesystem or process reach are stripped before user scripts run.
var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile", "load",
}

// checkScript runs a user-supplied Lua file exposing
// validate(process, kanban) -> satisfied, message. A missing file, missing
// entry point or runtime error is unsatisfied, never an engine failure.
func (e *Evaluator) checkScript(_ context.Context, p domain.Prerequisite, proc *domain.Process, k *domain.Kanban) (bool, string) {
	if p.Script == "" {
		return false, "script prerequisite without a script path"
	}
	path := p.Script
	if !filepath.IsAbs(path) && e.ScriptDir != "" {
		path = filepath.Join(e.ScriptDir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Sprintf("script %s: %v", p.Script, err)
	}

	L := lua.NewState()
	setupSandbox(L)
	if err := lua.LoadString(L, string(src)); err != nil {
		return false, fmt.Sprintf("script %s: %v", p.Script, err)
	}
	if err := L.ProtectedCall(0, 0, 0); err != nil {
		return false, fmt.Sprintf("script %s: %v", p.Script, err)
	}
	L.Global(luaValidateFunc)
	if !L.IsFunction(-1) {
		return false, fmt.Sprintf("script %s does not define %s()", p.Script, luaValidateFunc)
	}
	goToLua(L, toPlain(proc))
	goToLua(L, toPlain(k))
	if err := L.ProtectedCall(2, 2, 0); err != nil {
		return false, fmt.Sprintf("script %s: %v", p.Script, err)
	}
	message := ""
	if L.IsString(-1) {
		message, _ = L.ToString(-1)
	}
	satisfied := L.ToBoolean(-2)
	L.Pop(2)
	return satisfied, message
}

func setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

// toPlain round-trips a struct through JSON so scripts see plain tables.
func toPlain(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case map[string]any:
		pushLuaMap(L, v)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaArrayTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaMapTableIndex)
	}
}
