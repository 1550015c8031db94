package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/Maneox/List-IQ/internal/domain"
)

// FetchScript runs a Lua script source in a sandboxed interpreter. The
// sandbox exposes only http_get, json_decode, json_encode, and print; the
// os, io, and load facilities are unavailable. The script defines a nullary
// main() returning an array of tables, which becomes the JSON payload handed
// to the decoder; a script without main() falls back to its printed output.
// Printed lines are returned separately for the run log, on failure too.
func (f *Fetcher) FetchScript(ctx context.Context, cfg domain.UpdateConfig) ([]byte, []string, error) {
	if cfg.Language != "" && !strings.EqualFold(cfg.Language, "lua") {
		return nil, nil, &domain.ConfigError{Field: "language", Reason: fmt.Sprintf("unsupported script language %q", cfg.Language)}
	}

	// Scripts get a generous wall-clock budget unless the config tightens it.
	timeout := time.Hour
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	L.SetContext(runCtx)

	// Base libraries only; no os, io, debug, or package loading.
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(open.fn))
		L.Push(lua.LString(open.name))
		L.Call(1, 0)
	}
	for _, banned := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(banned, lua.LNil)
	}

	var printed []string
	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, lua.LVAsString(L.ToStringMeta(L.Get(i))))
		}
		printed = append(printed, strings.Join(parts, "\t"))
		return 0
	}))

	L.SetGlobal("http_get", L.NewFunction(func(L *lua.LState) int {
		rawURL := L.CheckString(1)
		var headers map[string]string
		if L.GetTop() >= 2 {
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				headers = map[string]string{}
				tbl.ForEach(func(k, v lua.LValue) {
					headers[lua.LVAsString(k)] = lua.LVAsString(v)
				})
			}
		}
		body, err := f.fetch(runCtx, rawURL, headers, timeout)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(body))
		return 1
	}))

	L.SetGlobal("json_decode", L.NewFunction(func(L *lua.LState) int {
		var doc any
		if err := json.Unmarshal([]byte(L.CheckString(1)), &doc); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(goToLua(L, doc))
		return 1
	}))

	L.SetGlobal("json_encode", L.NewFunction(func(L *lua.LState) int {
		blob, err := json.Marshal(luaToGo(L.CheckAny(1)))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(blob))
		return 1
	}))

	if err := L.DoString(cfg.Script); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, printed, fmt.Errorf("script timed out after %s: %w", timeout, runCtx.Err())
		}
		return nil, printed, fmt.Errorf("script failed: %w", err)
	}

	if mainFn, ok := L.GetGlobal("main").(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: mainFn, NRet: 1, Protect: true}); err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, printed, fmt.Errorf("script timed out after %s: %w", timeout, runCtx.Err())
			}
			return nil, printed, fmt.Errorf("script main() failed: %w", err)
		}
		ret := L.Get(-1)
		L.Pop(1)
		if ret == lua.LNil {
			return nil, printed, &domain.EmptyOutputError{Source: domain.SourceScript}
		}
		blob, err := json.Marshal(luaToGo(ret))
		if err != nil {
			return nil, printed, fmt.Errorf("encode script result: %w", err)
		}
		return blob, printed, nil
	}

	// No main(): the printed output is the payload.
	out := strings.Join(printed, "\n")
	if strings.TrimSpace(out) == "" {
		return nil, printed, &domain.EmptyOutputError{Source: domain.SourceScript}
	}
	return []byte(out), printed, nil
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		// A table with only consecutive integer keys from 1 is an array.
		maxN := val.MaxN()
		if maxN > 0 {
			arr := make([]any, 0, maxN)
			isArray := true
			val.ForEach(func(k, _ lua.LValue) {
				if _, ok := k.(lua.LNumber); !ok {
					isArray = false
				}
			})
			if isArray {
				for i := 1; i <= maxN; i++ {
					arr = append(arr, luaToGo(val.RawGetInt(i)))
				}
				return arr
			}
		}
		obj := map[string]any{}
		val.ForEach(func(k, item lua.LValue) {
			obj[lua.LVAsString(k)] = luaToGo(item)
		})
		return obj
	default:
		return nil
	}
}
