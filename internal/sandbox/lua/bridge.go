package lua

import (
	"fmt"
	"math"
	"strconv"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/sandbox/engine"
)

// toGo converts a Lua value to plain Go data. Integral numbers become
// int64, tables with contiguous keys from 1 become []any and other tables
// map[string]any. Functions, userdata, threads and cycles are rejected.
func toGo(lv lua.LValue) (any, error) {
	return toGoValue(lv, make(map[*lua.LTable]bool), 0)
}

func toGoValue(lv lua.LValue, active map[*lua.LTable]bool, depth int) (any, error) {
	if depth > engine.DefaultMaxCallStack {
		return nil, fmt.Errorf("%w: table nesting too deep", engine.ErrNotConvertible)
	}
	switch v := lv.(type) {
	case nil, *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return number(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if active[v] {
			return nil, fmt.Errorf("%w: cyclic table", engine.ErrNotConvertible)
		}
		active[v] = true
		defer delete(active, v)
		return tableToGo(v, active, depth)
	default:
		return nil, fmt.Errorf("%w: %s", engine.ErrNotConvertible, lv.Type())
	}
}

func number(n lua.LNumber) any {
	f := float64(n)
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func tableToGo(t *lua.LTable, active map[*lua.LTable]bool, depth int) (any, error) {
	// Array if keys are exactly 1..n.
	isArray := true
	maxN, count := 0, 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		if kn, ok := k.(lua.LNumber); ok {
			n := int(kn)
			if float64(n) == float64(kn) && n > 0 {
				maxN = max(maxN, n)
				return
			}
		}
		isArray = false
	})
	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			v, err := toGoValue(t.RawGetInt(i), active, depth+1)
			if err != nil {
				return nil, err
			}
			arr[i-1] = v
		}
		return arr, nil
	}

	m := make(map[string]any, count)
	var err error
	t.ForEach(func(k, v lua.LValue) {
		if err != nil {
			return
		}
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			err = fmt.Errorf("%w: %s table key", engine.ErrNotConvertible, k.Type())
			return
		}
		m[key], err = toGoValue(v, active, depth+1)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// toLua converts a host value to a fresh Lua value.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	p, err := engine.Plain(v)
	if err != nil {
		return lua.LNil, err
	}
	return plainToLua(L, p), nil
}

func plainToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.CreateTable(len(val), 0)
		for i, elem := range val {
			t.RawSetInt(i+1, plainToLua(L, elem))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(val))
		for k, elem := range val {
			t.RawSetString(k, plainToLua(L, elem))
		}
		return t
	default:
		return lua.LNil
	}
}
