package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/sandbox/engine"
)

// installModules builds the per-instance global surface.
func (r *Runtime) installModules(surface engine.Surface) {
	L := r.L

	logMod := L.NewTable()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		L.SetField(logMod, level, L.NewFunction(r.logFunc(level)))
	}
	L.SetGlobal("log", logMod)
	L.SetGlobal("print", L.NewFunction(r.logFunc("info")))

	L.SetGlobal("events", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"publish": r.eventsPublish,
		"on":      r.eventsOn,
	}))

	L.SetGlobal("service", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"call": r.serviceCall,
	}))

	for _, name := range surface.Services() {
		if engine.Reserved(name) {
			continue
		}
		mod := L.NewTable()
		for _, method := range surface.Methods(name) {
			L.SetField(mod, method, L.NewFunction(r.methodFunc(name, method, surface[name][method])))
		}
		L.SetGlobal(name, mod)
	}
}

func (r *Runtime) logFunc(level string) lua.LGFunction {
	return func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		r.host.Log(level, strings.Join(parts, " "))
		return 0
	}
}

func (r *Runtime) eventsPublish(L *lua.LState) int {
	topic := L.CheckString(1)
	payload, err := toGo(L.Get(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	if err := r.host.Publish(r.ctx, topic, payload); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (r *Runtime) eventsOn(L *lua.LState) int {
	pattern := L.CheckString(1)
	handler := L.CheckString(2)
	if err := r.host.Subscribe(pattern, handler); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

func (r *Runtime) serviceCall(L *lua.LState) int {
	name := L.CheckString(1)
	method := L.CheckString(2)
	args := map[string]any{}
	if L.GetTop() >= 3 && L.Get(3) != lua.LNil {
		v, err := toGo(L.CheckTable(3))
		if err != nil {
			L.ArgError(3, err.Error())
			return 0
		}
		m, ok := v.(map[string]any)
		if !ok {
			L.ArgError(3, "arguments must be a table with named fields")
			return 0
		}
		args = m
	}
	return r.callHost(L, name, method, args)
}

func (r *Runtime) methodFunc(service, method string, params []string) lua.LGFunction {
	return func(L *lua.LState) int {
		values := make([]any, L.GetTop())
		for i := range values {
			v, err := toGo(L.Get(i + 1))
			if err != nil {
				L.ArgError(i+1, err.Error())
				return 0
			}
			values[i] = v
		}
		return r.callHost(L, service, method, engine.Args(params, values))
	}
}

func (r *Runtime) callHost(L *lua.LState, service, method string, args map[string]any) int {
	result, err := r.host.Call(r.ctx, service, method, args)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	lv, err := toLua(L, result)
	if err != nil {
		L.RaiseError("%s.%s: %s", service, method, err.Error())
		return 0
	}
	L.Push(lv)
	return 1
}
