package js

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/dshills/warden/internal/sandbox/engine"
)

type nativeFunc = func(call goja.FunctionCall) goja.Value

// installModules builds the per-instance global surface.
func (r *Runtime) installModules(surface engine.Surface) error {
	logMod := map[string]nativeFunc{}
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logMod[level] = r.logFunc(level)
	}
	console := map[string]nativeFunc{"log": r.logFunc("info")}
	for level, fn := range logMod {
		console[level] = fn
	}

	modules := map[string]map[string]nativeFunc{
		"log":     logMod,
		"console": console,
		"events":  {"publish": r.eventsPublish, "on": r.eventsOn},
		"service": {"call": r.serviceCall},
	}
	for _, name := range surface.Services() {
		if engine.Reserved(name) {
			continue
		}
		mod := map[string]nativeFunc{}
		for _, method := range surface.Methods(name) {
			mod[method] = r.methodFunc(name, method, surface[name][method])
		}
		modules[name] = mod
	}

	for name, funcs := range modules {
		obj := r.vm.NewObject()
		for fname, fn := range funcs {
			if err := obj.Set(fname, fn); err != nil {
				return fmt.Errorf("installing %s.%s: %w", name, fname, err)
			}
		}
		if err := r.vm.Set(name, obj); err != nil {
			return fmt.Errorf("installing %s: %w", name, err)
		}
	}
	return nil
}

func (r *Runtime) logFunc(level string) nativeFunc {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		r.host.Log(level, strings.Join(parts, " "))
		return goja.Undefined()
	}
}

func (r *Runtime) eventsPublish(call goja.FunctionCall) goja.Value {
	topic := r.stringArg(call, 0, "topic")
	payload := r.arg(call, 1)
	if err := r.host.Publish(r.ctx, topic, payload); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (r *Runtime) eventsOn(call goja.FunctionCall) goja.Value {
	pattern := r.stringArg(call, 0, "pattern")
	handler := r.stringArg(call, 1, "handler")
	if err := r.host.Subscribe(pattern, handler); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (r *Runtime) serviceCall(call goja.FunctionCall) goja.Value {
	name := r.stringArg(call, 0, "service")
	method := r.stringArg(call, 1, "method")
	args := map[string]any{}
	if v := r.arg(call, 2); v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			panic(r.vm.NewTypeError("arguments must be an object with named fields"))
		}
		args = m
	}
	return r.callHost(name, method, args)
}

func (r *Runtime) methodFunc(service, method string, params []string) nativeFunc {
	return func(call goja.FunctionCall) goja.Value {
		values := make([]any, len(call.Arguments))
		for i := range values {
			values[i] = r.arg(call, i)
		}
		return r.callHost(service, method, engine.Args(params, values))
	}
}

func (r *Runtime) callHost(service, method string, args map[string]any) goja.Value {
	result, err := r.host.Call(r.ctx, service, method, args)
	if err != nil {
		panic(r.vm.NewGoError(err))
	}
	v, err := r.toJS(result)
	if err != nil {
		panic(r.vm.NewTypeError("%s.%s: %s", service, method, err.Error()))
	}
	return v
}

// arg converts argument i to plain data, throwing a TypeError for values
// that cannot leave the VM.
func (r *Runtime) arg(call goja.FunctionCall, i int) any {
	v, err := toGo(call.Argument(i))
	if err != nil {
		panic(r.vm.NewTypeError("argument %d: %s", i+1, err.Error()))
	}
	return v
}

func (r *Runtime) stringArg(call goja.FunctionCall, i int, name string) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		panic(r.vm.NewTypeError("%s is required", name))
	}
	return v.String()
}
