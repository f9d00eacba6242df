// Package lua runs plugin code on gopher-lua.
//
// The state is created without the standard library; only base, table,
// string and math are opened, and the loaders and environment functions of
// the base library are removed before any plugin code runs. Modules for
// logging, events and granted services are installed from the engine
// Config, so an ungranted service has no global at all.
package lua

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/warden/internal/sandbox/engine"
)

// removedGlobals are base library functions that load code, reach the
// environment or inspect the interpreter.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"getfenv",
	"setfenv",
	"require",
	"module",
	"collectgarbage",
	"newproxy",
	"_printregs",
	"_GOPHER_LUA_VERSION",
}

// Runtime is a hardened Lua state. It is not safe for concurrent use; the
// owning sandbox worker is its only caller.
type Runtime struct {
	L    *lua.LState
	host engine.Host

	// ctx is the context of the call in progress, seen by host functions.
	ctx    context.Context
	closed bool
}

// New creates a runtime for cfg.
func New(cfg engine.Config) (*Runtime, error) {
	cfg = cfg.Normalized()
	if cfg.Host == nil {
		return nil, errors.New("lua runtime requires a host")
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   cfg.MaxCallStack,
		RegistrySize:    min(1024, cfg.MaxRegistry),
		RegistryMaxSize: cfg.MaxRegistry,
	})
	r := &Runtime{L: L, host: cfg.Host, ctx: context.Background()}

	if err := openSafeLibraries(L); err != nil {
		L.Close()
		return nil, err
	}
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	r.installModules(cfg.Surface)
	return r, nil
}

// Factory adapts New to engine.Factory.
func Factory(cfg engine.Config) (engine.Runtime, error) {
	return New(cfg)
}

// openSafeLibraries opens only base, table, string and math. io, os,
// debug, package and coroutine stay closed.
func openSafeLibraries(L *lua.LState) error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("opening lua library %q: %w", lib.name, err)
		}
	}
	return nil
}

// Load compiles and runs the plugin module.
func (r *Runtime) Load(ctx context.Context, code string) error {
	if r.closed {
		return engine.ErrClosed
	}
	fn, err := r.L.LoadString(code)
	if err != nil {
		return fmt.Errorf("compiling plugin: %s", errorMessage(err))
	}
	_, err = r.pcall(ctx, fn, nil)
	return err
}

// Call invokes the global function name with args and returns its first
// result.
func (r *Runtime) Call(ctx context.Context, name string, args []any) (any, error) {
	if r.closed {
		return nil, engine.ErrClosed
	}
	fn, ok := r.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrNotFunction, name)
	}
	largs := make([]lua.LValue, len(args))
	for i, arg := range args {
		lv, err := toLua(r.L, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		largs[i] = lv
	}
	ret, err := r.pcall(ctx, fn, largs)
	if err != nil {
		return nil, err
	}
	return toGo(ret)
}

// pcall runs fn under ctx with panic recovery and returns its first result.
func (r *Runtime) pcall(ctx context.Context, fn *lua.LFunction, args []lua.LValue) (ret lua.LValue, err error) {
	L := r.L
	stackTop := L.GetTop()

	r.ctx = ctx
	L.SetContext(ctx)
	defer func() {
		L.RemoveContext()
		r.ctx = context.Background()
		if p := recover(); p != nil {
			err = fmt.Errorf("lua panic: %v", p)
		}
		L.SetTop(stackTop)
	}()

	L.Push(fn)
	for _, arg := range args {
		L.Push(arg)
	}
	if err := L.PCall(len(args), 1, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return lua.LNil, ctxErr
		}
		return lua.LNil, errors.New(errorMessage(err))
	}
	return L.Get(-1), nil
}

// errorMessage drops the Lua stack trace from err.
func errorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// Close releases the state. It is idempotent.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.L.Close()
	return nil
}
