// Package js runs plugin code on goja.
//
// goja has no ambient I/O, so hardening is about code generation: eval is
// removed and every function constructor reachable from a function value
// throws. The per-instance surface mirrors the Lua runtime.
package js

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/dshills/warden/internal/sandbox/engine"
)

// lockConstructors returns a function that makes the constructor property
// of a function prototype throw. The Function global is replaced as a side
// effect of building it.
const lockConstructors = `(function () {
  "use strict";
  var blocked = function () {
    throw new TypeError("code generation from strings is not allowed");
  };
  var lock = function (proto) {
    Object.defineProperty(proto, "constructor", {
      value: blocked, writable: false, enumerable: false, configurable: false
    });
  };
  lock(Function.prototype);
  Object.defineProperty(globalThis, "Function", {
    value: blocked, writable: false, enumerable: false, configurable: false
  });
  return lock;
})()`

// functionKinds have constructors of their own that compile strings.
var functionKinds = []string{
	"(function* () {})",
	"(async function () {})",
	"(async function* () {})",
}

// Runtime is a hardened goja VM. It is not safe for concurrent use except
// for the interrupt raised when a call's context ends.
type Runtime struct {
	vm   *goja.Runtime
	host engine.Host

	ctx    context.Context
	closed bool
}

// New creates a runtime for cfg.
func New(cfg engine.Config) (*Runtime, error) {
	cfg = cfg.Normalized()
	if cfg.Host == nil {
		return nil, errors.New("js runtime requires a host")
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(cfg.MaxCallStack)
	if err := harden(vm); err != nil {
		return nil, fmt.Errorf("hardening js runtime: %w", err)
	}

	r := &Runtime{vm: vm, host: cfg.Host, ctx: context.Background()}
	if err := r.installModules(cfg.Surface); err != nil {
		return nil, err
	}
	return r, nil
}

// Factory adapts New to engine.Factory.
func Factory(cfg engine.Config) (engine.Runtime, error) {
	return New(cfg)
}

func harden(vm *goja.Runtime) error {
	vm.GlobalObject().Delete("eval")
	v, err := vm.RunString(lockConstructors)
	if err != nil {
		return err
	}
	lock, ok := goja.AssertFunction(v)
	if !ok {
		return errors.New("constructor lock is not a function")
	}
	for _, src := range functionKinds {
		fn, err := vm.RunString(src)
		if err != nil {
			// Syntax this goja build does not support cannot be reached either.
			continue
		}
		if _, err := lock(goja.Undefined(), fn.ToObject(vm).Prototype()); err != nil {
			return err
		}
	}
	return nil
}

// Load runs the plugin script.
func (r *Runtime) Load(ctx context.Context, code string) error {
	if r.closed {
		return engine.ErrClosed
	}
	prog, err := goja.Compile("plugin.js", code, true)
	if err != nil {
		return fmt.Errorf("compiling plugin: %w", err)
	}
	_, err = r.guard(ctx, func() (goja.Value, error) {
		return r.vm.RunProgram(prog)
	})
	return err
}

// Call invokes the global function name with args and returns its result.
func (r *Runtime) Call(ctx context.Context, name string, args []any) (any, error) {
	if r.closed {
		return nil, engine.ErrClosed
	}
	fn, ok := goja.AssertFunction(r.vm.Get(name))
	if !ok {
		return nil, fmt.Errorf("%w: %q", engine.ErrNotFunction, name)
	}
	jsArgs := make([]goja.Value, len(args))
	for i, arg := range args {
		v, err := r.toJS(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		jsArgs[i] = v
	}
	ret, err := r.guard(ctx, func() (goja.Value, error) {
		return fn(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, err
	}
	return toGo(ret)
}

// guard runs fn with ctx installed, interrupting the VM when ctx ends and
// recovering panics.
func (r *Runtime) guard(ctx context.Context, fn func() (goja.Value, error)) (ret goja.Value, err error) {
	r.ctx = ctx
	release := interruptOn(ctx, r.vm, nil)
	defer func() {
		release()
		r.ctx = context.Background()
		if p := recover(); p != nil {
			ret, err = nil, fmt.Errorf("js panic: %v", p)
		}
	}()

	ret, err = fn()
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New(errorMessage(err))
	}
	return ret, nil
}

// interruptOn interrupts vm with reason, or ctx.Err() when reason is nil,
// once ctx is done. release must be called when the guarded code returns;
// it waits for a racing interrupt and clears it.
func interruptOn(ctx context.Context, vm *goja.Runtime, reason any) (release func()) {
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		if reason == nil {
			reason = ctx.Err()
		}
		vm.Interrupt(reason)
	})
	return func() {
		if !stop() {
			<-fired
		}
		vm.ClearInterrupt()
	}
}

func errorMessage(err error) string {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return strings.TrimSpace(ex.Value().String())
	}
	return err.Error()
}

// Close releases the VM. It is idempotent.
func (r *Runtime) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.vm.Interrupt(engine.ErrClosed)
	r.vm = nil
	return nil
}

func toGo(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	if _, ok := goja.AssertFunction(v); ok {
		return nil, fmt.Errorf("%w: function", engine.ErrNotConvertible)
	}
	return engine.Plain(v.Export())
}

func (r *Runtime) toJS(v any) (goja.Value, error) {
	p, err := engine.Plain(v)
	if err != nil {
		return nil, err
	}
	return r.vm.ToValue(p), nil
}
