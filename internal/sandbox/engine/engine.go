// Package engine defines the contract between a sandbox and the script
// runtime it owns.
//
// A Runtime is confined to the goroutine of its sandbox worker. Everything a
// plugin can do outside the interpreter goes through the Host the runtime was
// built with; the runtime exposes no other global that reaches the process.
package engine

import (
	"context"
	"errors"
	"sort"
)

// Defaults applied when a Config leaves a bound unset.
const (
	DefaultMaxCallStack = 256
	DefaultMaxRegistry  = 256 * 1024
)

var (
	// ErrNotFunction is returned when the invoked name is not a function.
	ErrNotFunction = errors.New("not a function")

	// ErrNotConvertible is returned for values that cannot cross the
	// boundary, such as functions and cyclic tables.
	ErrNotConvertible = errors.New("value cannot leave the sandbox")

	// ErrClosed is returned by a closed runtime.
	ErrClosed = errors.New("runtime is closed")
)

// Host is the only way out of a runtime. Calls arrive on the worker
// goroutine while the runtime is executing.
type Host interface {
	// Log writes a plugin log line at level debug, info, warn or error.
	Log(level, msg string)

	// Publish emits payload under the plugin's own topic namespace.
	Publish(ctx context.Context, topic string, payload any) error

	// Subscribe routes events matching pattern to the named global handler.
	Subscribe(pattern, handler string) error

	// Call performs a proxied service call.
	Call(ctx context.Context, service, method string, args map[string]any) (any, error)
}

// Surface lists the service modules a runtime exposes: service name to
// method name to positional parameter names.
type Surface map[string]map[string][]string

// Services returns the service names in sorted order.
func (s Surface) Services() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the methods of service in sorted order.
func (s Surface) Methods(service string) []string {
	methods := s[service]
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Args maps positional values onto parameter names. Extra values are ignored
// and missing ones are left out.
func Args(params []string, values []any) map[string]any {
	args := make(map[string]any, len(params))
	for i, name := range params {
		if i >= len(values) {
			break
		}
		if values[i] != nil {
			args[name] = values[i]
		}
	}
	return args
}

// Reserved module names that a service may not shadow.
var reserved = map[string]bool{"log": true, "events": true, "service": true}

// Reserved reports whether name is a built-in module name.
func Reserved(name string) bool { return reserved[name] }

// Config carries what a runtime needs to build its global surface.
type Config struct {
	Host    Host
	Surface Surface

	// MaxCallStack bounds interpreter recursion.
	MaxCallStack int

	// MaxRegistry bounds the Lua value stack; ignored by other runtimes.
	MaxRegistry int
}

// Normalized returns c with unset bounds filled in.
func (c Config) Normalized() Config {
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = DefaultMaxCallStack
	}
	if c.MaxRegistry <= 0 {
		c.MaxRegistry = DefaultMaxRegistry
	}
	return c
}

// Runtime is a hardened interpreter instance.
type Runtime interface {
	// Load evaluates the plugin module.
	Load(ctx context.Context, code string) error

	// Call invokes the global function fn. Execution stops when ctx is done.
	Call(ctx context.Context, fn string, args []any) (any, error)

	// MemoryEstimate approximates the heap reachable from globals.
	MemoryEstimate() int64

	// Close releases the interpreter.
	Close() error
}

// Factory builds a runtime.
type Factory func(cfg Config) (Runtime, error)
