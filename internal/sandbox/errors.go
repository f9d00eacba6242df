package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every TimeoutError.
	ErrTimeout = errors.New("sandbox call timed out")

	// ErrTooManyPending is returned when the pending-call table is full.
	ErrTooManyPending = errors.New("too many pending sandbox calls")

	// ErrTerminated is returned by a terminated sandbox.
	ErrTerminated = errors.New("sandbox is terminated")

	// ErrHalted is returned by a halted sandbox.
	ErrHalted = errors.New("sandbox is halted")

	// ErrLoad matches every LoadError.
	ErrLoad = errors.New("plugin failed to load")

	// ErrInvalidTopic is returned for topics a plugin may not use.
	ErrInvalidTopic = errors.New("topic not allowed for plugin")
)

// LoadError reports a module that threw or failed to compile while loading.
type LoadError struct {
	PluginID string
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %s failed to load: %s", e.PluginID, e.Reason)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// Is allows errors.Is to match ErrLoad.
func (e *LoadError) Is(target error) bool { return target == ErrLoad }

// TimeoutError reports a call abandoned at its execution limit.
type TimeoutError struct {
	PluginID string
	Op       string
	Limit    time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %s: %s exceeded execution limit %s", e.PluginID, e.Op, e.Limit)
}

// Is allows errors.Is to match ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }
