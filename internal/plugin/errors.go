package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when no instance has the id.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyRegistered is returned when a live instance has the id.
	ErrAlreadyRegistered = errors.New("plugin is already registered")

	// ErrInvalidTransition matches every TransitionError.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrRejected matches every RejectedError.
	ErrRejected = errors.New("plugin rejected")

	// ErrNotActive is returned when invoking a plugin that is not active.
	ErrNotActive = errors.New("plugin is not active")

	// ErrDependencyNotFound is returned when a required dependency is missing.
	ErrDependencyNotFound = errors.New("plugin dependency not found")

	// ErrDependencyVersion is returned when a dependency's version is out of range.
	ErrDependencyVersion = errors.New("plugin dependency version not satisfied")

	// ErrCyclicDependency is returned when plugins have circular dependencies.
	ErrCyclicDependency = errors.New("cyclic plugin dependency detected")

	// ErrWrongCategory is returned when a category view does not match the
	// plugin's declared category.
	ErrWrongCategory = errors.New("plugin category mismatch")
)

// TransitionError reports a lifecycle operation that the instance's current
// state does not allow.
type TransitionError struct {
	PluginID string
	Op       string
	From     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: not allowed in state %s", e.Op, e.PluginID, e.From)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// RejectedError carries the reasons a plugin was refused.
type RejectedError struct {
	PluginID string
	Reasons  []string
	Cause    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("plugin %s rejected: %s", e.PluginID, strings.Join(e.Reasons, "; "))
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Unwrap returns the typed cause, if any.
func (e *RejectedError) Unwrap() error {
	return e.Cause
}
