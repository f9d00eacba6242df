package monitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrResourceViolation matches every ResourceViolationError.
var ErrResourceViolation = errors.New("resource violation")

// Kind names a monitored resource.
type Kind string

// Monitored resources.
const (
	KindMemory   Kind = "memory"
	KindCPU      Kind = "cpu"
	KindTimeouts Kind = "timeouts"
)

// Violation describes a breached limit.
type Violation struct {
	Kind      Kind          `json:"kind"`
	Measured  float64       `json:"measured"`
	Limit     float64       `json:"limit"`
	Hard      bool          `json:"hard"`
	Sustained time.Duration `json:"sustained"`
}

// String formats the violation for humans.
func (v Violation) String() string {
	switch v.Kind {
	case KindMemory:
		return fmt.Sprintf("memory %.0f bytes exceeds limit %.0f bytes", v.Measured, v.Limit)
	case KindCPU:
		return fmt.Sprintf("cpu %.0f%% exceeds limit %.0f%%", v.Measured*100, v.Limit*100)
	case KindTimeouts:
		return fmt.Sprintf("%.0f timed out calls exceed limit %.0f", v.Measured, v.Limit)
	default:
		return fmt.Sprintf("%s %v exceeds limit %v", v.Kind, v.Measured, v.Limit)
	}
}

// Detail returns the violation as a cloneable event payload.
func (v Violation) Detail() map[string]any {
	return map[string]any{
		"kind":      string(v.Kind),
		"measured":  v.Measured,
		"limit":     v.Limit,
		"hard":      v.Hard,
		"sustained": v.Sustained.String(),
		"message":   v.String(),
	}
}

// ResourceViolationError is the failure reason recorded for an instance
// terminated by the monitor.
type ResourceViolationError struct {
	PluginID  string
	Violation Violation
}

// Error implements the error interface.
func (e *ResourceViolationError) Error() string {
	return "plugin " + e.PluginID + ": " + e.Violation.String()
}

// Is allows errors.Is to match ErrResourceViolation.
func (e *ResourceViolationError) Is(target error) bool {
	return target == ErrResourceViolation
}
