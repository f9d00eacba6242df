package monitor

import (
	"errors"
	"fmt"
	"time"
)

// Limits are the per-instance resource limits.
type Limits struct {
	// MaxMemoryBytes bounds the estimated interpreter heap.
	MaxMemoryBytes int64 `json:"maxMemoryBytes"`

	// MaxCPUFraction bounds busy time over wall time (0..1).
	MaxCPUFraction float64 `json:"maxCpuFraction"`

	// MaxExecution bounds a single invocation.
	MaxExecution time.Duration `json:"maxExecution"`

	// MaxTimeouts is the number of timed out invocations tolerated before
	// the instance is terminated. Zero disables the rule.
	MaxTimeouts int64 `json:"maxTimeouts"`

	// CallsPerSecond bounds host service calls. Zero means unlimited.
	CallsPerSecond float64 `json:"callsPerSecond"`
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryBytes: 32 * 1024 * 1024, // 32 MB
		MaxCPUFraction: 0.5,
		MaxExecution:   2 * time.Second,
		MaxTimeouts:    3,
		CallsPerSecond: 50,
	}
}

// StrictLimits returns stricter limits for low-trust plugins.
func StrictLimits() Limits {
	return Limits{
		MaxMemoryBytes: 8 * 1024 * 1024, // 8 MB
		MaxCPUFraction: 0.2,
		MaxExecution:   500 * time.Millisecond,
		MaxTimeouts:    1,
		CallsPerSecond: 5,
	}
}

// RelaxedLimits returns relaxed limits for trusted plugins.
func RelaxedLimits() Limits {
	return Limits{
		MaxMemoryBytes: 128 * 1024 * 1024, // 128 MB
		MaxCPUFraction: 0.9,
		MaxExecution:   30 * time.Second,
		MaxTimeouts:    10,
		CallsPerSecond: 500,
	}
}

// Validate checks that the limits are usable.
func (l Limits) Validate() error {
	if l.MaxMemoryBytes < 0 {
		return errors.New("max memory must not be negative")
	}
	if l.MaxCPUFraction < 0 || l.MaxCPUFraction > 1 {
		return fmt.Errorf("max cpu fraction %v out of range [0,1]", l.MaxCPUFraction)
	}
	if l.MaxExecution <= 0 {
		return errors.New("max execution must be positive")
	}
	if l.MaxTimeouts < 0 || l.CallsPerSecond < 0 {
		return errors.New("timeout and call limits must not be negative")
	}
	return nil
}

// Policy controls sampling and escalation.
type Policy struct {
	// Interval between samples.
	Interval time.Duration

	// GracePeriod a breach may last before it becomes hard.
	GracePeriod time.Duration

	// HardCeilingFactor times the limit is a hard violation on first sight.
	HardCeilingFactor float64

	// Window is the number of samples kept per instance.
	Window int
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		Interval:          250 * time.Millisecond,
		GracePeriod:       time.Second,
		HardCeilingFactor: 2,
		Window:            64,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.GracePeriod < 0 {
		p.GracePeriod = d.GracePeriod
	}
	if p.HardCeilingFactor < 1 {
		p.HardCeilingFactor = d.HardCeilingFactor
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}
