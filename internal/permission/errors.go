package permission

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInvalidPermissionSpec indicates a malformed permission declaration.
	ErrInvalidPermissionSpec = errors.New("invalid permission spec")

	// ErrPermissionDenied indicates an operation outside the granted set.
	ErrPermissionDenied = errors.New("permission denied")
)

// PermissionDeniedError describes a refused operation.
type PermissionDeniedError struct {
	Kind   Kind
	Target string
	Reason string
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("permission denied: %s %q: %s", e.Kind, e.Target, e.Reason)
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Kind, e.Reason)
}

// Is reports whether target is ErrPermissionDenied.
func (e *PermissionDeniedError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// Denied creates a PermissionDeniedError.
func Denied(kind Kind, target, reason string) *PermissionDeniedError {
	return &PermissionDeniedError{Kind: kind, Target: target, Reason: reason}
}

func invalidSpec(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPermissionSpec, fmt.Sprintf(format, args...))
}
