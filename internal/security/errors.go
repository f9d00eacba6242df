package security

import (
	"errors"
	"fmt"
)

// ErrIllegalState matches every IllegalStateError.
var ErrIllegalState = errors.New("illegal state")

// IllegalStateError is returned when an operation is attempted on a
// validation result that does not permit it.
type IllegalStateError struct {
	PluginID string
	Op       string
	Reason   string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.PluginID, e.Reason)
}

// Is reports whether target is ErrIllegalState.
func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}

func illegal(pluginID, op, format string, args ...any) error {
	return &IllegalStateError{PluginID: pluginID, Op: op, Reason: fmt.Sprintf(format, args...)}
}
