package app

import (
	"errors"
	"fmt"
)

// ErrInitialization indicates an initialization failure.
var ErrInitialization = errors.New("initialization failed")

// InitError names the component that failed to start.
type InitError struct {
	Component string
	Err       error
}

// Error implements the error interface.
func (e *InitError) Error() string {
	return fmt.Sprintf("initializing %s: %v", e.Component, e.Err)
}

// Unwrap returns the underlying error.
func (e *InitError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match ErrInitialization.
func (e *InitError) Is(target error) bool {
	return target == ErrInitialization
}
