package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidManifest matches every *ManifestError.
var ErrInvalidManifest = errors.New("invalid manifest")

// Problem sentinels wrapped by the entries of ManifestError.Problems.
var (
	ErrSchema            = errors.New("schema violation")
	ErrInvalidName       = errors.New("name must be lowercase alphanumeric with hyphens")
	ErrInvalidVersion    = errors.New("version must be valid semver")
	ErrInvalidEntryPoint = errors.New("invalid entry point")
	ErrInvalidCategory   = errors.New("invalid category")
	ErrInvalidPermission = errors.New("invalid permission")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrInvalidRange      = errors.New("invalid version range")
)

// ManifestError lists every structural problem found in a manifest.
type ManifestError struct {
	Name     string
	Problems []error
}

func (e *ManifestError) Error() string {
	msgs := e.Reasons()
	if e.Name == "" {
		return fmt.Sprintf("invalid manifest: %s", strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("invalid manifest %q: %s", e.Name, strings.Join(msgs, "; "))
}

// Is reports whether target is ErrInvalidManifest.
func (e *ManifestError) Is(target error) bool {
	return target == ErrInvalidManifest
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ManifestError) Unwrap() []error {
	return e.Problems
}

// Reasons returns the problems as strings.
func (e *ManifestError) Reasons() []string {
	out := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		out[i] = p.Error()
	}
	return out
}

func invalid(name string, problems ...error) *ManifestError {
	return &ManifestError{Name: name, Problems: problems}
}
