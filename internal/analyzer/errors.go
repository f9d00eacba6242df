package analyzer

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrAnalysis matches every AnalysisError.
	ErrAnalysis = errors.New("analysis failed")

	// ErrInvalidRuleSet indicates a rule file that cannot be used.
	ErrInvalidRuleSet = errors.New("invalid rule set")
)

// AnalysisError reports source that could not be analyzed. Callers must
// treat it as a rejection.
type AnalysisError struct {
	Language Language
	Line     int
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	msg := "analysis of " + string(e.Language) + " source failed"
	if e.Line > 0 {
		msg += fmt.Sprintf(" at line %d", e.Line)
	}
	msg += ": " + e.Reason
	return msg
}

// Unwrap returns the underlying error.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to match ErrAnalysis.
func (e *AnalysisError) Is(target error) bool {
	return target == ErrAnalysis
}

func ruleSetError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRuleSet, fmt.Sprintf(format, args...))
}
