package security

import (
	"time"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/permission"
)

// ValidationResult is the outcome of validating one plugin.
type ValidationResult struct {
	PluginID string            `json:"pluginId"`
	Version  string            `json:"version"`
	Language analyzer.Language `json:"language"`
	Approved bool              `json:"approved"`

	Requested permission.Set `json:"requested"`
	// Granted is empty unless Approved.
	Granted permission.Set `json:"granted"`

	// Assessment is nil when validation stopped before analysis.
	Assessment *analyzer.RiskAssessment `json:"assessment,omitempty"`

	// Reasons explains a rejection in human-readable form.
	Reasons []string `json:"reasons,omitempty"`

	// Hash identifies the validated content.
	Hash        string    `json:"hash"`
	ValidatedAt time.Time `json:"validatedAt"`

	// Cause is the typed error behind a rejection by manifest validation or
	// analysis. It is not cached.
	Cause error `json:"-"`
}

// Reduced reports whether the grant is strictly smaller than the request.
func (r *ValidationResult) Reduced() bool {
	return r.Approved && !r.Granted.Equal(r.Requested)
}

// RiskScore returns the assessed score, or 0 without an assessment.
func (r *ValidationResult) RiskScore() int {
	if r.Assessment == nil {
		return 0
	}
	return r.Assessment.RiskScore
}

func (r *ValidationResult) reject(cause error, reasons ...string) *ValidationResult {
	r.Approved = false
	r.Granted = permission.Set{}
	r.Cause = cause
	r.Reasons = append(r.Reasons, reasons...)
	return r
}
