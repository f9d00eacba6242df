package analyzer

import (
	"fmt"
)

const maxScore = 100

// Violation is one rule match.
type Violation struct {
	RuleID      string   `json:"ruleId"`
	Description string   `json:"description"`
	Pattern     string   `json:"pattern"`
	Severity    Severity `json:"severity"`
	Weight      int      `json:"weight"`
	Line        int      `json:"line"`
	Excerpt     string   `json:"excerpt"`
}

// RiskAssessment is the result of analyzing one source.
type RiskAssessment struct {
	Language     Language    `json:"language"`
	RulesVersion string      `json:"rulesVersion"`
	Violations   []Violation `json:"violations"`
	RiskScore    int         `json:"riskScore"`
}

// HasCritical reports whether any violation is critical.
func (a *RiskAssessment) HasCritical() bool {
	for _, v := range a.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Decision is the outcome of applying a risk policy.
type Decision struct {
	Rejected bool
	Reasons  []string
}

// Decide applies the risk policy: reject when the score exceeds threshold
// or when any critical rule matched, whatever the score.
func (a *RiskAssessment) Decide(threshold int) Decision {
	var d Decision
	if a.RiskScore > threshold {
		d.Rejected = true
		d.Reasons = append(d.Reasons, fmt.Sprintf("risk score %d exceeds threshold %d", a.RiskScore, threshold))
	}
	for _, v := range a.Violations {
		if v.Severity == SeverityCritical {
			d.Rejected = true
			d.Reasons = append(d.Reasons, fmt.Sprintf("critical rule %s matched at line %d (%s)", v.RuleID, v.Line, v.Description))
		}
	}
	return d
}

func score(violations []Violation) int {
	total := 0
	for _, v := range violations {
		total += v.Weight
		if total >= maxScore {
			return maxScore
		}
	}
	return total
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
