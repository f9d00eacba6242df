package analyzer

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/dshills/warden/internal/logging"
)

// DefaultMaxSourceBytes bounds the size of analyzed sources.
const DefaultMaxSourceBytes = 1 << 20

// Analyzer scores plugin sources against the active rule set.
// It is safe for concurrent use; the rule set can be swapped at any time.
type Analyzer struct {
	rules          atomic.Pointer[RuleSet]
	maxSourceBytes int
	logger         *logging.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRuleSet sets the initial rule set.
func WithRuleSet(set *RuleSet) Option {
	return func(a *Analyzer) {
		if set != nil {
			a.rules.Store(set)
		}
	}
}

// WithMaxSourceBytes bounds the accepted source size.
func WithMaxSourceBytes(n int) Option {
	return func(a *Analyzer) {
		a.maxSourceBytes = n
	}
}

// WithLogger sets the analyzer logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Analyzer) {
		a.logger = l
	}
}

// New creates an analyzer using the built-in rules unless overridden.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{maxSourceBytes: DefaultMaxSourceBytes}
	for _, opt := range opts {
		opt(a)
	}
	if a.rules.Load() == nil {
		a.rules.Store(DefaultRuleSet())
	}
	a.logger = logging.OrDefault(a.logger).WithComponent("analyzer")
	return a
}

// RuleSet returns the active rule set.
func (a *Analyzer) RuleSet() *RuleSet {
	return a.rules.Load()
}

// RulesVersion returns the version of the active rule set.
func (a *Analyzer) RulesVersion() string {
	return a.rules.Load().Version
}

// SetRuleSet atomically replaces the active rule set.
func (a *Analyzer) SetRuleSet(set *RuleSet) {
	if set == nil {
		return
	}
	old := a.rules.Swap(set)
	a.logger.Info("rule set %s replaced by %s (%d rules)", old.Version, set.Version, len(set.Rules))
}

// Analyze parses and scans code. Sources that cannot be parsed fail with an
// AnalysisError; callers must reject them.
func (a *Analyzer) Analyze(ctx context.Context, lang Language, code string) (*RiskAssessment, error) {
	if !lang.Valid() {
		return nil, &AnalysisError{Language: lang, Reason: "unsupported language"}
	}
	if strings.TrimSpace(code) == "" {
		return nil, &AnalysisError{Language: lang, Reason: "empty source"}
	}
	if a.maxSourceBytes > 0 && len(code) > a.maxSourceBytes {
		return nil, &AnalysisError{Language: lang, Reason: "source exceeds size limit"}
	}
	if err := checkSyntax(lang, code); err != nil {
		return nil, err
	}

	set := a.rules.Load()
	lines := newLineIndex(code)
	assessment := &RiskAssessment{
		Language:     lang,
		RulesVersion: set.Version,
		Violations:   []Violation{},
	}
	for _, rule := range set.Rules {
		if err := ctx.Err(); err != nil {
			return nil, &AnalysisError{Language: lang, Reason: "cancelled", Err: err}
		}
		if !rule.Applies(lang) {
			continue
		}
		for _, loc := range rule.re.FindAllStringIndex(code, -1) {
			line := lines.lineOf(loc[0])
			assessment.Violations = append(assessment.Violations, Violation{
				RuleID:      rule.ID,
				Description: rule.Description,
				Pattern:     rule.Pattern,
				Severity:    rule.Severity,
				Weight:      rule.Weight,
				Line:        line,
				Excerpt:     lines.excerpt(line),
			})
		}
	}
	assessment.RiskScore = score(assessment.Violations)
	return assessment, nil
}

type lineIndex struct {
	code   string
	starts []int
}

func newLineIndex(code string) lineIndex {
	starts := []int{0}
	for i := 0; i < len(code); i++ {
		if code[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{code: code, starts: starts}
}

// lineOf returns the 1-based line containing offset.
func (li lineIndex) lineOf(offset int) int {
	lo, hi := 0, len(li.starts)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if li.starts[mid] <= offset {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo + 1
}

func (li lineIndex) excerpt(line int) string {
	start := li.starts[line-1]
	end := len(li.code)
	if line < len(li.starts) {
		end = li.starts[line] - 1
	}
	text := strings.TrimSpace(li.code[start:end])
	if len(text) > 120 {
		text = text[:117] + "..."
	}
	return text
}
