package analyzer

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed rules/default.toml
var defaultRulesTOML []byte

// Severity grades a rule.
type Severity int

const (
	// SeverityLow marks questionable but common constructs.
	SeverityLow Severity = iota
	// SeverityMedium marks constructs that widen the plugin's reach.
	SeverityMedium
	// SeverityHigh marks constructs that bypass a host control.
	SeverityHigh
	// SeverityCritical marks constructs that are rejected on sight.
	SeverityCritical
)

// String returns a string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DefaultWeight returns the score contribution used when a rule sets none.
func (s Severity) DefaultWeight() int {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	default:
		return 0
	}
}

// ParseSeverity parses a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// Rule is a compiled risk rule.
type Rule struct {
	ID          string
	Description string
	Language    Language
	Severity    Severity
	Weight      int
	Pattern     string

	re *regexp.Regexp
}

// Applies reports whether the rule runs for lang.
func (r *Rule) Applies(lang Language) bool {
	return r.Language == AnyLanguage || r.Language == lang
}

// RuleSet is an immutable, versioned, ordered list of rules.
type RuleSet struct {
	Version string
	Rules   []*Rule
}

type ruleFile struct {
	Version string      `toml:"version"`
	Rules   []ruleEntry `toml:"rule"`
}

type ruleEntry struct {
	ID          string `toml:"id"`
	Language    string `toml:"language"`
	Severity    string `toml:"severity"`
	Weight      int    `toml:"weight"`
	Description string `toml:"description"`
	Pattern     string `toml:"pattern"`
}

// ParseRuleSet parses and compiles a TOML rule set.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, ruleSetError("%v", err)
	}
	if strings.TrimSpace(file.Version) == "" {
		return nil, ruleSetError("missing version")
	}
	if len(file.Rules) == 0 {
		return nil, ruleSetError("no rules")
	}

	set := &RuleSet{Version: file.Version, Rules: make([]*Rule, 0, len(file.Rules))}
	seen := make(map[string]bool, len(file.Rules))
	for i, entry := range file.Rules {
		if entry.ID == "" {
			return nil, ruleSetError("rule %d: missing id", i)
		}
		if seen[entry.ID] {
			return nil, ruleSetError("duplicate rule id %q", entry.ID)
		}
		seen[entry.ID] = true

		lang := Language(entry.Language)
		if lang == "" {
			lang = AnyLanguage
		}
		if lang != AnyLanguage && !lang.Valid() {
			return nil, ruleSetError("rule %s: unknown language %q", entry.ID, entry.Language)
		}
		sev, err := ParseSeverity(entry.Severity)
		if err != nil {
			return nil, ruleSetError("rule %s: %v", entry.ID, err)
		}
		if entry.Weight < 0 || entry.Weight > maxScore {
			return nil, ruleSetError("rule %s: weight %d out of range", entry.ID, entry.Weight)
		}
		weight := entry.Weight
		if weight == 0 {
			weight = sev.DefaultWeight()
		}
		if entry.Pattern == "" {
			return nil, ruleSetError("rule %s: empty pattern", entry.ID)
		}
		re, err := regexp.Compile("(?m)" + entry.Pattern)
		if err != nil {
			return nil, ruleSetError("rule %s: %v", entry.ID, err)
		}
		set.Rules = append(set.Rules, &Rule{
			ID:          entry.ID,
			Description: entry.Description,
			Language:    lang,
			Severity:    sev,
			Weight:      weight,
			Pattern:     entry.Pattern,
			re:          re,
		})
	}
	return set, nil
}

// LoadRuleSet reads a TOML rule set from disk.
func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file %s: %w", path, err)
	}
	set, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// DefaultRuleSet returns the built-in rules.
func DefaultRuleSet() *RuleSet {
	set, err := ParseRuleSet(defaultRulesTOML)
	if err != nil {
		panic("analyzer: built-in rules: " + err.Error())
	}
	return set
}

// Rule returns the rule with the given id.
func (s *RuleSet) Rule(id string) (*Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
