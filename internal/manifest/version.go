package manifest

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// canonical converts a manifest version ("1.2.3", "1.2.3-beta.1") to the
// "v"-prefixed form used by x/mod/semver. Shorthand such as "1.2" is
// rejected.
func canonical(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "v") {
		return "", false
	}
	sv := "v" + v
	if !semver.IsValid(sv) {
		return "", false
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	if strings.Count(core, ".") != 2 {
		return "", false
	}
	return sv, true
}

// ValidVersion reports whether v is a full semantic version.
func ValidVersion(v string) bool {
	_, ok := canonical(v)
	return ok
}

// CompareVersions compares two valid versions like strings.Compare.
// Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	ca, _ := canonical(a)
	cb, _ := canonical(b)
	return semver.Compare(ca, cb)
}

type constraint struct {
	op      string
	version string
}

func (c constraint) allows(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case ">=":
		return cmp >= 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case "<":
		return cmp < 0
	default:
		return cmp == 0
	}
}

// Range is a parsed dependency version range. Constraints separated by
// spaces must all hold; alternatives are separated by "||".
//
// Supported forms: "*", "1.2.3", "=1.2.3", ">=1.0.0 <2.0.0", "^1.2.0",
// "~1.2.0".
type Range struct {
	raw  string
	alts [][]constraint
}

// ParseRange parses a version range. The empty string means any version.
func ParseRange(s string) (Range, error) {
	r := Range{raw: strings.TrimSpace(s)}
	if r.raw == "" || r.raw == "*" {
		return r, nil
	}
	for _, alt := range strings.Split(r.raw, "||") {
		fields := strings.Fields(alt)
		if len(fields) == 0 {
			return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
		}
		var cs []constraint
		for _, f := range fields {
			parsed, err := parseConstraint(f)
			if err != nil {
				return Range{}, fmt.Errorf("%w: %q: %v", ErrInvalidRange, s, err)
			}
			cs = append(cs, parsed...)
		}
		r.alts = append(r.alts, cs)
	}
	return r, nil
}

func parseConstraint(f string) ([]constraint, error) {
	if f == "*" {
		return nil, nil
	}
	op := ""
	for _, candidate := range []string{">=", "<=", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(f, candidate) {
			op = candidate
			break
		}
	}
	v, ok := canonical(strings.TrimPrefix(f, op))
	if !ok {
		return nil, fmt.Errorf("bad version in %q", f)
	}
	switch op {
	case "^", "~":
		major, minor, _ := numbers(v)
		upper := fmt.Sprintf("v%d.0.0", major+1)
		if op == "~" || major == 0 {
			upper = fmt.Sprintf("v%d.%d.0", major, minor+1)
		}
		return []constraint{{op: ">=", version: v}, {op: "<", version: upper}}, nil
	case "":
		op = "="
	}
	return []constraint{{op: op, version: v}}, nil
}

func numbers(v string) (major, minor, patch int) {
	core := strings.TrimPrefix(semver.Canonical(v), "v")
	if pre := semver.Prerelease(v); pre != "" {
		core = strings.TrimSuffix(core, pre)
	}
	parts := strings.SplitN(core, ".", 3)
	if len(parts) == 3 {
		major, _ = strconv.Atoi(parts[0])
		minor, _ = strconv.Atoi(parts[1])
		patch, _ = strconv.Atoi(parts[2])
	}
	return major, minor, patch
}

// Contains reports whether version satisfies the range.
func (r Range) Contains(version string) bool {
	v, ok := canonical(version)
	if !ok {
		return false
	}
	if len(r.alts) == 0 {
		return true
	}
	for _, alt := range r.alts {
		matched := true
		for _, c := range alt {
			if !c.allows(v) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// String returns the range as written.
func (r Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}
