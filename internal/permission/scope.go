package permission

import (
	"net"
	"sort"
	"strings"
)

// Wildcard is the scope entry that matches everything.
const Wildcard = "*"

// covers reports whether pattern admits target under the kind's scope rules.
// Target may itself be a pattern.
func covers(st ScopeType, pattern, target string) bool {
	if pattern == Wildcard {
		return true
	}
	if target == Wildcard {
		return false
	}
	switch st {
	case ScopeHosts:
		return matchHost(target, pattern)
	case ScopePrefixes:
		return strings.HasPrefix(target, pattern)
	default:
		return pattern == target
	}
}

// matchHost checks if a host matches a pattern. Supports a leading wildcard
// label ("*.example.com"), which also covers narrower wildcards.
func matchHost(host, pattern string) bool {
	if host == pattern {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:]
		if strings.HasPrefix(host, "*.") {
			return strings.HasSuffix(host[1:], suffix)
		}
		return strings.HasSuffix(host, suffix)
	}
	return false
}

// ExtractHost returns the host part of host[:port] (IPv6 brackets removed).
func ExtractHost(hostPort string) string {
	host, _, err := net.SplitHostPort(hostPort)
	if err == nil {
		return strings.ToLower(host)
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return strings.ToLower(hostPort[1 : len(hostPort)-1])
	}
	return strings.ToLower(hostPort)
}

func normalizeEntry(st ScopeType, entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", invalidSpec("empty scope entry")
	}
	if entry == Wildcard {
		return entry, nil
	}
	switch st {
	case ScopeHosts:
		entry = strings.ToLower(entry)
		rest := entry
		if strings.HasPrefix(entry, "*.") {
			rest = entry[2:]
		}
		if rest == "" || strings.ContainsAny(rest, "*/ :@?#") || strings.HasPrefix(rest, ".") || strings.HasSuffix(rest, ".") {
			return "", invalidSpec("bad host pattern %q", entry)
		}
	case ScopeTables:
		entry = strings.ToLower(entry)
		for _, r := range entry {
			if !(r == '_' || r == '.' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
				return "", invalidSpec("bad table name %q", entry)
			}
		}
	case ScopePrefixes:
		if strings.Contains(entry, Wildcard) {
			return "", invalidSpec("bad key prefix %q", entry)
		}
	}
	return entry, nil
}

// reduce deduplicates entries, drops any entry covered by a different entry
// and sorts the result.
func reduce(st ScopeType, entries []string) []string {
	uniq := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		uniq[e] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for e := range uniq {
		subsumed := false
		for other := range uniq {
			if other != e && covers(st, other, e) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// intersectScope returns every entry of a covered by b and every entry of b
// covered by a. Patterns are either nested or disjoint, so this is exact.
func intersectScope(st ScopeType, a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if covers(st, y, x) {
				out = append(out, x)
			} else if covers(st, x, y) {
				out = append(out, y)
			}
		}
	}
	return reduce(st, out)
}

func scopeCovered(st ScopeType, declared []string, entry string) bool {
	for _, d := range declared {
		if covers(st, d, entry) {
			return true
		}
	}
	return false
}
