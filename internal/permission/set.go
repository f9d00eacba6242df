package permission

import (
	"encoding/json"
	"sort"
	"strings"
)

// Set is a normalized collection of permissions, at most one per kind.
// The zero value is the empty set. Sets are immutable values.
type Set struct {
	perms map[Kind][]string
}

// NewSet builds a set from permissions. Duplicate kinds are merged.
func NewSet(perms ...Permission) Set {
	s := Set{perms: make(map[Kind][]string, len(perms))}
	for _, p := range perms {
		info, ok := registry[p.Kind]
		if !ok || len(p.Scope) == 0 {
			continue
		}
		s.perms[p.Kind] = reduce(info.Scope, append(append([]string(nil), s.perms[p.Kind]...), p.Scope...))
	}
	return s
}

// ParseSet parses a list of textual permissions.
func ParseSet(specs []string) (Set, error) {
	perms := make([]Permission, 0, len(specs))
	for _, spec := range specs {
		p, err := Parse(spec)
		if err != nil {
			return Set{}, err
		}
		perms = append(perms, p)
	}
	return NewSet(perms...), nil
}

// Len returns the number of kinds in the set.
func (s Set) Len() int {
	return len(s.perms)
}

// Has reports whether the kind is present, whatever its scope.
func (s Set) Has(kind Kind) bool {
	_, ok := s.perms[kind]
	return ok
}

// Scope returns a copy of the kind's scope.
func (s Set) Scope(kind Kind) []string {
	scope, ok := s.perms[kind]
	if !ok {
		return nil
	}
	return append([]string(nil), scope...)
}

// Kinds returns the present kinds in canonical order.
func (s Set) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.perms))
	for k := range s.perms {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].rank() < kinds[j].rank() })
	return kinds
}

// Permissions returns the set as a slice in canonical order.
func (s Set) Permissions() []Permission {
	kinds := s.Kinds()
	out := make([]Permission, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Permission{Kind: k, Scope: s.Scope(k)})
	}
	return out
}

// Allows reports whether the target is inside the kind's scope.
// An empty target checks only that the kind is present.
func (s Set) Allows(kind Kind, target string) bool {
	scope, ok := s.perms[kind]
	if !ok {
		return false
	}
	info := registry[kind]
	if target == "" || info.Scope == ScopeNone {
		return true
	}
	target = strings.TrimSpace(target)
	switch info.Scope {
	case ScopeHosts:
		target = ExtractHost(target)
	case ScopeTables:
		target = strings.ToLower(target)
	}
	return scopeCovered(info.Scope, scope, target)
}

// Check is like Allows but returns a PermissionDeniedError.
func (s Set) Check(kind Kind, target string) error {
	if !s.Has(kind) {
		return Denied(kind, target, "not granted")
	}
	if !s.Allows(kind, target) {
		return Denied(kind, target, "outside granted scope")
	}
	return nil
}

// Equal reports whether two sets grant exactly the same things.
func (s Set) Equal(other Set) bool {
	return IsSubset(s, other) && IsSubset(other, s)
}

// String renders the set as comma-separated textual permissions.
func (s Set) String() string {
	perms := s.Permissions()
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// MarshalJSON encodes the set as a list of permissions.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Permissions())
}

// UnmarshalJSON decodes a list of permissions.
func (s *Set) UnmarshalJSON(data []byte) error {
	var perms []Permission
	if err := json.Unmarshal(data, &perms); err != nil {
		return err
	}
	*s = NewSet(perms...)
	return nil
}

// IsSubset reports whether everything requested is covered by declared.
func IsSubset(requested, declared Set) bool {
	for kind, scope := range requested.perms {
		have, ok := declared.perms[kind]
		if !ok {
			return false
		}
		st := registry[kind].Scope
		for _, entry := range scope {
			if !scopeCovered(st, have, entry) {
				return false
			}
		}
	}
	return true
}

// Merge returns the union of two sets.
func Merge(a, b Set) Set {
	out := Set{perms: make(map[Kind][]string, len(a.perms)+len(b.perms))}
	for _, src := range []Set{a, b} {
		for kind, scope := range src.perms {
			out.perms[kind] = append(out.perms[kind], scope...)
		}
	}
	for kind, scope := range out.perms {
		out.perms[kind] = reduce(registry[kind].Scope, scope)
	}
	return out
}

// Intersect returns what both sets allow. A scoped kind whose scopes do not
// overlap is absent from the result.
func Intersect(a, b Set) Set {
	out := Set{perms: make(map[Kind][]string)}
	for kind, scopeA := range a.perms {
		scopeB, ok := b.perms[kind]
		if !ok {
			continue
		}
		scope := intersectScope(registry[kind].Scope, scopeA, scopeB)
		if len(scope) > 0 {
			out.perms[kind] = scope
		}
	}
	return out
}
