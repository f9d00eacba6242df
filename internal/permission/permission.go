package permission

import (
	"encoding/json"
	"strings"
)

// Permission is a single declared or granted capability.
// Unscoped kinds always carry the scope ["*"].
type Permission struct {
	Kind  Kind
	Scope []string
}

// New creates a normalized permission. With no scope entries the permission
// is unrestricted.
func New(kind Kind, scope ...string) (Permission, error) {
	info, ok := registry[kind]
	if !ok {
		return Permission{}, invalidSpec("unknown kind %q", kind)
	}
	if len(scope) == 0 {
		return Permission{Kind: kind, Scope: []string{Wildcard}}, nil
	}
	if info.Scope == ScopeNone {
		return Permission{}, invalidSpec("%s takes no parameters", kind)
	}
	entries := make([]string, 0, len(scope))
	for _, s := range scope {
		e, err := normalizeEntry(info.Scope, s)
		if err != nil {
			return Permission{}, err
		}
		entries = append(entries, e)
	}
	return Permission{Kind: kind, Scope: reduce(info.Scope, entries)}, nil
}

// MustNew is like New but panics on error. Intended for static host policy.
func MustNew(kind Kind, scope ...string) Permission {
	p, err := New(kind, scope...)
	if err != nil {
		panic(err)
	}
	return p
}

// Parse parses the textual form "kind" or "kind:entry1,entry2".
func Parse(spec string) (Permission, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Permission{}, invalidSpec("empty permission")
	}
	name, rest, hasScope := strings.Cut(spec, ":")
	kind := Kind(strings.TrimSpace(name))
	if !hasScope {
		return New(kind)
	}
	if strings.TrimSpace(rest) == "" {
		return Permission{}, invalidSpec("%s: empty scope", kind)
	}
	return New(kind, strings.Split(rest, ",")...)
}

// Unrestricted reports whether the scope is the wildcard.
func (p Permission) Unrestricted() bool {
	return len(p.Scope) == 1 && p.Scope[0] == Wildcard
}

// String returns the textual form accepted by Parse.
func (p Permission) String() string {
	if p.Unrestricted() || len(p.Scope) == 0 {
		return string(p.Kind)
	}
	return string(p.Kind) + ":" + strings.Join(p.Scope, ",")
}

type permissionJSON struct {
	Kind  Kind     `json:"kind"`
	Scope []string `json:"scope,omitempty"`
	Hosts []string `json:"hosts,omitempty"`
}

// MarshalJSON encodes the permission in object form.
func (p Permission) MarshalJSON() ([]byte, error) {
	out := permissionJSON{Kind: p.Kind}
	if !p.Unrestricted() {
		out.Scope = p.Scope
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts either the textual form or
// {"kind": "...", "scope": [...]}. Network scopes may be given as "hosts".
func (p *Permission) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := Parse(text)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}

	var obj permissionJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return invalidSpec("%v", err)
	}
	scope := obj.Scope
	if len(obj.Hosts) > 0 {
		if obj.Kind != Network {
			return invalidSpec("%s does not take hosts", obj.Kind)
		}
		scope = append(scope, obj.Hosts...)
	}
	parsed, err := New(obj.Kind, scope...)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
