package permission

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindConstants(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{DataRead, "data.read"},
		{DataWrite, "data.write"},
		{Network, "network"},
		{Storage, "storage"},
		{UIRender, "ui.render"},
		{SystemInfo, "system.info"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, string(tt.kind))
		assert.True(t, IsValidKind(tt.kind))
	}
	assert.Len(t, AllKinds(), 6)
	assert.False(t, IsValidKind("filesystem.read"))
}

func TestGetInfo(t *testing.T) {
	info, ok := GetInfo(Network)
	require.True(t, ok)
	assert.Equal(t, ScopeHosts, info.Scope)
	assert.Equal(t, "high", info.RiskLevel.String())

	_, ok = GetInfo("shell")
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	tests := []struct {
		spec    string
		want    string
		wantErr bool
	}{
		{"data.read", "data.read", false},
		{" network:B.com, a.com ", "network:a.com,b.com", false},
		{"network:*.example.com,api.example.com", "network:*.example.com", false},
		{"network:*", "network", false},
		{"storage:reports/,reports/2024/", "storage:reports/", false},
		{"data.write:Users", "data.write:users", false},
		{"ui.render", "ui.render", false},
		{"", "", true},
		{"filesystem.read", "", true},
		{"ui.render:main", "", true},
		{"network:", "", true},
		{"network:a.*.com", "", true},
		{"network:http://a.com", "", true},
		{"data.read:users;drop", "", true},
		{"storage:a*", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			p, err := Parse(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidPermissionSpec))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.String())
		})
	}
}

func TestPermissionJSON(t *testing.T) {
	var perms []Permission
	err := json.Unmarshal([]byte(`["data.read", {"kind": "network", "hosts": ["a.com"]}, {"kind": "storage", "scope": ["cache/"]}]`), &perms)
	require.NoError(t, err)
	require.Len(t, perms, 3)
	assert.Equal(t, "data.read", perms[0].String())
	assert.Equal(t, "network:a.com", perms[1].String())
	assert.Equal(t, "storage:cache/", perms[2].String())

	data, err := json.Marshal(perms[1])
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"network","scope":["a.com"]}`, string(data))

	var bad Permission
	err = json.Unmarshal([]byte(`{"kind": "storage", "hosts": ["a.com"]}`), &bad)
	assert.ErrorIs(t, err, ErrInvalidPermissionSpec)
	err = json.Unmarshal([]byte(`42`), &bad)
	assert.ErrorIs(t, err, ErrInvalidPermissionSpec)
}

func mustSet(t *testing.T, specs ...string) Set {
	t.Helper()
	s, err := ParseSet(specs)
	require.NoError(t, err)
	return s
}

func TestIsSubset(t *testing.T) {
	declared := mustSet(t, "data.read", "network:*.example.com,a.com", "storage:cache/")

	tests := []struct {
		name      string
		requested []string
		want      bool
	}{
		{"empty", nil, true},
		{"same kind", []string{"data.read:users"}, true},
		{"wildcard child", []string{"network:api.example.com"}, true},
		{"narrower wildcard", []string{"network:*.eu.example.com"}, true},
		{"apex not covered", []string{"network:example.com"}, false},
		{"other host", []string{"network:b.com"}, false},
		{"unrestricted network", []string{"network"}, false},
		{"missing kind", []string{"data.write"}, false},
		{"prefix", []string{"storage:cache/x/"}, true},
		{"outside prefix", []string{"storage:other/"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSubset(mustSet(t, tt.requested...), declared))
		})
	}
}

func TestIntersect(t *testing.T) {
	requested := mustSet(t, "network:a.com,b.com", "data.read", "storage")
	hostAllowed := mustSet(t, "network:a.com", "data.read:metrics", "ui.render")

	granted := Intersect(requested, hostAllowed)
	assert.Equal(t, "[data.read:metrics network:a.com]", granted.String())
	assert.True(t, IsSubset(granted, requested))
	assert.True(t, IsSubset(granted, hostAllowed))

	assert.True(t, granted.Equal(Intersect(hostAllowed, requested)), "order independent")
	assert.True(t, granted.Equal(Intersect(granted, granted)), "idempotent")
}

func TestIntersectDisjointScopeDropsKind(t *testing.T) {
	granted := Intersect(mustSet(t, "network:a.com"), mustSet(t, "network:c.com"))
	assert.False(t, granted.Has(Network))
	assert.Equal(t, 0, granted.Len())
}

func TestIntersectWildcards(t *testing.T) {
	granted := Intersect(mustSet(t, "network:*.example.com,x.org"), mustSet(t, "network:api.example.com,*.x.org"))
	assert.Equal(t, []string{"api.example.com"}, granted.Scope(Network))

	granted = Intersect(mustSet(t, "network:*.example.com"), mustSet(t, "network:*.eu.example.com"))
	assert.Equal(t, []string{"*.eu.example.com"}, granted.Scope(Network))
}

func TestMerge(t *testing.T) {
	a := mustSet(t, "network:a.com", "storage:x/")
	b := mustSet(t, "network:b.com", "storage", "ui.render")

	merged := Merge(a, b)
	assert.Equal(t, "[network:a.com,b.com storage ui.render]", merged.String())
	assert.True(t, merged.Equal(Merge(b, a)))
	assert.True(t, merged.Equal(Merge(merged, merged)))
	assert.True(t, IsSubset(a, merged))
	assert.True(t, IsSubset(b, merged))
}

func TestSetCheck(t *testing.T) {
	granted := mustSet(t, "network:a.com", "data.read:metrics", "ui.render")

	assert.NoError(t, granted.Check(Network, "a.com:443"))
	assert.NoError(t, granted.Check(Network, "A.COM"))
	assert.NoError(t, granted.Check(DataRead, "METRICS"))
	assert.NoError(t, granted.Check(UIRender, "anything"))

	err := granted.Check(Network, "b.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	var denied *PermissionDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, Network, denied.Kind)
	assert.Equal(t, "b.com", denied.Target)

	err = granted.Check(SystemInfo, "")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "not granted")
}

func TestSetJSONRoundTrip(t *testing.T) {
	s := mustSet(t, "network:a.com", "storage")
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded Set
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, s.Equal(decoded))
}

func TestScopeReturnsCopy(t *testing.T) {
	s := mustSet(t, "network:a.com")
	scope := s.Scope(Network)
	scope[0] = "evil.com"
	assert.Equal(t, []string{"a.com"}, s.Scope(Network))
}
