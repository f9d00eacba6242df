package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/permission"
)

func TestStorageNamespacesPlugins(t *testing.T) {
	store := kv.NewMemoryStore(0)
	p := newTestProxy(t, NewStorage(store))
	ctx := context.Background()

	a := caller(t, "storage")
	b := Caller{PluginID: "p2", Grants: a.Grants}

	_, err := p.Call(ctx, a, "storage", "set", map[string]any{"key": "k", "value": map[string]any{"n": 1.0}})
	require.NoError(t, err)

	got, err := p.Call(ctx, a, "storage", "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 1.0}, got)

	got, err = p.Call(ctx, b, "storage", "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Nil(t, got)

	raw, ok, err := store.Get(ctx, "plugin:p1:k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(raw))
}

func TestStoragePrefixScope(t *testing.T) {
	p := newTestProxy(t, NewStorage(kv.NewMemoryStore(0)))
	ctx := context.Background()
	c := caller(t, "storage:reports/")

	_, err := p.Call(ctx, c, "storage", "set", map[string]any{"key": "reports/q1", "value": "x"})
	require.NoError(t, err)
	_, err = p.Call(ctx, c, "storage", "set", map[string]any{"key": "config", "value": "x"})
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)

	keys, err := p.Call(ctx, c, "storage", "keys", map[string]any{"prefix": "reports/"})
	require.NoError(t, err)
	assert.Equal(t, []any{"reports/q1"}, keys)

	_, err = p.Call(ctx, c, "storage", "keys", map[string]any{})
	assert.ErrorIs(t, err, permission.ErrPermissionDenied, "listing everything needs an unrestricted grant")

	_, err = p.Call(ctx, c, "storage", "delete", map[string]any{"key": "reports/q1"})
	require.NoError(t, err)
	keys, err = p.Call(ctx, c, "storage", "keys", map[string]any{"prefix": "reports/"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStorageRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kv.OpenRedisStore(context.Background(), kv.RedisOptions{URL: "redis://" + mr.Addr()}, "warden:")
	require.NoError(t, err)
	defer store.Close()

	p := newTestProxy(t, NewStorage(store))
	ctx := context.Background()
	c := caller(t, "storage")

	_, err = p.Call(ctx, c, "storage", "set", map[string]any{"key": "k", "value": "v", "ttl": 60.0})
	require.NoError(t, err)
	assert.True(t, mr.Exists("warden:plugin:p1:k"))

	got, err := p.Call(ctx, c, "storage", "get", map[string]any{"key": "k"})
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestStorageValueLimit(t *testing.T) {
	s := NewStorage(kv.NewMemoryStore(0))
	s.maxValueBytes = 8
	p := newTestProxy(t, s)
	_, err := p.Call(context.Background(), caller(t, "storage"), "storage", "set", map[string]any{"key": "k", "value": "0123456789"})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}
