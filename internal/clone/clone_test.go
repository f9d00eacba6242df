package clone

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type detail struct {
	Reason string
	Limit  int64
	Tags   []string
}

type withHidden struct {
	Name   string
	hidden int
}

func TestValueCopiesPlainData(t *testing.T) {
	src := map[string]any{
		"pluginId": "p1",
		"count":    3,
		"ratio":    0.5,
		"tags":     []any{"a", "b"},
		"nested":   map[string]any{"ok": true},
		"raw":      []byte("xyz"),
		"when":     time.Unix(100, 0),
		"detail":   detail{Reason: "memory", Limit: 10, Tags: []string{"x"}},
		"nothing":  nil,
	}

	out, err := Value(src)
	require.NoError(t, err)
	dst := out.(map[string]any)
	assert.Equal(t, src, dst)

	src["nested"].(map[string]any)["ok"] = false
	src["tags"].([]any)[0] = "changed"
	src["raw"].([]byte)[0] = 'Q'
	assert.Equal(t, true, dst["nested"].(map[string]any)["ok"])
	assert.Equal(t, "a", dst["tags"].([]any)[0])
	assert.Equal(t, []byte("xyz"), dst["raw"])
}

func TestValueStructIsDetached(t *testing.T) {
	src := detail{Reason: "cpu", Tags: []string{"one"}}
	out, err := Value(src)
	require.NoError(t, err)
	src.Tags[0] = "two"
	assert.Equal(t, "one", out.(detail).Tags[0])
}

func TestValueRejectsLiveReferences(t *testing.T) {
	n := 1
	tests := []struct {
		name string
		v    any
	}{
		{"func", func() {}},
		{"chan", make(chan int)},
		{"pointer", &n},
		{"nested func", map[string]any{"cb": func() {}}},
		{"func in slice", []any{1, func() {}}},
		{"unexported field", withHidden{Name: "x"}},
		{"uintptr", uintptr(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Value(tt.v)
			assert.ErrorIs(t, err, ErrNotCloneable)
		})
	}
}

func TestValueRejectsCycles(t *testing.T) {
	m := map[string]any{}
	m["self"] = m
	err := Check(m)
	assert.ErrorIs(t, err, ErrNotCloneable)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValueAllowsSharedSubtrees(t *testing.T) {
	shared := []any{"x"}
	_, err := Value(map[string]any{"a": shared, "b": shared})
	assert.NoError(t, err)
}

func TestValueNil(t *testing.T) {
	out, err := Value(nil)
	assert.NoError(t, err)
	assert.Nil(t, out)

	var p *int
	out, err = Value(p)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestValueDepthLimit(t *testing.T) {
	var v any = "leaf"
	for i := 0; i < MaxDepth+2; i++ {
		v = []any{v}
	}
	assert.ErrorIs(t, Check(v), ErrNotCloneable)
}
