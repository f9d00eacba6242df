package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSurfaceOrdering(t *testing.T) {
	s := Surface{
		"storage": {"set": {"key", "value"}, "get": {"key"}},
		"data":    {"query": {"sql", "params"}},
	}
	assert.Equal(t, []string{"data", "storage"}, s.Services())
	assert.Equal(t, []string{"get", "set"}, s.Methods("storage"))
	assert.Empty(t, s.Methods("net"))
}

func TestArgs(t *testing.T) {
	params := []string{"url", "method", "headers"}
	assert.Equal(t, map[string]any{"url": "https://a.com", "headers": map[string]any{}},
		Args(params, []any{"https://a.com", nil, map[string]any{}, "extra"}))
	assert.Empty(t, Args(params, nil))
}

func TestReserved(t *testing.T) {
	assert.True(t, Reserved("log"))
	assert.True(t, Reserved("events"))
	assert.False(t, Reserved("data"))
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{}.Normalized()
	assert.Equal(t, DefaultMaxCallStack, cfg.MaxCallStack)
	assert.Equal(t, DefaultMaxRegistry, cfg.MaxRegistry)
	cfg = Config{MaxCallStack: 10}.Normalized()
	assert.Equal(t, 10, cfg.MaxCallStack)
}

type payload struct {
	PluginID string         `json:"pluginId"`
	When     time.Time      `json:"when"`
	Detail   map[string]any `json:"detail,omitempty"`
	Skipped  string         `json:"-"`
	Count    uint8
	hidden   int
}

func TestPlain(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := Plain(payload{PluginID: "p1", When: when, Skipped: "x", Count: 3, hidden: 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"pluginId": "p1",
		"when":     "2024-05-01T12:00:00Z",
		"Count":    int64(3),
	}, got)

	got, err = Plain(map[string]any{"rows": []map[string]any{{"n": 1}}, "raw": []byte("hi")})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"rows": []any{map[string]any{"n": int64(1)}}, "raw": "hi"}, got)

	got, err = Plain(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPlainRejectsLiveValues(t *testing.T) {
	n := 1
	for _, v := range []any{func() {}, make(chan int), &n, map[string]any{"f": func() {}}} {
		_, err := Plain(v)
		assert.ErrorIs(t, err, ErrNotConvertible)
	}
}
