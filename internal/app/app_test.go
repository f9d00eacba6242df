package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/config"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/plugin"
)

func writePlugin(t *testing.T, root, name, code string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	doc := `{"name": "` + name + `", "version": "1.0.0", "entryPoint": "main.lua",
		"permissions": ["storage"], "dependencies": []}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(doc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(code), 0o644))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Plugins.Paths = []string{t.TempDir()}
	return cfg
}

func TestHostRunsPlugins(t *testing.T) {
	cfg := testConfig(t)
	writePlugin(t, cfg.Plugins.Paths[0], "counter", `
function bump(key)
  local n = (storage.get(key) or 0) + 1
  storage.set(key, n)
  return n
end
`)
	ctx := context.Background()
	h, err := New(ctx, Options{Config: cfg, Logger: logging.Nop()})
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(ctx) }()

	ids, err := h.Plugins().Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, ids)
	require.NoError(t, h.Plugins().ActivateAll(ctx))

	for want := int64(1); want <= 2; want++ {
		out, err := h.Plugins().Invoke(ctx, "counter", "bump", "hits")
		require.NoError(t, err)
		assert.Equal(t, want, out)
	}

	rec := httptest.NewRecorder()
	h.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `warden_sandbox_invocations_total{plugin="counter",result="ok"} 2`)
	assert.Contains(t, rec.Body.String(), `warden_services_calls_total{plugin="counter",result="ok",service="storage"} 4`)

	require.NoError(t, h.Shutdown(ctx))
	require.NoError(t, h.Shutdown(ctx))
	inst, err := h.Plugins().Get("counter")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateCleaned, inst.State)
}

func TestHostWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Security.RedisURL = "redis://" + mr.Addr()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisURL = "redis://" + mr.Addr()
	writePlugin(t, cfg.Plugins.Paths[0], "saver", `function save(v) storage.set("last", v) return true end`)

	ctx := context.Background()
	h, err := New(ctx, Options{Config: cfg, Logger: logging.Nop()})
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(ctx) }()

	_, err = h.Plugins().Discover(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Plugins().Activate(ctx, "saver"))
	_, err = h.Plugins().Invoke(ctx, "saver", "save", "x")
	require.NoError(t, err)

	var validations, stored int
	for _, key := range mr.Keys() {
		switch {
		case strings.HasPrefix(key, "warden:validation:"):
			validations++
		case strings.HasPrefix(key, storagePrefix):
			stored++
		}
	}
	assert.Equal(t, 1, validations)
	assert.Equal(t, 1, stored)
}

func TestHostInitErrors(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.HostAllowed = []string{"teleport"}
	_, err := New(context.Background(), Options{Config: cfg, Logger: logging.Nop()})
	require.ErrorIs(t, err, ErrInitialization)
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "security", ie.Component)

	cfg = testConfig(t)
	cfg.Monitor.Window = 0
	_, err = New(context.Background(), Options{Config: cfg, Logger: logging.Nop()})
	assert.ErrorIs(t, err, config.ErrValidationFailed)
}

func TestHostLoadsRulesFile(t *testing.T) {
	cfg := testConfig(t)
	rules := filepath.Join(t.TempDir(), "rules.toml")
	require.NoError(t, os.WriteFile(rules, []byte(`version = "custom-1"

[[rule]]
id = "lua.os-exec"
language = "lua"
severity = "critical"
pattern = '\bos\.execute\b'
`), 0o644))
	cfg.Security.RulesFile = rules
	cfg.Security.WatchRules = true

	ctx := context.Background()
	h, err := New(ctx, Options{Config: cfg, Logger: logging.Nop()})
	require.NoError(t, err)
	defer func() { _ = h.Shutdown(ctx) }()
	assert.Equal(t, "custom-1", h.Analyzer().RulesVersion())
}
