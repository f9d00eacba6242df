package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/monitor"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, monitor.DefaultLimits(), cfg.Limits())
	assert.Equal(t, monitor.DefaultPolicy(), cfg.Policy())
	assert.Equal(t, 3, cfg.PluginManager().ActivateRetries)
	assert.Equal(t, logging.LevelInfo, cfg.Logging().Level)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "warden.toml", `
[log]
level = "debug"
format = "json"

[security]
risk_threshold = 30
host_allowed = ["data.read", "network:a.com"]

[sandbox]
max_execution = "500ms"
max_timeouts = 5

[plugins]
paths = ["/opt/plugins"]
auto_activate = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, logging.LevelDebug, cfg.Logging().Level)
	assert.Equal(t, 30, cfg.Security.RiskThreshold)
	assert.Equal(t, []string{"data.read", "network:a.com"}, cfg.Security.HostAllowed)
	assert.Equal(t, 500*time.Millisecond, cfg.Limits().MaxExecution)
	assert.Equal(t, int64(5), cfg.Limits().MaxTimeouts)
	assert.Equal(t, []string{"/opt/plugins"}, cfg.Plugins.Paths)
	assert.False(t, cfg.Plugins.AutoActivate)

	// untouched sections keep their defaults
	assert.Equal(t, Default().Monitor, cfg.Monitor)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "warden.yaml", "monitor:\n  interval: 100ms\n  window: 16\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, cfg.Monitor.Interval)
	assert.Equal(t, 16, cfg.Monitor.Window)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "warden.toml", "[security]\nrisk_threshold = 30\n")
	t.Setenv("WARDEN_SECURITY_RISK_THRESHOLD", "70")
	t.Setenv("WARDEN_SANDBOX_MAX_EXECUTION", "3s")
	t.Setenv("WARDEN_METRICS_LISTEN", ":9000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 70, cfg.Security.RiskThreshold)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.MaxExecution)
	assert.Equal(t, ":9000", cfg.Metrics.Listen)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = Load(writeFile(t, "broken.toml", "[security\n"))
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold", func(c *Config) { c.Security.RiskThreshold = 101 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"log level", func(c *Config) { c.Log.Level = "loud" }},
		{"cpu fraction", func(c *Config) { c.Sandbox.MaxCPUFraction = 2 }},
		{"execution", func(c *Config) { c.Sandbox.MaxExecution = 0 }},
		{"interval", func(c *Config) { c.Monitor.Interval = 0 }},
		{"ceiling", func(c *Config) { c.Monitor.HardCeilingFactor = 0.5 }},
		{"parallel", func(c *Config) { c.Plugins.Parallel = 0 }},
		{"backend", func(c *Config) { c.Storage.Backend = "disk" }},
		{"redis url", func(c *Config) { c.Storage.Backend = "redis" }},
		{"watch without file", func(c *Config) { c.Security.WatchRules = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrValidationFailed)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Security.RiskThreshold = -1
	cfg.Monitor.Window = 0
	err := cfg.Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Problems, 2)
}
