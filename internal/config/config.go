package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/plugin"
	"github.com/dshills/warden/internal/sandbox"
)

// EnvPrefix prefixes every environment override, e.g.
// WARDEN_SECURITY_RISK_THRESHOLD.
const EnvPrefix = "WARDEN"

// Config is the complete host configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Security SecurityConfig `mapstructure:"security"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Plugins  PluginsConfig  `mapstructure:"plugins"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Data     DataConfig     `mapstructure:"data"`
	Net      NetConfig      `mapstructure:"net"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// File is the configuration file that was read, if any.
	File string `mapstructure:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// SecurityConfig configures admission.
type SecurityConfig struct {
	// RiskThreshold is the highest score that is still approved.
	RiskThreshold int `mapstructure:"risk_threshold"`

	// HostAllowed lists the permission specs the host is willing to grant.
	// Empty allows every kind.
	HostAllowed []string `mapstructure:"host_allowed"`

	// RulesFile replaces the built-in analyzer rules.
	RulesFile string `mapstructure:"rules_file"`

	// WatchRules reloads RulesFile when it changes.
	WatchRules bool `mapstructure:"watch_rules"`

	// CacheSize bounds the in-memory validation cache.
	CacheSize int `mapstructure:"cache_size"`

	// CacheTTL expires cached validations; zero keeps them until evicted.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	// RedisURL shares the validation cache across hosts when set.
	RedisURL string `mapstructure:"redis_url"`
}

// SandboxConfig holds per-sandbox limits and queue sizes.
type SandboxConfig struct {
	MaxMemoryBytes int64         `mapstructure:"max_memory_bytes"`
	MaxCPUFraction float64       `mapstructure:"max_cpu_fraction"`
	MaxExecution   time.Duration `mapstructure:"max_execution"`
	MaxTimeouts    int64         `mapstructure:"max_timeouts"`
	CallsPerSecond float64       `mapstructure:"calls_per_second"`
	MaxPending     int           `mapstructure:"max_pending"`
	QueueSize      int           `mapstructure:"queue_size"`
	Grace          time.Duration `mapstructure:"grace"`
	MaxCallStack   int           `mapstructure:"max_call_stack"`
}

// MonitorConfig controls sampling and escalation.
type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	HardCeilingFactor float64       `mapstructure:"hard_ceiling_factor"`
	Window            int           `mapstructure:"window"`
}

// PluginsConfig controls discovery and activation.
type PluginsConfig struct {
	// Paths are searched for plugin directories, in order.
	Paths []string `mapstructure:"paths"`

	// Indexes are manifest index files read after Paths.
	Indexes []string `mapstructure:"indexes"`

	// AutoActivate activates every admitted plugin on serve.
	AutoActivate bool `mapstructure:"auto_activate"`

	ActivateRetries int           `mapstructure:"activate_retries"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	Parallel        int           `mapstructure:"parallel"`
}

// StorageConfig selects the plugin storage backend.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
	RedisURL string `mapstructure:"redis_url"`
}

// DataConfig configures the analytical engine behind the data service.
// An empty DSN disables the service.
type DataConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// NetConfig caps the net service's fetches.
type NetConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	// Listen is the address warden serve exposes /metrics on.
	Listen string `mapstructure:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	limits := monitor.DefaultLimits()
	policy := monitor.DefaultPolicy()
	pc := plugin.DefaultConfig()
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Security: SecurityConfig{
			RiskThreshold: 50,
			CacheSize:     1024,
		},
		Sandbox: SandboxConfig{
			MaxMemoryBytes: limits.MaxMemoryBytes,
			MaxCPUFraction: limits.MaxCPUFraction,
			MaxExecution:   limits.MaxExecution,
			MaxTimeouts:    limits.MaxTimeouts,
			CallsPerSecond: limits.CallsPerSecond,
			MaxPending:     sandbox.DefaultMaxPending,
			QueueSize:      sandbox.DefaultQueueSize,
			Grace:          sandbox.DefaultGrace,
			MaxCallStack:   200,
		},
		Monitor: MonitorConfig{
			Interval:          policy.Interval,
			GracePeriod:       policy.GracePeriod,
			HardCeilingFactor: policy.HardCeilingFactor,
			Window:            policy.Window,
		},
		Plugins: PluginsConfig{
			Paths:           plugin.DefaultPluginPaths(),
			AutoActivate:    true,
			ActivateRetries: pc.ActivateRetries,
			RetryInitial:    pc.RetryInitial,
			RetryMax:        pc.RetryMax,
			RetryMultiplier: pc.RetryMultiplier,
			Parallel:        pc.Parallel,
		},
		Storage: StorageConfig{Backend: "memory", Capacity: 10000},
		Data:    DataConfig{Driver: "sqlite3"},
		Net:     NetConfig{Timeout: 10 * time.Second, MaxBodyBytes: 1 << 20},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
	}
}

// Load reads the configuration. When file is empty, warden.{toml,yaml,json}
// is looked up in the working directory and ~/.config/warden; a missing
// file is not an error. WARDEN_ environment variables override both.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("warden")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "warden"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound):
		case file != "" && errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, file)
		default:
			return nil, &ParseError{Path: v.ConfigFileUsed(), Err: err}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &ParseError{Path: v.ConfigFileUsed(), Err: err}
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	defaults := map[string]any{
		"log.level":  d.Log.Level,
		"log.format": d.Log.Format,

		"security.risk_threshold": d.Security.RiskThreshold,
		"security.host_allowed":   d.Security.HostAllowed,
		"security.rules_file":     d.Security.RulesFile,
		"security.watch_rules":    d.Security.WatchRules,
		"security.cache_size":     d.Security.CacheSize,
		"security.cache_ttl":      d.Security.CacheTTL,
		"security.redis_url":      d.Security.RedisURL,

		"sandbox.max_memory_bytes": d.Sandbox.MaxMemoryBytes,
		"sandbox.max_cpu_fraction": d.Sandbox.MaxCPUFraction,
		"sandbox.max_execution":    d.Sandbox.MaxExecution,
		"sandbox.max_timeouts":     d.Sandbox.MaxTimeouts,
		"sandbox.calls_per_second": d.Sandbox.CallsPerSecond,
		"sandbox.max_pending":      d.Sandbox.MaxPending,
		"sandbox.queue_size":       d.Sandbox.QueueSize,
		"sandbox.grace":            d.Sandbox.Grace,
		"sandbox.max_call_stack":   d.Sandbox.MaxCallStack,

		"monitor.interval":            d.Monitor.Interval,
		"monitor.grace_period":        d.Monitor.GracePeriod,
		"monitor.hard_ceiling_factor": d.Monitor.HardCeilingFactor,
		"monitor.window":              d.Monitor.Window,

		"plugins.paths":            d.Plugins.Paths,
		"plugins.indexes":          d.Plugins.Indexes,
		"plugins.auto_activate":    d.Plugins.AutoActivate,
		"plugins.activate_retries": d.Plugins.ActivateRetries,
		"plugins.retry_initial":    d.Plugins.RetryInitial,
		"plugins.retry_max":        d.Plugins.RetryMax,
		"plugins.retry_multiplier": d.Plugins.RetryMultiplier,
		"plugins.parallel":         d.Plugins.Parallel,

		"storage.backend":   d.Storage.Backend,
		"storage.capacity":  d.Storage.Capacity,
		"storage.redis_url": d.Storage.RedisURL,

		"data.driver": d.Data.Driver,
		"data.dsn":    d.Data.DSN,

		"net.timeout":        d.Net.Timeout,
		"net.max_body_bytes": d.Net.MaxBodyBytes,

		"metrics.listen": d.Metrics.Listen,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks ranges and enumerations. Every problem is reported.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format %q must be text or json", c.Log.Format)
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not a level", c.Log.Level))
	}

	check(c.Security.RiskThreshold >= 0 && c.Security.RiskThreshold <= 100,
		"security.risk_threshold %d out of range [0,100]", c.Security.RiskThreshold)
	check(c.Security.CacheSize >= 0, "security.cache_size must not be negative")
	check(c.Security.CacheTTL >= 0, "security.cache_ttl must not be negative")
	check(c.Security.RulesFile != "" || !c.Security.WatchRules, "security.watch_rules needs security.rules_file")

	if err := c.Limits().Validate(); err != nil {
		problems = append(problems, "sandbox: "+err.Error())
	}
	check(c.Sandbox.MaxPending >= 0 && c.Sandbox.QueueSize >= 0, "sandbox queue sizes must not be negative")
	check(c.Sandbox.Grace >= 0, "sandbox.grace must not be negative")

	check(c.Monitor.Interval > 0, "monitor.interval must be positive")
	check(c.Monitor.GracePeriod >= 0, "monitor.grace_period must not be negative")
	check(c.Monitor.HardCeilingFactor >= 1, "monitor.hard_ceiling_factor must be at least 1")
	check(c.Monitor.Window > 0, "monitor.window must be positive")

	check(c.Plugins.ActivateRetries >= 0, "plugins.activate_retries must not be negative")
	check(c.Plugins.RetryMultiplier >= 1, "plugins.retry_multiplier must be at least 1")
	check(c.Plugins.Parallel > 0, "plugins.parallel must be positive")

	switch c.Storage.Backend {
	case "memory":
	case "redis":
		check(c.Storage.RedisURL != "", "storage.redis_url is required for the redis backend")
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q must be memory or redis", c.Storage.Backend))
	}
	check(c.Net.Timeout > 0, "net.timeout must be positive")
	check(c.Net.MaxBodyBytes > 0, "net.max_body_bytes must be positive")

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Limits returns the sandbox resource limits.
func (c *Config) Limits() monitor.Limits {
	return monitor.Limits{
		MaxMemoryBytes: c.Sandbox.MaxMemoryBytes,
		MaxCPUFraction: c.Sandbox.MaxCPUFraction,
		MaxExecution:   c.Sandbox.MaxExecution,
		MaxTimeouts:    c.Sandbox.MaxTimeouts,
		CallsPerSecond: c.Sandbox.CallsPerSecond,
	}
}

// Policy returns the monitor policy.
func (c *Config) Policy() monitor.Policy {
	return monitor.Policy{
		Interval:          c.Monitor.Interval,
		GracePeriod:       c.Monitor.GracePeriod,
		HardCeilingFactor: c.Monitor.HardCeilingFactor,
		Window:            c.Monitor.Window,
	}
}

// PluginManager returns the plugin manager configuration.
func (c *Config) PluginManager() plugin.Config {
	return plugin.Config{
		ActivateRetries: c.Plugins.ActivateRetries,
		RetryInitial:    c.Plugins.RetryInitial,
		RetryMax:        c.Plugins.RetryMax,
		RetryMultiplier: c.Plugins.RetryMultiplier,
		Parallel:        c.Plugins.Parallel,
	}
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.ParseLevel(c.Log.Level)
	lc.Format = c.Log.Format
	return lc
}
