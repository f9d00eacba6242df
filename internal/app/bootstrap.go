package app

import (
	"context"
	"fmt"

	// SQLite driver for the data service.
	_ "github.com/mattn/go-sqlite3"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/plugin"
	"github.com/dshills/warden/internal/sandbox"
	"github.com/dshills/warden/internal/security"
	"github.com/dshills/warden/internal/service"
)

// Redis key prefixes. Validation results live under
// warden:validation:<hash>.
const (
	cachePrefix   = "warden:"
	storagePrefix = "warden:storage:"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	host      *Host
	opts      Options
	initOrder []string
}

// newBootstrapper creates a new bootstrapper for the host.
func newBootstrapper(h *Host, opts Options) *bootstrapper {
	return &bootstrapper{
		host:      h,
		opts:      opts,
		initOrder: make([]string, 0, 8),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap(ctx context.Context) error {
	steps := []struct {
		name string
		init func(context.Context) error
	}{
		{"logging", b.initLogging},
		{"metrics", b.initMetrics},
		{"eventBus", b.initEventBus},
		{"analyzer", b.initAnalyzer},
		{"cache", b.initCache},
		{"services", b.initServices},
		{"security", b.initSecurity},
		{"plugins", b.initPlugins},
	}
	for _, step := range steps {
		if err := step.init(ctx); err != nil {
			b.cleanup(context.Background())
			return &InitError{Component: step.name, Err: err}
		}
		b.initOrder = append(b.initOrder, step.name)
	}
	return nil
}

func (b *bootstrapper) initLogging(context.Context) error {
	h := b.host
	if b.opts.Logger != nil {
		h.logger = b.opts.Logger
	} else {
		lc := h.cfg.Logging()
		if b.opts.Debug {
			lc.Level = logging.LevelDebug
		}
		h.logger = logging.New(lc)
	}
	logging.SetDefault(h.logger)
	return nil
}

func (b *bootstrapper) initMetrics(context.Context) error {
	b.host.metrics = metrics.New()
	return nil
}

func (b *bootstrapper) initEventBus(context.Context) error {
	b.host.bus = event.NewBus(event.WithLogger(b.host.logger))
	return nil
}

// initAnalyzer loads the configured rule file, watching it when asked.
func (b *bootstrapper) initAnalyzer(ctx context.Context) error {
	h := b.host
	sc := h.cfg.Security
	h.analyzer = analyzer.New(analyzer.WithLogger(h.logger))
	if sc.RulesFile == "" {
		return nil
	}
	if !sc.WatchRules {
		set, err := analyzer.LoadRuleSet(sc.RulesFile)
		if err != nil {
			return err
		}
		h.analyzer.SetRuleSet(set)
		return nil
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	err := h.analyzer.Watch(watchCtx, sc.RulesFile, func(set *analyzer.RuleSet, err error) {
		if err != nil {
			h.logger.WithError(err).Warn("keeping previous rules")
		}
	})
	if err != nil {
		cancel()
		return err
	}
	h.stopWatch = cancel
	return nil
}

func (b *bootstrapper) initCache(ctx context.Context) error {
	h := b.host
	sc := h.cfg.Security
	if sc.RedisURL == "" {
		h.cache = kv.NewMemoryStore(sc.CacheSize)
		return nil
	}
	store, err := kv.OpenRedisStore(ctx, kv.RedisOptions{URL: sc.RedisURL}, cachePrefix)
	if err != nil {
		return err
	}
	h.cache = store
	return nil
}

// initServices builds the storage backend, the optional data engine and the
// service proxy.
func (b *bootstrapper) initServices(ctx context.Context) error {
	h := b.host
	st := h.cfg.Storage
	switch st.Backend {
	case "redis":
		store, err := kv.OpenRedisStore(ctx, kv.RedisOptions{URL: st.RedisURL}, storagePrefix)
		if err != nil {
			return err
		}
		h.store = store
	default:
		h.store = kv.NewMemoryStore(st.Capacity)
	}

	backends := service.Backends{
		Store:     h.store,
		Fetcher:   service.NewHTTPFetcher(h.cfg.Net.Timeout, h.cfg.Net.MaxBodyBytes),
		Publisher: h.bus,
		Info:      service.HostInfo,
	}
	if dc := h.cfg.Data; dc.DSN != "" {
		engine, err := service.OpenSQLEngine(ctx, dc.Driver, dc.DSN)
		if err != nil {
			return err
		}
		h.engine = engine
		backends.Engine = engine
	}

	proxy, err := service.NewProxy(service.Builtin(backends),
		service.WithLogger(h.logger),
		service.WithObserver(h.metrics),
	)
	if err != nil {
		return err
	}
	h.proxy = proxy
	return nil
}

func (b *bootstrapper) initSecurity(context.Context) error {
	h := b.host
	sc := h.cfg.Security
	allowed := security.AllowAll()
	if len(sc.HostAllowed) > 0 {
		set, err := permission.ParseSet(sc.HostAllowed)
		if err != nil {
			return fmt.Errorf("security.host_allowed: %w", err)
		}
		allowed = set
	}

	sb := h.cfg.Sandbox
	h.security = security.New(
		security.WithAnalyzer(h.analyzer),
		security.WithHostAllowed(allowed),
		security.WithRiskThreshold(sc.RiskThreshold),
		security.WithCache(h.cache, sc.CacheTTL),
		security.WithObserver(h.metrics),
		security.WithLogger(h.logger),
		security.WithSandboxTemplate(sandbox.Config{
			Limits:       h.cfg.Limits(),
			Services:     h.proxy,
			Bus:          h.bus,
			MaxPending:   sb.MaxPending,
			QueueSize:    sb.QueueSize,
			Grace:        sb.Grace,
			MaxCallStack: sb.MaxCallStack,
			Observer:     h.metrics,
			Logger:       h.logger,
		}),
	)
	return nil
}

func (b *bootstrapper) initPlugins(context.Context) error {
	h := b.host
	pc := h.cfg.Plugins
	h.plugins = plugin.NewManager(h.security,
		plugin.WithConfig(h.cfg.PluginManager()),
		plugin.WithLoader(plugin.NewLoader(
			plugin.WithPaths(pc.Paths...),
			plugin.WithIndexes(pc.Indexes...),
			plugin.WithLoaderLogger(h.logger),
		)),
		plugin.WithBus(h.bus),
		plugin.WithMonitorOptions(
			monitor.WithPolicy(h.cfg.Policy()),
			monitor.WithObserver(h.metrics),
		),
		plugin.WithObserver(h.metrics),
		plugin.WithLogger(h.logger),
	)
	return nil
}

// cleanup performs cleanup in reverse initialization order.
func (b *bootstrapper) cleanup(ctx context.Context) {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		if err := b.host.release(ctx, b.initOrder[i]); err != nil {
			b.host.logger.WithError(err).Warn("releasing %s", b.initOrder[i])
		}
	}
}

// release stops a single component.
func (h *Host) release(ctx context.Context, component string) error {
	switch component {
	case "plugins":
		if h.plugins != nil {
			return h.plugins.Shutdown(ctx)
		}
	case "services":
		var err error
		if h.engine != nil {
			err = h.engine.Close()
		}
		if h.store != nil {
			if cerr := h.store.Close(); err == nil {
				err = cerr
			}
		}
		return err
	case "cache":
		if h.cache != nil {
			return h.cache.Close()
		}
	case "analyzer":
		if h.stopWatch != nil {
			h.stopWatch()
		}
	case "eventBus":
		if h.bus != nil {
			return h.bus.Close(ctx)
		}
	}
	return nil
}
