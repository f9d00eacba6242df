// Package app assembles a warden host from its configuration.
package app

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/config"
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/metrics"
	"github.com/dshills/warden/internal/plugin"
	"github.com/dshills/warden/internal/security"
	"github.com/dshills/warden/internal/service"
)

// Options configures host construction.
type Options struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// Config is used as is when set; ConfigPath is then ignored.
	Config *config.Config

	// Debug enables debug logging regardless of the configured level.
	Debug bool

	// Logger replaces the logger built from the configuration.
	Logger *logging.Logger
}

// Host owns every long-lived component of a running warden.
type Host struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	bus      event.Bus
	analyzer *analyzer.Analyzer
	cache    kv.Store
	store    kv.Store
	engine   *service.SQLEngine
	proxy    *service.Proxy
	security *security.Manager
	plugins  *plugin.Manager

	// stopWatch ends the rule watcher.
	stopWatch context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
	initOrder    []string
}

// New builds a host. On failure every component already started is
// released.
func New(ctx context.Context, opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.ConfigPath); err != nil {
			return nil, &InitError{Component: "config", Err: err}
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}

	h := &Host{cfg: cfg}
	b := newBootstrapper(h, opts)
	if err := b.bootstrap(ctx); err != nil {
		return nil, err
	}
	h.initOrder = b.initOrder
	h.logger.Debug("host ready (config %q)", cfg.File)
	return h, nil
}

// Config returns the host configuration.
func (h *Host) Config() *config.Config { return h.cfg }

// Logger returns the host logger.
func (h *Host) Logger() *logging.Logger { return h.logger }

// Metrics returns the metrics collectors.
func (h *Host) Metrics() *metrics.Metrics { return h.metrics }

// Bus returns the event bus.
func (h *Host) Bus() event.Bus { return h.bus }

// Analyzer returns the static analyzer.
func (h *Host) Analyzer() *analyzer.Analyzer { return h.analyzer }

// Security returns the security manager.
func (h *Host) Security() *security.Manager { return h.security }

// Plugins returns the plugin manager.
func (h *Host) Plugins() *plugin.Manager { return h.plugins }

// Shutdown stops every plugin and releases the host's resources in reverse
// start order. It is safe to call more than once.
func (h *Host) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(func() {
		var errs []error
		for i := len(h.initOrder) - 1; i >= 0; i-- {
			if err := h.release(ctx, h.initOrder[i]); err != nil {
				errs = append(errs, err)
			}
		}
		h.shutdownErr = errors.Join(errs...)
		if h.shutdownErr != nil {
			h.logger.WithError(h.shutdownErr).Warn("shutdown finished with errors")
		} else {
			h.logger.Info("shutdown complete")
		}
	})
	return h.shutdownErr
}
