// Package service implements the permissioned host services plugins reach
// through their sandbox.
//
// Every call goes through Proxy.Call, which checks the caller's grant for
// the method's permission kind and scope targets before the backend runs.
// A denied call fails with *permission.PermissionDeniedError and never
// touches the backend.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dshills/warden/internal/clone"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/permission"
)

// Caller identifies the plugin making a call and what it was granted.
type Caller struct {
	PluginID string
	Grants   permission.Set
}

// Args are the decoded arguments of a call.
type Args map[string]any

// Method is one callable operation of a service.
type Method struct {
	// Kind is the permission the caller must hold.
	Kind permission.Kind

	// Params names the positional parameters plugin modules accept.
	Params []string

	// Targets returns the scope targets the call touches. Each one must be
	// within the caller's scope for Kind. Nil means only Kind is checked.
	Targets func(args Args) ([]string, error)

	// Call runs the backend. It is only reached after every check passed.
	Call func(ctx context.Context, caller Caller, args Args) (any, error)
}

// Service is a named group of methods.
type Service interface {
	Name() string
	Methods() map[string]Method
}

// Observer receives one notification per completed call.
type Observer interface {
	ObserveCall(pluginID, service, method string, elapsed time.Duration, err error)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Proxy) {
		p.logger = l
	}
}

// WithObserver registers a call observer.
func WithObserver(o Observer) Option {
	return func(p *Proxy) {
		p.observer = o
	}
}

// Proxy dispatches plugin calls to services after checking grants.
type Proxy struct {
	mu       sync.RWMutex
	services map[string]Service
	logger   *logging.Logger
	observer Observer
}

// NewProxy creates a proxy with the given services.
func NewProxy(services []Service, opts ...Option) (*Proxy, error) {
	p := &Proxy{services: make(map[string]Service, len(services))}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger).WithComponent("service")
	for _, svc := range services {
		if err := p.Register(svc); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Register adds a service.
func (p *Proxy) Register(svc Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.services[svc.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, svc.Name())
	}
	p.services[svc.Name()] = svc
	return nil
}

// Services returns the registered service names, sorted.
func (p *Proxy) Services() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.services))
	for name := range p.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available returns the parameter lists of every method whose permission
// kind is in grants, keyed by service and method. Services with no granted
// method are omitted.
func (p *Proxy) Available(grants permission.Set) map[string]map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string][]string)
	for name, svc := range p.services {
		for mname, m := range svc.Methods() {
			if !grants.Has(m.Kind) {
				continue
			}
			if out[name] == nil {
				out[name] = make(map[string][]string)
			}
			params := make([]string, len(m.Params))
			copy(params, m.Params)
			out[name][mname] = params
		}
	}
	return out
}

// Call invokes service.method for caller. Arguments are structurally cloned
// before they reach the backend and the result is cloned before it is
// returned.
func (p *Proxy) Call(ctx context.Context, caller Caller, service, method string, args map[string]any) (result any, err error) {
	start := time.Now()
	defer func() {
		if p.observer != nil {
			p.observer.ObserveCall(caller.PluginID, service, method, time.Since(start), err)
		}
	}()

	p.mu.RLock()
	svc, ok := p.services[service]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	m, ok := svc.Methods()[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, service, method)
	}

	if err := caller.Grants.Check(m.Kind, ""); err != nil {
		p.denied(caller, service, method, err)
		return nil, err
	}

	copied, err := clone.Value(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	a, _ := copied.(map[string]any)
	if a == nil {
		a = map[string]any{}
	}

	if m.Targets != nil {
		targets, err := m.Targets(a)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if err := caller.Grants.Check(m.Kind, target); err != nil {
				p.denied(caller, service, method, err)
				return nil, err
			}
		}
	}

	out, err := m.Call(ctx, caller, a)
	if err != nil {
		return nil, err
	}
	return clone.Value(out)
}

func (p *Proxy) denied(caller Caller, service, method string, err error) {
	p.logger.WithPlugin(caller.PluginID).WithError(err).Warn("denied %s.%s", service, method)
}
