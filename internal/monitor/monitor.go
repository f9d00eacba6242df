// Package monitor samples sandbox resource usage and escalates sustained
// violations to the component that owns the sandbox.
//
// The monitor never terminates anything itself. It observes a Probe, warns
// on transient breaches and, on a hard violation, publishes an event and
// asks its Enforcer to terminate the instance.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/logging"
)

// Usage is a point-in-time reading from a probe. BusyTime and Timeouts are
// cumulative.
type Usage struct {
	MemoryBytes int64
	BusyTime    time.Duration
	Timeouts    int64
}

// Probe exposes a sandbox's usage without giving access to the sandbox.
// Usage must not block on the sandboxed code.
type Probe interface {
	Usage() Usage
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func() Usage

// Usage implements Probe.
func (f ProbeFunc) Usage() Usage { return f() }

// Enforcer terminates instances on request.
type Enforcer interface {
	RequestTermination(pluginID string, v Violation)
}

// EnforcerFunc adapts a function to Enforcer.
type EnforcerFunc func(pluginID string, v Violation)

// RequestTermination implements Enforcer.
func (f EnforcerFunc) RequestTermination(pluginID string, v Violation) { f(pluginID, v) }

// Observer receives samples and violations, typically for metrics.
type Observer interface {
	ObserveSample(pluginID string, s Sample)
	ObserveViolation(pluginID string, v Violation)
}

// Sample is one reading.
type Sample struct {
	Timestamp   time.Time `json:"timestamp"`
	MemoryBytes int64     `json:"memoryBytes"`
	CPUFraction float64   `json:"cpuFraction"`
	Timeouts    int64     `json:"timeouts"`
}

// Check is the result of comparing the latest sample with the limits.
type Check struct {
	OK        bool
	Violation *Violation
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPolicy sets the sampling policy.
func WithPolicy(p Policy) Option {
	return func(m *Monitor) {
		m.policy = p.normalized()
	}
}

// WithPublisher sets where warning and violation events go.
func WithPublisher(p event.Publisher) Option {
	return func(m *Monitor) {
		m.publisher = p
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		m.observer = o
	}
}

// WithLogger sets the monitor logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// Monitor samples attached probes.
type Monitor struct {
	policy    Policy
	enforcer  Enforcer
	publisher event.Publisher
	observer  Observer
	logger    *logging.Logger

	mu     sync.Mutex
	tokens map[*Token]struct{}
}

// New creates a monitor that reports hard violations to enforcer.
func New(enforcer Enforcer, opts ...Option) *Monitor {
	m := &Monitor{
		policy:   DefaultPolicy(),
		enforcer: enforcer,
		tokens:   make(map[*Token]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger).WithComponent("monitor")
	return m
}

// Token is the handle for one attached probe.
type Token struct {
	pluginID string
	limits   Limits

	mu          sync.Mutex
	probe       Probe
	samples     []Sample
	next        int
	filled      bool
	last        Usage
	lastAt      time.Time
	breachSince map[Kind]time.Time

	terminated atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
}

// PluginID returns the monitored plugin id.
func (t *Token) PluginID() string { return t.pluginID }

// Limits returns the limits the token enforces.
func (t *Token) Limits() Limits { return t.limits }

// Attach starts sampling probe against limits.
func (m *Monitor) Attach(pluginID string, probe Probe, limits Limits) *Token {
	t := &Token{
		pluginID:    pluginID,
		limits:      limits,
		probe:       probe,
		samples:     make([]Sample, m.policy.Window),
		last:        probe.Usage(),
		lastAt:      time.Now(),
		breachSince: make(map[Kind]time.Time),
		stop:        make(chan struct{}),
	}

	m.mu.Lock()
	m.tokens[t] = struct{}{}
	m.mu.Unlock()

	go m.run(t)
	m.logger.WithPlugin(pluginID).Debug("attached")
	return t
}

// Detach stops sampling. It is idempotent and never blocks on the sampler.
func (m *Monitor) Detach(t *Token) {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		t.probe = nil
		t.mu.Unlock()
		m.mu.Lock()
		delete(m.tokens, t)
		m.mu.Unlock()
		m.logger.WithPlugin(t.pluginID).Debug("detached")
	})
}

// Attached returns the number of attached probes.
func (m *Monitor) Attached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// Close detaches every probe.
func (m *Monitor) Close() {
	m.mu.Lock()
	tokens := make([]*Token, 0, len(m.tokens))
	for t := range m.tokens {
		tokens = append(tokens, t)
	}
	m.mu.Unlock()
	for _, t := range tokens {
		m.Detach(t)
	}
}

// CheckLimits compares the latest sample with the token's limits.
// It is a pure comparison; nothing is escalated.
func (m *Monitor) CheckLimits(t *Token) Check {
	t.mu.Lock()
	latest, ok := t.latest()
	t.mu.Unlock()
	if !ok {
		return Check{OK: true}
	}
	if vs := compare(latest, t.limits); len(vs) > 0 {
		v := vs[0]
		return Check{OK: false, Violation: &v}
	}
	return Check{OK: true}
}

// Samples returns the retained samples, oldest first.
func (m *Monitor) Samples(t *Token) []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.filled {
		return append([]Sample(nil), t.samples[:t.next]...)
	}
	out := make([]Sample, 0, len(t.samples))
	out = append(out, t.samples[t.next:]...)
	return append(out, t.samples[:t.next]...)
}

func (m *Monitor) run(t *Token) {
	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			s, ok := m.sample(t, now)
			if !ok {
				return
			}
			if m.observer != nil {
				m.observer.ObserveSample(t.pluginID, s)
			}
			m.evaluate(t, s, now)
		}
	}
}

func (m *Monitor) sample(t *Token, now time.Time) (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probe == nil {
		return Sample{}, false
	}
	u := t.probe.Usage()
	s := Sample{
		Timestamp:   now,
		MemoryBytes: u.MemoryBytes,
		CPUFraction: cpuFraction(t.last.BusyTime, u.BusyTime, now.Sub(t.lastAt)),
		Timeouts:    u.Timeouts,
	}
	t.last, t.lastAt = u, now

	t.samples[t.next] = s
	t.next++
	if t.next == len(t.samples) {
		t.next = 0
		t.filled = true
	}
	return s, true
}

func (t *Token) latest() (Sample, bool) {
	if !t.filled && t.next == 0 {
		return Sample{}, false
	}
	i := t.next - 1
	if i < 0 {
		i = len(t.samples) - 1
	}
	return t.samples[i], true
}

func cpuFraction(prevBusy, busy, wall time.Duration) float64 {
	if wall <= 0 || busy <= prevBusy {
		return 0
	}
	f := float64(busy-prevBusy) / float64(wall)
	if f > 1 {
		f = 1
	}
	return f
}

// compare returns every breached limit in a fixed order.
func compare(s Sample, l Limits) []Violation {
	var out []Violation
	if l.MaxMemoryBytes > 0 && s.MemoryBytes > l.MaxMemoryBytes {
		out = append(out, Violation{Kind: KindMemory, Measured: float64(s.MemoryBytes), Limit: float64(l.MaxMemoryBytes)})
	}
	if l.MaxCPUFraction > 0 && s.CPUFraction > l.MaxCPUFraction {
		out = append(out, Violation{Kind: KindCPU, Measured: s.CPUFraction, Limit: l.MaxCPUFraction})
	}
	if l.MaxTimeouts > 0 && s.Timeouts > l.MaxTimeouts {
		out = append(out, Violation{Kind: KindTimeouts, Measured: float64(s.Timeouts), Limit: float64(l.MaxTimeouts)})
	}
	return out
}

func (m *Monitor) evaluate(t *Token, s Sample, now time.Time) {
	if t.terminated.Load() {
		return
	}
	violations := compare(s, t.limits)

	breached := make(map[Kind]bool, len(violations))
	var hard *Violation
	var warnings []Violation
	for _, v := range violations {
		breached[v.Kind] = true
		since, seen := t.breachSince[v.Kind]
		if !seen {
			since = now
			t.breachSince[v.Kind] = now
		}
		v.Sustained = now.Sub(since)
		switch {
		case v.Kind == KindTimeouts,
			v.Measured >= v.Limit*m.policy.HardCeilingFactor,
			v.Sustained >= m.policy.GracePeriod:
			v.Hard = true
			if hard == nil {
				hard = &v
			}
		case !seen:
			warnings = append(warnings, v)
		}
	}
	for kind := range t.breachSince {
		if !breached[kind] {
			delete(t.breachSince, kind)
		}
	}

	log := m.logger.WithPlugin(t.pluginID)
	for _, v := range warnings {
		log.Warn("soft violation: %s", v)
		if m.observer != nil {
			m.observer.ObserveViolation(t.pluginID, v)
		}
		m.publish(event.TopicResourceWarning, t.pluginID, v)
	}

	if hard == nil || !t.terminated.CompareAndSwap(false, true) {
		return
	}
	log.Error("hard violation: %s", *hard)
	if m.observer != nil {
		m.observer.ObserveViolation(t.pluginID, *hard)
	}
	m.publish(event.TopicResourceViolation, t.pluginID, *hard)
	if m.enforcer != nil {
		m.enforcer.RequestTermination(t.pluginID, *hard)
	}
}

func (m *Monitor) publish(tp event.Topic, pluginID string, v Violation) {
	if m.publisher == nil {
		return
	}
	payload := event.NewPluginEvent(pluginID, v.Detail())
	if err := m.publisher.Publish(context.Background(), tp, payload); err != nil {
		m.logger.WithPlugin(pluginID).WithError(err).Warn("publishing %s", tp)
	}
}
