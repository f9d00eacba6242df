// Package metrics exports warden's Prometheus collectors.
//
// A Metrics value implements the observer interface of every component
// that reports outcomes; wire it in with each package's WithObserver option.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/plugin"
	"github.com/dshills/warden/internal/sandbox"
	"github.com/dshills/warden/internal/security"
)

const namespace = "warden"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	validations  *prometheus.CounterVec
	riskScores   prometheus.Histogram
	validateTime prometheus.Histogram
	transitions  *prometheus.CounterVec
	states       *prometheus.GaugeVec
	invocations  *prometheus.CounterVec
	invokeTime   *prometheus.HistogramVec
	serviceCalls *prometheus.CounterVec
	memory       *prometheus.GaugeVec
	cpu          *prometheus.GaugeVec
	violations   *prometheus.CounterVec
}

// New creates the collectors. The Go runtime and process collectors are
// registered too.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "validations_total",
			Help:      "Plugin validations, labeled by outcome and whether the cache answered",
		}, []string{"outcome", "cached"}),
		riskScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "risk_score",
			Help:      "Risk scores of freshly analyzed plugins",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		validateTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "validation_duration_seconds",
			Help:      "Duration of uncached validations",
			Buckets:   prometheus.DefBuckets,
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions, labeled by target state",
		}, []string{"to"}),
		states: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "instances",
			Help:      "Plugin instances per lifecycle state",
		}, []string{"state"}),
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "invocations_total",
			Help:      "Sandbox invocations, labeled by plugin and result",
		}, []string{"plugin", "result"}),
		invokeTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of sandbox invocations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		serviceCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "services",
			Name:      "calls_total",
			Help:      "Host service calls, labeled by plugin, service and result",
		}, []string{"plugin", "service", "result"}),
		memory: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "memory_bytes",
			Help:      "Latest estimated interpreter memory per plugin",
		}, []string{"plugin"}),
		cpu: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "cpu_fraction",
			Help:      "Latest busy fraction per plugin",
		}, []string{"plugin"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "violations_total",
			Help:      "Resource limit breaches, labeled by resource and severity",
		}, []string{"plugin", "kind", "severity"}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveValidation implements security.Observer.
func (m *Metrics) ObserveValidation(r *security.ValidationResult, cached bool, elapsed time.Duration) {
	outcome := "approved"
	switch {
	case r == nil:
		outcome = "error"
	case !r.Approved:
		outcome = "rejected"
	case r.Reduced():
		outcome = "reduced"
	}
	m.validations.WithLabelValues(outcome, boolLabel(cached)).Inc()
	if cached || r == nil {
		return
	}
	m.validateTime.Observe(elapsed.Seconds())
	if r.Assessment != nil {
		m.riskScores.Observe(float64(r.RiskScore()))
	}
}

// ObserveTransition implements plugin.Observer. Registration is not a
// transition, so discovered instances are counted once they move on.
func (m *Metrics) ObserveTransition(pluginID string, from, to plugin.State) {
	m.transitions.WithLabelValues(to.String()).Inc()
	if from != plugin.StateDiscovered {
		m.states.WithLabelValues(from.String()).Dec()
	}
	m.states.WithLabelValues(to.String()).Inc()
	if to == plugin.StateCleaned {
		m.memory.DeleteLabelValues(pluginID)
		m.cpu.DeleteLabelValues(pluginID)
	}
}

// ObserveInvocation implements sandbox.Observer.
func (m *Metrics) ObserveInvocation(pluginID, _ string, elapsed time.Duration, err error) {
	m.invocations.WithLabelValues(pluginID, result(err)).Inc()
	m.invokeTime.WithLabelValues(pluginID).Observe(elapsed.Seconds())
}

// ObserveCall implements service.Observer.
func (m *Metrics) ObserveCall(pluginID, svc, _ string, _ time.Duration, err error) {
	m.serviceCalls.WithLabelValues(pluginID, svc, result(err)).Inc()
}

// ObserveSample implements monitor.Observer.
func (m *Metrics) ObserveSample(pluginID string, s monitor.Sample) {
	m.memory.WithLabelValues(pluginID).Set(float64(s.MemoryBytes))
	m.cpu.WithLabelValues(pluginID).Set(s.CPUFraction)
}

// ObserveViolation implements monitor.Observer.
func (m *Metrics) ObserveViolation(pluginID string, v monitor.Violation) {
	severity := "soft"
	if v.Hard {
		severity = "hard"
	}
	m.violations.WithLabelValues(pluginID, string(v.Kind), severity).Inc()
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(err, permission.ErrPermissionDenied):
		return "denied"
	default:
		return "error"
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
