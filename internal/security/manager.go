package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/manifest"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/sandbox"
)

// Defaults for Manager options.
const (
	DefaultRiskThreshold = 50
	DefaultCacheSize     = 1024

	cachePrefix = "validation:"

	// sharedValidationTimeout bounds a validation run on behalf of
	// concurrent callers. It is detached from every caller's context.
	sharedValidationTimeout = time.Minute
)

var tracer trace.Tracer = otel.Tracer("github.com/dshills/warden/internal/security")

// Observer receives validation outcomes, typically for metrics.
type Observer interface {
	ObserveValidation(r *ValidationResult, cached bool, elapsed time.Duration)
}

// Option configures a Manager.
type Option func(*Manager)

// WithAnalyzer sets the static analyzer.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(m *Manager) { m.analyzer = a }
}

// WithHostAllowed caps what any plugin can be granted.
func WithHostAllowed(set permission.Set) Option {
	return func(m *Manager) { m.hostAllowed = set }
}

// WithRiskThreshold sets the highest acceptable risk score.
func WithRiskThreshold(n int) Option {
	return func(m *Manager) { m.threshold = n }
}

// WithCache sets the result cache. The manager does not close it.
func WithCache(store kv.Store, ttl time.Duration) Option {
	return func(m *Manager) {
		m.cache = store
		m.cacheTTL = ttl
	}
}

// WithSandboxTemplate sets the sandbox configuration used by CreateSandbox.
// Its identity and grant fields are overwritten per plugin.
func WithSandboxTemplate(cfg sandbox.Config) Option {
	return func(m *Manager) { m.template = cfg }
}

// WithObserver sets the validation observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the sole decision point for admitting plugins.
type Manager struct {
	analyzer    *analyzer.Analyzer
	hostAllowed permission.Set
	threshold   int
	cache       kv.Store
	cacheTTL    time.Duration
	template    sandbox.Config
	observer    Observer
	logger      *logging.Logger

	group singleflight.Group
}

// New creates a manager. Without options it allows every permission kind,
// uses the default rule set and caches in memory.
func New(opts ...Option) *Manager {
	m := &Manager{
		hostAllowed: AllowAll(),
		threshold:   DefaultRiskThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.analyzer == nil {
		m.analyzer = analyzer.New()
	}
	if m.cache == nil {
		m.cache = kv.NewMemoryStore(DefaultCacheSize)
	}
	m.logger = logging.OrDefault(m.logger).WithComponent("security")
	if m.template.Limits == (monitor.Limits{}) {
		m.template.Limits = monitor.DefaultLimits()
	}
	if m.template.Logger == nil {
		m.template.Logger = m.logger.WithComponent("sandbox")
	}
	return m
}

// AllowAll returns a set granting every kind without scope restriction.
func AllowAll() permission.Set {
	kinds := permission.AllKinds()
	perms := make([]permission.Permission, len(kinds))
	for i, k := range kinds {
		perms[i] = permission.MustNew(k)
	}
	return permission.NewSet(perms...)
}

// HostAllowed returns the host permission cap.
func (m *Manager) HostAllowed() permission.Set { return m.hostAllowed }

// RiskThreshold returns the configured threshold.
func (m *Manager) RiskThreshold() int { return m.threshold }

// Analyzer returns the analyzer used for validation.
func (m *Manager) Analyzer() *analyzer.Analyzer { return m.analyzer }

// Validate decides whether the plugin may run. Rejections are results with
// Approved false, not errors; the error return is reserved for failures to
// reach a decision, such as a cancelled context.
func (m *Manager) Validate(ctx context.Context, mf *manifest.Manifest, code string) (result *ValidationResult, err error) {
	if mf == nil {
		return nil, errors.New("validate: manifest is nil")
	}
	ctx, span := tracer.Start(ctx, "security.validate", trace.WithAttributes(
		attribute.String("plugin.id", mf.ID()),
		attribute.String("plugin.version", mf.Version),
	))
	start := time.Now()
	cached := false
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("validation.approved", result.Approved),
				attribute.Bool("validation.cached", cached),
				attribute.Int("validation.risk_score", result.RiskScore()),
			)
			if m.observer != nil {
				m.observer.ObserveValidation(result, cached, time.Since(start))
			}
		}
		span.End()
	}()

	hash := m.Hash(mf, code)
	if r, ok := m.lookup(ctx, hash); ok {
		cached = true
		return r, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := m.group.DoChan(hash, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedValidationTimeout)
		defer cancel()
		r, err := m.validate(shared, mf, code, hash)
		if err != nil {
			return nil, err
		}
		if r.Cause == nil {
			m.store(shared, r)
		}
		return r, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	r := *res.Val.(*ValidationResult)
	return &r, nil
}

func (m *Manager) validate(ctx context.Context, mf *manifest.Manifest, code, hash string) (*ValidationResult, error) {
	log := m.logger.WithPlugin(mf.ID())
	r := &ValidationResult{
		PluginID:    mf.ID(),
		Version:     mf.Version,
		Language:    mf.Language(),
		Requested:   mf.Requested(),
		Hash:        hash,
		ValidatedAt: time.Now(),
	}

	if err := mf.Validate(); err != nil {
		log.WithError(err).Warn("rejected: invalid manifest")
		var me *manifest.ManifestError
		if errors.As(err, &me) {
			return r.reject(err, me.Reasons()...), nil
		}
		return r.reject(err, err.Error()), nil
	}

	assessment, err := m.analyzer.Analyze(ctx, r.Language, code)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.WithError(err).Warn("rejected: analysis failed")
		return r.reject(err, err.Error()), nil
	}
	r.Assessment = assessment

	if d := assessment.Decide(m.threshold); d.Rejected {
		log.Warn("rejected: risk score %d, %d violations", assessment.RiskScore, len(assessment.Violations))
		return r.reject(nil, d.Reasons...), nil
	}

	r.Granted = permission.Intersect(r.Requested, m.hostAllowed)
	r.Approved = true
	if r.Reduced() {
		log.Info("approved with reduced grant: requested %s, granted %s", r.Requested, r.Granted)
	} else {
		log.Debug("approved: risk score %d", assessment.RiskScore)
	}
	return r, nil
}

// Hash returns the content hash a result for mf and code is cached under.
// It covers the policy inputs so a rule or policy change forces
// re-validation.
func (m *Manager) Hash(mf *manifest.Manifest, code string) string {
	h := sha256.New()
	for _, part := range [][]byte{
		mf.Canonical(),
		[]byte(code),
		[]byte(m.analyzer.RulesVersion()),
		[]byte(strconv.Itoa(m.threshold)),
		[]byte(m.hostAllowed.String()),
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{0})
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CreateSandbox creates the sandbox for an approved result. The result must
// match the record this manager issued under its hash; the grant applied is
// the issued one.
func (m *Manager) CreateSandbox(ctx context.Context, r *ValidationResult) (*sandbox.Sandbox, error) {
	const op = "create sandbox for"
	if r == nil {
		return nil, illegal("", op, "no validation result")
	}
	if !r.Approved {
		return nil, illegal(r.PluginID, op, "validation was rejected")
	}
	issued, ok := m.lookup(ctx, r.Hash)
	switch {
	case !ok:
		return nil, illegal(r.PluginID, op, "no record of this validation; validate again")
	case !issued.Approved,
		issued.PluginID != r.PluginID,
		issued.Language != r.Language,
		!issued.Granted.Equal(r.Granted):
		return nil, illegal(r.PluginID, op, "result does not match the issued validation")
	}

	cfg := m.template
	cfg.PluginID = issued.PluginID
	cfg.Language = issued.Language
	cfg.Granted = issued.Granted
	return sandbox.Create(ctx, cfg)
}

func (m *Manager) lookup(ctx context.Context, hash string) (*ValidationResult, bool) {
	data, ok, err := m.cache.Get(ctx, cachePrefix+hash)
	if err != nil {
		m.logger.WithError(err).Warn("validation cache read failed")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var r ValidationResult
	if err := json.Unmarshal(data, &r); err != nil {
		m.logger.WithError(err).Warn("discarding unreadable cached validation")
		return nil, false
	}
	return &r, true
}

func (m *Manager) store(ctx context.Context, r *ValidationResult) {
	data, err := json.Marshal(r)
	if err != nil {
		m.logger.WithError(err).Warn("encoding validation for cache")
		return
	}
	if err := m.cache.Set(ctx, cachePrefix+r.Hash, data, m.cacheTTL); err != nil {
		m.logger.WithError(err).Warn("validation cache write failed")
	}
}
