package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/manifest"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/sandbox"
	"github.com/dshills/warden/internal/sandbox/engine"
	"github.com/dshills/warden/internal/security"
)

// Lifecycle hooks a plugin may export. Both are optional.
const (
	HookActivate   = "activate"
	HookDeactivate = "deactivate"
)

// Config configures the plugin manager.
type Config struct {
	// ActivateRetries bounds retries of transient activation failures.
	ActivateRetries int

	// Backoff between retries
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64

	// Parallel bounds concurrent validations and activations in ActivateAll.
	Parallel int
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ActivateRetries: 3,
		RetryInitial:    100 * time.Millisecond,
		RetryMax:        2 * time.Second,
		RetryMultiplier: 2,
		Parallel:        4,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ActivateRetries < 0 {
		c.ActivateRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = max(d.RetryMax, c.RetryInitial)
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = d.RetryMultiplier
	}
	if c.Parallel <= 0 {
		c.Parallel = d.Parallel
	}
	return c
}

// Observer receives lifecycle transitions, typically for metrics.
type Observer interface {
	ObserveTransition(pluginID string, from, to State)
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the manager configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLoader sets the discovery loader.
func WithLoader(l *Loader) Option {
	return func(m *Manager) { m.loader = l }
}

// WithBus sets the bus lifecycle events are published on.
func WithBus(bus event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithMonitorOptions configures the resource monitor the manager owns.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(m *Manager) { m.monitorOpts = append(m.monitorOpts, opts...) }
}

// WithObserver sets the transition observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the only writer of plugin lifecycle state. It owns one arena
// of instances keyed by plugin id; everything else refers to plugins by id.
type Manager struct {
	security    *security.Manager
	monitor     *monitor.Monitor
	monitorOpts []monitor.Option
	loader      *Loader
	bus         event.Bus
	observer    Observer
	cfg         Config
	logger      *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// entry is one instance. mu serializes transitions; view guards the fields
// readers may snapshot while a transition is in flight.
type entry struct {
	id     string
	origin string
	// bundle is nil for instances rejected before their manifest parsed.
	bundle *manifest.Bundle

	mu sync.Mutex

	view       sync.RWMutex
	state      State
	validation *security.ValidationResult
	sb         *sandbox.Sandbox
	token      *monitor.Token
	reasons    []string
	failure    error
	violation  *monitor.Violation
	updated    time.Time
}

// NewManager creates a manager that admits plugins through sec.
func NewManager(sec *security.Manager, opts ...Option) *Manager {
	m := &Manager{
		security: sec,
		cfg:      DefaultConfig(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.normalized()
	m.logger = logging.OrDefault(m.logger).WithComponent("plugins")
	if m.loader == nil {
		m.loader = NewLoader(WithLoaderLogger(m.logger))
	}
	m.monitor = monitor.New(m, append([]monitor.Option{
		monitor.WithPublisher(m.bus),
		monitor.WithLogger(m.logger),
	}, m.monitorOpts...)...)
	return m
}

// Monitor returns the resource monitor supervising active sandboxes.
func (m *Manager) Monitor() *monitor.Monitor { return m.monitor }

// Register adds a discovered bundle. An id may be reused once its previous
// instance is cleaned.
func (m *Manager) Register(b *manifest.Bundle) error {
	if b == nil || b.Manifest == nil {
		return errors.New("register: bundle has no manifest")
	}
	return m.add(&entry{
		id:      b.Manifest.ID(),
		origin:  b.Origin,
		bundle:  b,
		state:   StateDiscovered,
		updated: time.Now(),
	})
}

func (m *Manager) add(e *entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries[e.id]; ok {
		if st := old.snapshotState(); st != StateCleaned {
			return fmt.Errorf("plugin %q (%s): %w", e.id, st, ErrAlreadyRegistered)
		}
	} else {
		m.order = append(m.order, e.id)
	}
	m.entries[e.id] = e
	m.logger.WithPlugin(e.id).Debug("registered from %s", e.origin)
	return nil
}

// Discover registers every plugin the loader finds. Plugins whose manifest
// is malformed but names itself are registered and rejected immediately.
// It returns the ids registered and the problems found.
func (m *Manager) Discover(ctx context.Context) ([]string, error) {
	var ids []string
	var errs []error
	for _, d := range m.loader.Discover() {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		switch {
		case d.Err == nil:
			if err := m.Register(d.Bundle); err != nil {
				errs = append(errs, err)
				continue
			}
			ids = append(ids, d.Name)
		case d.Name != "":
			if err := m.registerRejected(d); err != nil {
				errs = append(errs, err)
				continue
			}
			ids = append(ids, d.Name)
			errs = append(errs, fmt.Errorf("%s: %w", d.Origin, d.Err))
		default:
			errs = append(errs, fmt.Errorf("%s: %w", d.Origin, d.Err))
		}
	}
	return ids, errors.Join(errs...)
}

func (m *Manager) registerRejected(d Discovery) error {
	e := &entry{id: d.Name, origin: d.Origin, state: StateDiscovered, updated: time.Now()}
	if err := m.add(e); err != nil {
		return err
	}
	reasons := []string{d.Err.Error()}
	var me *manifest.ManifestError
	if errors.As(d.Err, &me) {
		reasons = me.Reasons()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setReasons(reasons, d.Err)
	m.move(e, StateRejected, map[string]any{"reasons": reasons})
	return nil
}

// Validate submits a discovered plugin to the security manager. A rejection
// moves it to Rejected and returns a RejectedError.
func (m *Manager) Validate(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.validate(ctx, e)
}

func (m *Manager) validate(ctx context.Context, e *entry) error {
	switch st := e.snapshotState(); st {
	case StateDiscovered:
	case StateValidated, StateInitialized, StateActive, StateDeactivated:
		return nil
	case StateRejected:
		return e.rejectedError()
	default:
		return &TransitionError{PluginID: e.id, Op: "validate", From: st}
	}

	r, err := m.security.Validate(ctx, e.bundle.Manifest, e.bundle.Code)
	if err != nil {
		return fmt.Errorf("validating %s: %w", e.id, err)
	}
	e.view.Lock()
	e.validation = r
	e.view.Unlock()

	if !r.Approved {
		e.setReasons(r.Reasons, r.Cause)
		m.move(e, StateRejected, map[string]any{
			"reasons":   r.Reasons,
			"riskScore": r.RiskScore(),
		})
		return e.rejectedError()
	}
	m.move(e, StateValidated, map[string]any{
		"granted":   r.Granted.String(),
		"reduced":   r.Reduced(),
		"riskScore": r.RiskScore(),
	})
	return nil
}

// Initialize validates the plugin if needed, creates its sandbox, loads its
// code and attaches it to the resource monitor. Transient failures are
// retried; a plugin whose code cannot be loaded moves to Failed.
func (m *Manager) Initialize(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.initialize(ctx, e)
}

func (m *Manager) initialize(ctx context.Context, e *entry) error {
	if err := m.validate(ctx, e); err != nil {
		return err
	}
	switch st := e.snapshotState(); st {
	case StateValidated:
	case StateInitialized, StateActive, StateDeactivated:
		return nil
	default:
		return &TransitionError{PluginID: e.id, Op: "initialize", From: st}
	}
	if err := m.checkDependencies(e); err != nil {
		return err
	}

	err := m.retry(ctx, e.id, "initialize", func() error { return m.startSandbox(ctx, e) })
	if err != nil {
		m.fail(e, err, nil)
		return err
	}
	return nil
}

func (m *Manager) startSandbox(ctx context.Context, e *entry) error {
	e.view.RLock()
	validation := e.validation
	e.view.RUnlock()

	sb, err := m.security.CreateSandbox(ctx, validation)
	if errors.Is(err, security.ErrIllegalState) {
		// The issued record is gone from the cache; validate again.
		r, verr := m.security.Validate(ctx, e.bundle.Manifest, e.bundle.Code)
		if verr != nil {
			return verr
		}
		if !r.Approved {
			return &RejectedError{PluginID: e.id, Reasons: r.Reasons, Cause: r.Cause}
		}
		e.view.Lock()
		e.validation = r
		e.view.Unlock()
		sb, err = m.security.CreateSandbox(ctx, r)
	}
	if err != nil {
		return fmt.Errorf("creating sandbox for %s: %w", e.id, err)
	}
	if err := sb.Load(ctx, e.bundle.Code); err != nil {
		sb.Terminate()
		return err
	}

	token := m.monitor.Attach(e.id, sb, sb.Handle().Limits)
	e.view.Lock()
	e.sb, e.token = sb, token
	e.view.Unlock()
	m.move(e, StateInitialized, map[string]any{"sandboxId": sb.ID()})
	return nil
}

// checkDependencies requires every dependency to be registered, usable and
// within its version range.
func (m *Manager) checkDependencies(e *entry) error {
	for _, dep := range e.bundle.Manifest.Dependencies {
		d, err := m.entry(dep.Name)
		if err != nil || d.bundle == nil {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyNotFound, e.id, dep.Name)
		}
		switch st := d.snapshotState(); st {
		case StateRejected, StateFailed, StateCleaned:
			return fmt.Errorf("%w: %s requires %s, which is %s", ErrDependencyNotFound, e.id, dep.Name, st)
		}
		if v := d.bundle.Manifest.Version; !dep.SatisfiedBy(v) {
			return fmt.Errorf("%w: %s requires %s %s, found %s", ErrDependencyVersion, e.id, dep.Name, dep.VersionRange, v)
		}
	}
	return nil
}

// Activate brings the plugin to Active, validating and initializing it
// first when needed, then running its activate hook. Activating an active
// plugin is a no-op.
func (m *Manager) Activate(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.activate(ctx, e)
}

func (m *Manager) activate(ctx context.Context, e *entry) error {
	if e.snapshotState() == StateActive {
		return nil
	}
	if err := m.initialize(ctx, e); err != nil {
		return err
	}
	switch st := e.snapshotState(); st {
	case StateInitialized, StateDeactivated:
	case StateActive:
		return nil
	default:
		return &TransitionError{PluginID: e.id, Op: "activate", From: st}
	}

	err := m.retry(ctx, e.id, "activate hook", func() error { return m.hook(ctx, e, HookActivate) })
	if err != nil {
		err = fmt.Errorf("activating %s: %w", e.id, err)
		m.fail(e, err, nil)
		return err
	}
	m.move(e, StateActive, nil)
	return nil
}

// hook invokes a lifecycle hook; a plugin that does not export it is fine.
func (m *Manager) hook(ctx context.Context, e *entry, name string) error {
	e.view.RLock()
	sb := e.sb
	e.view.RUnlock()
	_, err := sb.Invoke(ctx, name)
	if errors.Is(err, engine.ErrNotFunction) {
		return nil
	}
	return err
}

// Invoke calls op on an active plugin. Permission and timeout failures are
// returned to the caller and leave the plugin running.
func (m *Manager) Invoke(ctx context.Context, id, op string, args ...any) (any, error) {
	if op == HookActivate || op == HookDeactivate {
		return nil, fmt.Errorf("%s is a lifecycle hook", op)
	}
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.view.RLock()
	st, sb, failure := e.state, e.sb, e.failure
	e.view.RUnlock()
	if st != StateActive {
		if failure != nil {
			return nil, fmt.Errorf("%w: %s is %s: %v", ErrNotActive, id, st, failure)
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, st)
	}
	return sb.Invoke(ctx, op, args...)
}

// Deactivate runs the deactivate hook and stops accepting invocations. The
// sandbox is kept so the plugin can be activated again.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.deactivate(ctx, e)
}

func (m *Manager) deactivate(ctx context.Context, e *entry) error {
	switch st := e.snapshotState(); st {
	case StateActive:
	case StateDeactivated:
		return nil
	default:
		return &TransitionError{PluginID: e.id, Op: "deactivate", From: st}
	}
	if err := m.hook(ctx, e, HookDeactivate); err != nil {
		// Log but continue with deactivation
		m.logger.WithPlugin(e.id).WithError(err).Warn("deactivate hook failed")
	}
	m.move(e, StateDeactivated, nil)
	return nil
}

// Cleanup releases the plugin's sandbox and moves it to Cleaned. Only
// rejected, deactivated and failed plugins can be cleaned; cleaning twice is
// a no-op.
func (m *Manager) Cleanup(_ context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.cleanup(e)
}

func (m *Manager) cleanup(e *entry) error {
	switch st := e.snapshotState(); st {
	case StateRejected, StateDeactivated, StateFailed:
	case StateCleaned:
		return nil
	default:
		return &TransitionError{PluginID: e.id, Op: "cleanup", From: st}
	}
	m.release(e)
	m.move(e, StateCleaned, nil)
	return nil
}

// Readmit is the operator path back from Failed: the failed instance is
// cleaned, the bundle is reloaded from its directory when it has one, and
// a fresh instance is activated.
func (m *Manager) Readmit(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if st := e.snapshotState(); st != StateFailed {
		e.mu.Unlock()
		return &TransitionError{PluginID: id, Op: "readmit", From: st}
	}
	if err := m.cleanup(e); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	bundle := e.bundle
	if dir := bundle.Manifest.Dir(); dir != "" {
		fresh, err := manifest.LoadBundle(dir)
		if err != nil {
			return fmt.Errorf("reloading %s: %w", id, err)
		}
		if fresh.Manifest.ID() != id {
			return fmt.Errorf("reloading %s: directory now holds %s", id, fresh.Manifest.ID())
		}
		bundle = fresh
	}
	if err := m.Register(bundle); err != nil {
		return err
	}
	m.logger.WithPlugin(id).Info("readmitted")
	return m.Activate(ctx, id)
}

// ActivateAll validates every discovered plugin concurrently, then
// activates the admitted ones in dependency order. Plugins on a dependency
// cycle fail with ErrCyclicDependency; plugins whose dependency failed are
// skipped. The returned error joins every per-plugin failure.
func (m *Manager) ActivateAll(ctx context.Context) error {
	var mu sync.Mutex
	failed := make(map[string]error)
	record := func(id string, err error) {
		mu.Lock()
		failed[id] = err
		mu.Unlock()
	}

	discovered := m.idsIn(StateDiscovered)
	parallel(m.cfg.Parallel, discovered, func(id string) {
		if err := m.Validate(ctx, id); err != nil {
			record(id, err)
		}
	})

	levels, cyclic := m.levels(m.idsIn(StateValidated, StateInitialized, StateDeactivated))
	for _, id := range cyclic {
		record(id, fmt.Errorf("%w: %s", ErrCyclicDependency, id))
	}
	for _, level := range levels {
		parallel(m.cfg.Parallel, level, func(id string) {
			if dep := m.failedDependency(id, failed, &mu); dep != "" {
				record(id, fmt.Errorf("%w: %s requires %s, which did not activate", ErrDependencyNotFound, id, dep))
				return
			}
			if err := m.Activate(ctx, id); err != nil {
				record(id, err)
			}
		})
	}

	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errs := make([]error, len(ids))
	for i, id := range ids {
		errs[i] = failed[id]
	}
	return errors.Join(errs...)
}

func (m *Manager) failedDependency(id string, failed map[string]error, mu *sync.Mutex) string {
	e, err := m.entry(id)
	if err != nil || e.bundle == nil {
		return ""
	}
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range e.bundle.Manifest.Dependencies {
		if _, ok := failed[dep.Name]; ok {
			return dep.Name
		}
	}
	return ""
}

// Shutdown deactivates and cleans every live plugin, dependents first, and
// stops the resource monitor.
func (m *Manager) Shutdown(ctx context.Context) error {
	levels, cyclic := m.levels(m.idsIn(StateInitialized, StateActive, StateDeactivated, StateFailed, StateRejected))
	order := slices.Clone(cyclic)
	for i := len(levels) - 1; i >= 0; i-- {
		order = append(order, levels[i]...)
	}

	var errs []error
	for _, id := range order {
		if err := m.shutdown(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	m.monitor.Close()
	return errors.Join(errs...)
}

func (m *Manager) shutdown(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.snapshotState() {
	case StateActive:
		if err := m.deactivate(ctx, e); err != nil {
			return err
		}
	case StateInitialized:
		m.fail(e, errors.New("host shutdown before activation"), nil)
	}
	return m.cleanup(e)
}

// RequestTermination implements monitor.Enforcer. The sandbox is halted at
// once; the instance then moves to Failed with the violation as its reason.
func (m *Manager) RequestTermination(pluginID string, v monitor.Violation) {
	e, err := m.entry(pluginID)
	if err != nil {
		return
	}
	e.view.Lock()
	sb := e.sb
	if sb != nil {
		e.violation = &v
	}
	e.view.Unlock()
	if sb == nil {
		return
	}
	sb.Halt(v.String())

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.snapshotState() {
	case StateInitialized, StateActive, StateDeactivated:
	default:
		return
	}
	m.fail(e, nil, v.Detail())
}

// fail halts the sandbox and moves the instance to Failed. The sandbox is
// kept until cleanup. A recorded resource violation takes precedence over
// cause.
func (m *Manager) fail(e *entry, cause error, detail map[string]any) {
	e.view.Lock()
	if e.violation != nil {
		cause = &monitor.ResourceViolationError{PluginID: e.id, Violation: *e.violation}
		if detail == nil {
			detail = e.violation.Detail()
		}
	}
	e.failure = cause
	sb, token := e.sb, e.token
	e.token = nil
	e.view.Unlock()

	m.monitor.Detach(token)
	if sb != nil {
		sb.Halt(cause.Error())
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = cause.Error()
	m.logger.WithPlugin(e.id).WithError(cause).Error("failed")
	m.move(e, StateFailed, detail)
}

func (m *Manager) release(e *entry) {
	e.view.Lock()
	sb, token := e.sb, e.token
	e.sb, e.token = nil, nil
	e.view.Unlock()
	m.monitor.Detach(token)
	if sb != nil {
		sb.Terminate()
	}
}

var stateTopics = map[State]event.Topic{
	StateValidated:   event.TopicValidated,
	StateRejected:    event.TopicRejected,
	StateActive:      event.TopicActivated,
	StateDeactivated: event.TopicDeactivated,
	StateFailed:      event.TopicFailed,
	StateCleaned:     event.TopicCleaned,
}

// move records a transition the caller has checked. e.mu must be held.
func (m *Manager) move(e *entry, to State, detail map[string]any) {
	e.view.Lock()
	from := e.state
	if !from.CanTransition(to) {
		e.view.Unlock()
		panic(fmt.Sprintf("plugin %s: illegal transition %s -> %s", e.id, from, to))
	}
	e.state = to
	e.updated = time.Now()
	e.view.Unlock()

	m.logger.WithPlugin(e.id).Info("%s -> %s", from, to)
	if m.observer != nil {
		m.observer.ObserveTransition(e.id, from, to)
	}
	if tp, ok := stateTopics[to]; ok && m.bus != nil {
		if err := m.bus.Publish(context.Background(), tp, event.NewPluginEvent(e.id, detail)); err != nil {
			m.logger.WithPlugin(e.id).WithError(err).Warn("publishing %s", tp)
		}
	}
}

func (m *Manager) entry(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return e, nil
}

// idsIn returns the ids in any of states, in registration order.
func (m *Manager) idsIn(states ...State) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for _, id := range m.order {
		if slices.Contains(states, m.entries[id].snapshotState()) {
			ids = append(ids, id)
		}
	}
	return ids
}

// levels orders ids so that every plugin comes after the dependencies it
// shares with the set. Each level only depends on earlier levels. Ids left
// over are on or behind a cycle.
func (m *Manager) levels(ids []string) (levels [][]string, cyclic []string) {
	in := make(map[string]bool, len(ids))
	for _, id := range ids {
		in[id] = true
	}
	pending := make(map[string]int, len(ids))
	dependents := make(map[string][]string)
	for _, id := range ids {
		e, err := m.entry(id)
		if err != nil || e.bundle == nil {
			pending[id] = 0
			continue
		}
		for _, dep := range e.bundle.Manifest.Dependencies {
			if in[dep.Name] {
				pending[id]++
				dependents[dep.Name] = append(dependents[dep.Name], id)
			}
		}
		if _, ok := pending[id]; !ok {
			pending[id] = 0
		}
	}

	var ready []string
	for _, id := range ids {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}
	for len(ready) > 0 {
		levels = append(levels, ready)
		var next []string
		for _, id := range ready {
			delete(pending, id)
			for _, d := range dependents[id] {
				pending[d]--
				if pending[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}
	for id := range pending {
		cyclic = append(cyclic, id)
	}
	sort.Strings(cyclic)
	return levels, cyclic
}

// parallel runs fn for every id with at most n running at once.
func parallel(n int, ids []string, fn func(id string)) {
	var g errgroup.Group
	g.SetLimit(n)
	for _, id := range ids {
		g.Go(func() error {
			fn(id)
			return nil
		})
	}
	_ = g.Wait()
}

// Instance is a point-in-time view of a plugin.
type Instance struct {
	ID        string            `json:"id"`
	Version   string            `json:"version,omitempty"`
	Category  manifest.Category `json:"category,omitempty"`
	Language  analyzer.Language `json:"language,omitempty"`
	Origin    string            `json:"origin"`
	State     State             `json:"state"`
	Requested permission.Set    `json:"requested"`
	Granted   permission.Set    `json:"granted"`
	Reduced   bool              `json:"reduced"`
	RiskScore int               `json:"riskScore"`
	// Reasons explains a rejection.
	Reasons []string `json:"reasons,omitempty"`
	// Failure explains why the plugin failed.
	Failure   string             `json:"failure,omitempty"`
	Violation *monitor.Violation `json:"violation,omitempty"`
	SandboxID string             `json:"sandboxId,omitempty"`
	Usage     monitor.Usage      `json:"usage"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Get returns a snapshot of one plugin.
func (m *Manager) Get(id string) (Instance, error) {
	e, err := m.entry(id)
	if err != nil {
		return Instance{}, err
	}
	return e.snapshot(), nil
}

// List returns snapshots of every plugin in registration order.
func (m *Manager) List() []Instance {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.entries[id])
	}
	m.mu.RUnlock()

	out := make([]Instance, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

func (e *entry) snapshotState() State {
	e.view.RLock()
	defer e.view.RUnlock()
	return e.state
}

func (e *entry) snapshot() Instance {
	e.view.RLock()
	defer e.view.RUnlock()
	inst := Instance{
		ID:        e.id,
		Origin:    e.origin,
		State:     e.state,
		Reasons:   slices.Clone(e.reasons),
		UpdatedAt: e.updated,
	}
	if e.bundle != nil {
		mf := e.bundle.Manifest
		inst.Version = mf.Version
		inst.Category = mf.Category
		inst.Language = mf.Language()
		inst.Requested = mf.Requested()
	}
	if r := e.validation; r != nil {
		inst.Granted = r.Granted
		inst.Reduced = r.Reduced()
		inst.RiskScore = r.RiskScore()
	}
	if e.failure != nil {
		inst.Failure = e.failure.Error()
	}
	if e.violation != nil {
		v := *e.violation
		inst.Violation = &v
	}
	if e.sb != nil {
		inst.SandboxID = e.sb.ID()
		inst.Usage = e.sb.Usage()
	}
	return inst
}

func (e *entry) setReasons(reasons []string, cause error) {
	e.view.Lock()
	defer e.view.Unlock()
	e.reasons = slices.Clone(reasons)
	e.failure = cause
}

func (e *entry) rejectedError() error {
	e.view.RLock()
	defer e.view.RUnlock()
	return &RejectedError{PluginID: e.id, Reasons: slices.Clone(e.reasons), Cause: e.failure}
}
