package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/manifest"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/sandbox"
	"github.com/dshills/warden/internal/security"
	"github.com/dshills/warden/internal/service"
)

type pluginDef struct {
	name     string
	version  string
	entry    string
	category string
	perms    []string
	deps     map[string]string
}

func bundle(t *testing.T, s pluginDef, code string) *manifest.Bundle {
	t.Helper()
	if s.version == "" {
		s.version = "1.0.0"
	}
	if s.entry == "" {
		s.entry = "main.lua"
	}
	if s.perms == nil {
		s.perms = []string{}
	}
	deps := []map[string]string{}
	for name, rng := range s.deps {
		deps = append(deps, map[string]string{"name": name, "versionRange": rng})
	}
	doc := map[string]any{
		"name":         s.name,
		"version":      s.version,
		"entryPoint":   s.entry,
		"permissions":  s.perms,
		"dependencies": deps,
	}
	if s.category != "" {
		doc["category"] = s.category
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	mf, err := manifest.Parse(data)
	require.NoError(t, err)
	return &manifest.Bundle{Manifest: mf, Code: code, Origin: "test:" + s.name}
}

type transitionLog struct {
	mu  sync.Mutex
	log []string
}

func (o *transitionLog) ObserveTransition(id string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.log = append(o.log, fmt.Sprintf("%s:%s->%s", id, from, to))
}

func (o *transitionLog) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.log...)
}

type topics struct {
	mu   sync.Mutex
	seen map[event.Topic][]event.PluginEvent
}

func record(t *testing.T, bus event.Bus) *topics {
	t.Helper()
	rec := &topics{seen: make(map[event.Topic][]event.PluginEvent)}
	_, err := bus.Subscribe("plugin:*", func(_ context.Context, ev event.Event) error {
		pe, _ := ev.Payload.(event.PluginEvent)
		rec.mu.Lock()
		rec.seen[ev.Topic] = append(rec.seen[ev.Topic], pe)
		rec.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return rec
}

func (r *topics) get(tp event.Topic) []event.PluginEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.PluginEvent(nil), r.seen[tp]...)
}

type fixture struct {
	mgr *Manager
	bus event.Bus
	obs *transitionLog
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	limits    monitor.Limits
	secOpts   []security.Option
	mgrConfig Config
}

func withLimits(l monitor.Limits) fixtureOption {
	return func(c *fixtureConfig) { c.limits = l }
}

func withSecurity(opts ...security.Option) fixtureOption {
	return func(c *fixtureConfig) { c.secOpts = append(c.secOpts, opts...) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{
		limits: monitor.Limits{MaxMemoryBytes: 1 << 30, MaxExecution: 200 * time.Millisecond},
		mgrConfig: Config{
			ActivateRetries: 2,
			RetryInitial:    5 * time.Millisecond,
			RetryMax:        20 * time.Millisecond,
			RetryMultiplier: 2,
			Parallel:        4,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	bus := event.NewBus(event.WithLogger(logging.Nop()))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })

	proxy, err := service.NewProxy([]service.Service{
		service.NewStorage(kv.NewMemoryStore(0)),
		service.NewSystem(func(context.Context) (map[string]any, error) {
			return map[string]any{"os": "test"}, nil
		}),
	}, service.WithLogger(logging.Nop()))
	require.NoError(t, err)

	secOpts := append([]security.Option{
		security.WithLogger(logging.Nop()),
		security.WithSandboxTemplate(sandbox.Config{
			Limits:   cfg.limits,
			Services: proxy,
			Bus:      bus,
			Grace:    50 * time.Millisecond,
			Logger:   logging.Nop(),
		}),
	}, cfg.secOpts...)
	obs := &transitionLog{}
	mgr := NewManager(security.New(secOpts...),
		WithConfig(cfg.mgrConfig),
		WithBus(bus),
		WithObserver(obs),
		WithLogger(logging.Nop()),
		WithLoader(NewLoader(WithPaths(), WithLoaderLogger(logging.Nop()))),
		WithMonitorOptions(monitor.WithPolicy(monitor.Policy{
			Interval:          5 * time.Millisecond,
			GracePeriod:       time.Hour,
			HardCeilingFactor: 2,
			Window:            8,
		})),
	)
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return &fixture{mgr: mgr, bus: bus, obs: obs}
}

func (f *fixture) register(t *testing.T, s pluginDef, code string) string {
	t.Helper()
	require.NoError(t, f.mgr.Register(bundle(t, s, code)))
	return s.name
}

func (f *fixture) state(t *testing.T, id string) State {
	t.Helper()
	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	return inst.State
}

const hooksLua = `
activations = 0
function activate() activations = activations + 1 end
function deactivate() end
function count() return activations end
function double(x) return x * 2 end
`

func TestLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	rec := record(t, f.bus)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "doubler"}, hooksLua)

	assert.Equal(t, StateDiscovered, f.state(t, id))
	require.NoError(t, f.mgr.Activate(ctx, id))
	assert.Equal(t, StateActive, f.state(t, id))

	out, err := f.mgr.Invoke(ctx, id, "double", 21)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	require.NoError(t, f.mgr.Deactivate(ctx, id))
	_, err = f.mgr.Invoke(ctx, id, "double", 1)
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, f.mgr.Activate(ctx, id))
	out, err = f.mgr.Invoke(ctx, id, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out, "sandbox survives deactivation")

	require.NoError(t, f.mgr.Deactivate(ctx, id))
	require.NoError(t, f.mgr.Cleanup(ctx, id))
	assert.Equal(t, StateCleaned, f.state(t, id))
	require.NoError(t, f.mgr.Cleanup(ctx, id), "cleanup is idempotent")

	assert.Equal(t, []string{
		"doubler:discovered->validated",
		"doubler:validated->initialized",
		"doubler:initialized->active",
		"doubler:active->deactivated",
		"doubler:deactivated->active",
		"doubler:active->deactivated",
		"doubler:deactivated->cleaned",
	}, f.obs.list())

	require.NoError(t, f.bus.Flush(ctx))
	assert.Len(t, rec.get(event.TopicValidated), 1)
	assert.Len(t, rec.get(event.TopicActivated), 2)
	assert.Len(t, rec.get(event.TopicDeactivated), 2)
	require.Len(t, rec.get(event.TopicCleaned), 1)
	assert.Equal(t, id, rec.get(event.TopicCleaned)[0].PluginID)
}

func TestInstanceSnapshot(t *testing.T) {
	f := newFixture(t, withSecurity(security.WithHostAllowed(mustSet(t, "storage"))))
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "keeper", perms: []string{"storage", "network:a.com"}}, hooksLua)
	require.NoError(t, f.mgr.Activate(ctx, id))

	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", inst.Version)
	assert.Equal(t, manifest.CategoryUtility, inst.Category)
	assert.Equal(t, "test:keeper", inst.Origin)
	assert.True(t, inst.Reduced)
	assert.True(t, inst.Granted.Equal(mustSet(t, "storage")))
	assert.True(t, permission.IsSubset(inst.Granted, inst.Requested))
	assert.NotEmpty(t, inst.SandboxID)
	assert.Empty(t, inst.Failure)

	list := f.mgr.List()
	require.Len(t, list, 1)
	assert.Equal(t, inst.ID, list[0].ID)

	_, err = f.mgr.Get("missing")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestRejectedPluginNeverGetsASandbox(t *testing.T) {
	f := newFixture(t)
	rec := record(t, f.bus)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "evil"}, `function run() return loadstring("return 1")() end`)

	err := f.mgr.Activate(ctx, id)
	require.ErrorIs(t, err, ErrRejected)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.NotEmpty(t, rejected.Reasons)

	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, inst.State)
	assert.Empty(t, inst.SandboxID)
	assert.Equal(t, rejected.Reasons, inst.Reasons)

	assert.ErrorIs(t, f.mgr.Activate(ctx, id), ErrRejected, "rejection is final")
	assert.ErrorIs(t, f.mgr.Deactivate(ctx, id), ErrInvalidTransition)
	require.NoError(t, f.mgr.Cleanup(ctx, id))

	require.NoError(t, f.bus.Flush(ctx))
	require.Len(t, rec.get(event.TopicRejected), 1)
	assert.Contains(t, rec.get(event.TopicRejected)[0].Detail, "reasons")
}

func TestLoadFailureMovesToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "crasher"}, `error("boom at load")`)

	err := f.mgr.Activate(ctx, id)
	require.ErrorIs(t, err, sandbox.ErrLoad)
	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, inst.State)
	assert.Contains(t, inst.Failure, "boom at load")
	assert.Equal(t, 0, f.mgr.Monitor().Attached())
}

func TestActivateHookTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, withLimits(monitor.Limits{MaxMemoryBytes: 1 << 30, MaxExecution: 20 * time.Millisecond}))
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "sleepy", entry: "main.js"}, `
var calls = 0;
function activate() { calls++; if (calls < 2) { while (true) {} } }
function calls_made() { return calls; }
`)

	require.NoError(t, f.mgr.Activate(ctx, id))
	out, err := f.mgr.Invoke(ctx, id, "calls_made")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out)
}

func TestActivateGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, withLimits(monitor.Limits{MaxMemoryBytes: 1 << 30, MaxExecution: 20 * time.Millisecond}))
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "stuck", entry: "main.js"}, `function activate() { while (true) {} }`)

	err := f.mgr.Activate(ctx, id)
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	assert.Equal(t, StateFailed, f.state(t, id))
}

func TestConcurrentActivateTransitionsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "popular"}, hooksLua)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.mgr.Activate(ctx, id)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	out, err := f.mgr.Invoke(ctx, id, "count")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)
	active := 0
	for _, tr := range f.obs.list() {
		if tr == "popular:initialized->active" {
			active++
		}
	}
	assert.Equal(t, 1, active)
}

func TestInvokeErrorsLeavePluginRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "nosy", perms: []string{"storage:cache"}}, `
function peek() return service.call("system", "info", {}) end
function ok() return "fine" end
`)
	require.NoError(t, f.mgr.Activate(ctx, id))

	_, err := f.mgr.Invoke(ctx, id, "peek")
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)
	_, err = f.mgr.Invoke(ctx, id, HookActivate)
	assert.Error(t, err)

	out, err := f.mgr.Invoke(ctx, id, "ok")
	require.NoError(t, err)
	assert.Equal(t, "fine", out)
	assert.Equal(t, StateActive, f.state(t, id))
}

func TestResourceViolationFailsPlugin(t *testing.T) {
	f := newFixture(t, withLimits(monitor.Limits{
		MaxMemoryBytes: 1 << 30,
		MaxExecution:   20 * time.Millisecond,
		MaxTimeouts:    1,
	}))
	rec := record(t, f.bus)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "spinner", entry: "main.js"}, `function spin() { while (true) {} }`)
	require.NoError(t, f.mgr.Activate(ctx, id))

	_, err := f.mgr.Invoke(ctx, id, "spin")
	require.ErrorIs(t, err, sandbox.ErrTimeout)
	// The second timeout crosses the limit; the halt may race the reply.
	_, err = f.mgr.Invoke(ctx, id, "spin")
	require.Error(t, err)

	require.Eventually(t, func() bool { return f.state(t, id) == StateFailed }, 2*time.Second, 5*time.Millisecond)
	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	require.NotNil(t, inst.Violation)
	assert.Equal(t, monitor.KindTimeouts, inst.Violation.Kind)
	assert.Equal(t, float64(1), inst.Violation.Limit)
	assert.Contains(t, inst.Failure, "exceed limit")

	_, err = f.mgr.Invoke(ctx, id, "spin")
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, 0, f.mgr.Monitor().Attached())

	require.NoError(t, f.bus.Flush(ctx))
	assert.Len(t, rec.get(event.TopicResourceViolation), 1)
	failed := rec.get(event.TopicFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "timeouts", failed[0].Detail["kind"])
}

func TestReadmitStartsFresh(t *testing.T) {
	f := newFixture(t, withLimits(monitor.Limits{
		MaxMemoryBytes: 1 << 30,
		MaxExecution:   20 * time.Millisecond,
		MaxTimeouts:    1,
	}))
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "phoenix", entry: "main.js"}, `
function spin() { while (true) {} }
function ok() { return 1; }
`)
	assert.ErrorIs(t, f.mgr.Readmit(ctx, id), ErrInvalidTransition)
	require.NoError(t, f.mgr.Activate(ctx, id))
	for range 2 {
		_, _ = f.mgr.Invoke(ctx, id, "spin")
	}
	require.Eventually(t, func() bool { return f.state(t, id) == StateFailed }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.mgr.Readmit(ctx, id))
	inst, err := f.mgr.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, inst.State)
	assert.Nil(t, inst.Violation)
	assert.Empty(t, inst.Failure)

	out, err := f.mgr.Invoke(ctx, id, "ok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)
}

func TestRegisterDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.register(t, pluginDef{name: "twin"}, hooksLua)
	assert.ErrorIs(t, f.mgr.Register(bundle(t, pluginDef{name: "twin"}, hooksLua)), ErrAlreadyRegistered)

	require.NoError(t, f.mgr.Activate(ctx, id))
	require.NoError(t, f.mgr.Deactivate(ctx, id))
	require.NoError(t, f.mgr.Cleanup(ctx, id))
	require.NoError(t, f.mgr.Register(bundle(t, pluginDef{name: "twin"}, hooksLua)), "a cleaned id may be reused")
	assert.Len(t, f.mgr.List(), 1)
}

func TestDependencies(t *testing.T) {
	tests := []struct {
		name    string
		deps    map[string]string
		wantErr error
	}{
		{"satisfied", map[string]string{"base": "^1.0.0"}, nil},
		{"missing", map[string]string{"ghost": "^1.0.0"}, ErrDependencyNotFound},
		{"wrong version", map[string]string{"base": ">=2.0.0"}, ErrDependencyVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.register(t, pluginDef{name: "base", version: "1.2.0"}, hooksLua)
			id := f.register(t, pluginDef{name: "child", deps: tt.deps}, hooksLua)

			err := f.mgr.Activate(ctx, id)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateValidated, f.state(t, id))
		})
	}
}

func TestActivateAllOrdersByDependency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, pluginDef{name: "app", deps: map[string]string{"lib": "^1.0.0"}}, hooksLua)
	f.register(t, pluginDef{name: "lib"}, hooksLua)
	f.register(t, pluginDef{name: "left", deps: map[string]string{"right": "*"}}, hooksLua)
	f.register(t, pluginDef{name: "right", deps: map[string]string{"left": "*"}}, hooksLua)
	f.register(t, pluginDef{name: "bad"}, `os.execute("rm -rf /")`)
	f.register(t, pluginDef{name: "orphan", deps: map[string]string{"bad": "*"}}, hooksLua)

	err := f.mgr.ActivateAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.ErrorIs(t, err, ErrRejected)

	assert.Equal(t, StateActive, f.state(t, "lib"))
	assert.Equal(t, StateActive, f.state(t, "app"))
	assert.Equal(t, StateValidated, f.state(t, "left"))
	assert.Equal(t, StateValidated, f.state(t, "right"))
	assert.Equal(t, StateRejected, f.state(t, "bad"))
	assert.Equal(t, StateValidated, f.state(t, "orphan"))

	var libActive, appActive int
	for i, tr := range f.obs.list() {
		switch tr {
		case "lib:initialized->active":
			libActive = i
		case "app:initialized->active":
			appActive = i
		}
	}
	assert.Less(t, libActive, appActive)
}

func TestShutdownCleansEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, pluginDef{name: "lib"}, hooksLua)
	f.register(t, pluginDef{name: "app", deps: map[string]string{"lib": "*"}}, hooksLua)
	f.register(t, pluginDef{name: "idle"}, hooksLua)
	require.NoError(t, f.mgr.Activate(ctx, "lib"))
	require.NoError(t, f.mgr.Activate(ctx, "app"))
	require.NoError(t, f.mgr.Initialize(ctx, "idle"))

	require.NoError(t, f.mgr.Shutdown(ctx))
	for _, inst := range f.mgr.List() {
		assert.Equal(t, StateCleaned, inst.State, inst.ID)
	}
	assert.Equal(t, 0, f.mgr.Monitor().Attached())

	var appOff, libOff int
	for i, tr := range f.obs.list() {
		switch tr {
		case "app:active->deactivated":
			appOff = i
		case "lib:active->deactivated":
			libOff = i
		}
	}
	assert.Less(t, appOff, libOff, "dependents stop first")
}

func TestCategoryViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, pluginDef{name: "rows", category: "data-processor"}, `function process(rows) return #rows end`)
	f.register(t, pluginDef{name: "chart", category: "visualization"}, `function render(data, opts) return {kind = opts.kind, n = data} end`)
	require.NoError(t, f.mgr.ActivateAll(ctx))

	dp, err := f.mgr.DataProcessor("rows")
	require.NoError(t, err)
	out, err := dp.Process(ctx, []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	viz, err := f.mgr.Visualization("chart")
	require.NoError(t, err)
	out, err = viz.Render(ctx, 7, map[string]any{"kind": "bar"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"kind": "bar", "n": int64(7)}, out)

	_, err = f.mgr.Integration("rows")
	assert.ErrorIs(t, err, ErrWrongCategory)
	p, err := f.mgr.Plugin("chart")
	require.NoError(t, err)
	assert.Equal(t, manifest.CategoryVisualization, p.Category())
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		got := CalculateBackoff(tt.attempt, 100*time.Millisecond, time.Second, 2)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateDiscovered.CanTransition(StateValidated))
	assert.True(t, StateDeactivated.CanTransition(StateActive))
	assert.False(t, StateRejected.CanTransition(StateValidated))
	assert.False(t, StateCleaned.CanTransition(StateDiscovered))
	assert.False(t, StateActive.CanTransition(StateCleaned))
	assert.True(t, StateRejected.Terminal())
	assert.False(t, StateFailed.Terminal())
	assert.True(t, StateFailed.HoldsSandbox())

	text, err := StateDeactivated.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "deactivated", string(text))
}

func mustSet(t *testing.T, specs ...string) permission.Set {
	t.Helper()
	set, err := permission.ParseSet(specs)
	require.NoError(t, err)
	return set
}
