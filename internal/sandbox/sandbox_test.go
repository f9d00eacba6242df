package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/clone"
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/kv"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/service"
)

func fakeInfo(context.Context) (map[string]any, error) {
	return map[string]any{"os": "test"}, nil
}

func newTestProxy(t *testing.T) *service.Proxy {
	t.Helper()
	p, err := service.NewProxy([]service.Service{
		service.NewStorage(kv.NewMemoryStore(0)),
		service.NewSystem(fakeInfo),
	}, service.WithLogger(logging.Nop()))
	require.NoError(t, err)
	return p
}

func grants(t *testing.T, specs ...string) permission.Set {
	t.Helper()
	set, err := permission.ParseSet(specs)
	require.NoError(t, err)
	return set
}

func testLimits() monitor.Limits {
	return monitor.Limits{MaxMemoryBytes: 1 << 30, MaxExecution: 200 * time.Millisecond}
}

type option func(*Config)

func newTestSandbox(t *testing.T, lang analyzer.Language, code string, opts ...option) *Sandbox {
	t.Helper()
	cfg := Config{
		PluginID: "p1",
		Language: lang,
		Limits:   testLimits(),
		Services: newTestProxy(t),
		Grace:    100 * time.Millisecond,
		Logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := Create(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Terminate)
	if code != "" {
		require.NoError(t, s.Load(context.Background(), code))
	}
	return s
}

func withGrants(set permission.Set) option {
	return func(c *Config) { c.Granted = set }
}

func TestInvokeBothLanguages(t *testing.T) {
	tests := []struct {
		lang analyzer.Language
		code string
	}{
		{analyzer.Lua, `function add(a, b) return {sum = a + b, label = "ok"} end`},
		{analyzer.JavaScript, `function add(a, b) { return {sum: a + b, label: "ok"}; }`},
	}
	for _, tt := range tests {
		t.Run(string(tt.lang), func(t *testing.T) {
			s := newTestSandbox(t, tt.lang, tt.code)
			out, err := s.Invoke(context.Background(), "add", 2, 3)
			require.NoError(t, err)
			assert.Equal(t, map[string]any{"sum": int64(5), "label": "ok"}, out)

			h := s.Handle()
			assert.Equal(t, "p1", h.PluginID)
			assert.Equal(t, s.ID(), h.SandboxID)
			assert.NotEmpty(t, h.SandboxID)
			assert.Equal(t, tt.lang, h.Language)
		})
	}
}

func TestSurfaceFollowsGrant(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `
function probe() return {storage = storage ~= nil, system = system ~= nil, log = log ~= nil} end
`, withGrants(grants(t, "storage:cache")))
	out, err := s.Invoke(context.Background(), "probe")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"storage": true, "system": false, "log": true}, out)
}

func TestHostErrorsKeepTheirType(t *testing.T) {
	tests := []struct {
		lang analyzer.Language
		code string
	}{
		{analyzer.Lua, `
function put(key, v) storage.set(key, v) return storage.get(key) end
function peek() return service.call("system", "info", {}) end
`},
		{analyzer.JavaScript, `
function put(key, v) { storage.set(key, v); return storage.get(key); }
function peek() { return service.call("system", "info", {}); }
`},
	}
	for _, tt := range tests {
		t.Run(string(tt.lang), func(t *testing.T) {
			s := newTestSandbox(t, tt.lang, tt.code, withGrants(grants(t, "storage:cache")))

			out, err := s.Invoke(context.Background(), "put", "cache:x", 2)
			require.NoError(t, err)
			assert.Equal(t, int64(2), out)

			_, err = s.Invoke(context.Background(), "put", "secret:x", 1)
			require.Error(t, err)
			var denied *permission.PermissionDeniedError
			require.True(t, errors.As(err, &denied), err.Error())
			assert.Equal(t, permission.Storage, denied.Kind)
			assert.Equal(t, "secret:x", denied.Target)

			_, err = s.Invoke(context.Background(), "peek")
			assert.ErrorIs(t, err, permission.ErrPermissionDenied)
			require.True(t, errors.As(err, &denied))
			assert.Equal(t, permission.SystemInfo, denied.Kind)
		})
	}
}

func TestTimeoutIsCountedAndSandboxSurvives(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `
function spin() while true do end end
function ok() return 1 end
`)
	start := time.Now()
	_, err := s.Invoke(context.Background(), "spin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "spin", te.Op)
	assert.Equal(t, 200*time.Millisecond, te.Limit)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), s.Usage().Timeouts)

	out, err := s.Invoke(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, int64(1), out)
	assert.Equal(t, int64(1), s.Usage().Timeouts)
	assert.Zero(t, s.Pending())
}

func TestCallerCancellationIsNotATimeout(t *testing.T) {
	s := newTestSandbox(t, analyzer.JavaScript, `function spin() { for (;;) {} }`)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Invoke(ctx, "spin")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.Usage().Timeouts)
	assert.Zero(t, s.Pending())
}

func TestPendingTableIsBounded(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `function spin() while true do end end`, func(c *Config) {
		c.MaxPending = 2
		c.Limits.MaxExecution = 500 * time.Millisecond
	})

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Invoke(context.Background(), "spin")
		}()
	}
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, 5*time.Millisecond)

	_, err := s.Invoke(context.Background(), "spin")
	assert.ErrorIs(t, err, ErrTooManyPending)
	wg.Wait()
}

func TestHaltInterruptsAndRejects(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `
function spin() while true do end end
function ok() return 1 end
`, func(c *Config) { c.Limits.MaxExecution = 5 * time.Second })

	errs := make(chan error, 1)
	go func() {
		_, err := s.Invoke(context.Background(), "spin")
		errs <- err
	}()
	require.Eventually(t, func() bool { return s.Usage().BusyTime > 20*time.Millisecond }, time.Second, 5*time.Millisecond)

	s.Halt("memory limit exceeded")
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrHalted)
		assert.ErrorContains(t, err, "memory limit exceeded")
	case <-time.After(2 * time.Second):
		t.Fatal("running call was not interrupted")
	}
	assert.True(t, s.Halted())
	assert.False(t, s.Terminated())

	_, err := s.Invoke(context.Background(), "ok")
	assert.ErrorIs(t, err, ErrHalted)
	assert.Zero(t, s.Usage().Timeouts)
}

func TestTerminate(t *testing.T) {
	s := newTestSandbox(t, analyzer.JavaScript, `var data = []; function ok() { return 1; }`)
	assert.Greater(t, s.Usage().MemoryBytes, int64(0))

	s.Terminate()
	s.Terminate()
	assert.True(t, s.Terminated())
	assert.Zero(t, s.Usage().MemoryBytes)
	_, err := s.Invoke(context.Background(), "ok")
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, s.Load(context.Background(), "var x = 1;"), ErrTerminated)
}

func TestLoadError(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, "")
	err := s.Load(context.Background(), `error("no config")`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoad)
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "p1", le.PluginID)
	assert.Contains(t, le.Reason, "no config")
}

func TestInvokeRejectsLiveArguments(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `function id(x) return x end`)
	_, err := s.Invoke(context.Background(), "id", func() {})
	assert.ErrorIs(t, err, clone.ErrNotCloneable)

	in := map[string]any{"rows": []any{int64(1), int64(2)}}
	out, err := s.Invoke(context.Background(), "id", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHostCallsAreRateLimited(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `
function twice() system.info() return system.info() end
`, withGrants(grants(t, "system.info")), func(c *Config) { c.Limits.CallsPerSecond = 1 })

	_, err := s.Invoke(context.Background(), "twice")
	assert.ErrorIs(t, err, service.ErrRateLimited)
}

func TestUsageTracksWork(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `
function grow() big = {} for i = 1, 2000 do big[i] = string.rep("y", 64) .. i end end
`)
	before := s.Usage()
	_, err := s.Invoke(context.Background(), "grow")
	require.NoError(t, err)
	after := s.Usage()
	assert.Greater(t, after.MemoryBytes, before.MemoryBytes)
	assert.Greater(t, after.BusyTime, before.BusyTime)

	var probe monitor.Probe = s
	assert.Equal(t, after.MemoryBytes, probe.Usage().MemoryBytes)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) handle(_ context.Context, ev event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) list() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func newTestBus(t *testing.T) event.Bus {
	t.Helper()
	bus := event.NewBus(event.WithLogger(logging.Nop()))
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func TestEventsCrossTheBoundary(t *testing.T) {
	bus := newTestBus(t)
	rec := &eventRecorder{}
	_, err := bus.Subscribe("sandbox:p1:**", rec.handle)
	require.NoError(t, err)

	s := newTestSandbox(t, analyzer.Lua, `
events.on("plugin:activated", "onActivated")
function onActivated(ev)
  events.publish("seen", {topic = ev.topic, id = ev.payload.pluginId, from = ev.publisher})
end
`, func(c *Config) { c.Bus = bus })

	require.NoError(t, bus.Publish(context.Background(), event.TopicActivated, event.NewPluginEvent("other", nil)))
	require.Eventually(t, func() bool { return len(rec.list()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := rec.list()[0]
	assert.Equal(t, event.Topic("sandbox:p1:seen"), ev.Topic)
	assert.Equal(t, "p1", ev.Publisher)
	assert.Equal(t, map[string]any{"topic": "plugin:activated", "id": "other", "from": "host"}, ev.Payload)

	s.Terminate()
	assert.Zero(t, bus.UnsubscribeOwner("sandbox:"+s.ID()))
}

func TestSubscriptionScope(t *testing.T) {
	bus := newTestBus(t)
	s := newTestSandbox(t, analyzer.JavaScript, `function sub(p) { events.on(p, "h"); }`, func(c *Config) { c.Bus = bus })

	for _, p := range []string{"plugin:*", "plugin:**", "sandbox:p1:**", "data:refreshed"} {
		_, err := s.Invoke(context.Background(), "sub", p)
		assert.NoError(t, err, p)
	}
	for _, p := range []string{"sandbox:p2:**", "sandbox:*:ui", "ui:render", "ui:*", "**", "*:activated", "bad topic"} {
		_, err := s.Invoke(context.Background(), "sub", p)
		assert.ErrorContains(t, err, ErrInvalidTopic.Error(), p)
	}
}

func TestPublishCannotForgeRenderRequests(t *testing.T) {
	bus := newTestBus(t)
	renders := &eventRecorder{}
	_, err := bus.Subscribe(service.RenderTopic, renders.handle)
	require.NoError(t, err)
	own := &eventRecorder{}
	_, err = bus.Subscribe("sandbox:p1:**", own.handle)
	require.NoError(t, err)

	s := newTestSandbox(t, analyzer.Lua, `
function forge()
  events.publish("ui:render", {component = "login-form"})
  return ui == nil
end
`, withGrants(grants(t, "storage")), func(c *Config) { c.Bus = bus })

	out, err := s.Invoke(context.Background(), "forge")
	require.NoError(t, err)
	assert.Equal(t, true, out)

	require.NoError(t, bus.Flush(context.Background()))
	assert.Empty(t, renders.list())
	require.Len(t, own.list(), 1)
	assert.Equal(t, event.Topic("sandbox:p1:ui:render"), own.list()[0].Topic)
}

func TestEventsWithoutBus(t *testing.T) {
	s := newTestSandbox(t, analyzer.Lua, `function emit() events.publish("x", 1) end`)
	_, err := s.Invoke(context.Background(), "emit")
	assert.ErrorContains(t, err, errNoBus.Error())
}

func TestCreateErrors(t *testing.T) {
	_, err := Create(context.Background(), Config{PluginID: "p1", Language: "python", Limits: testLimits()})
	assert.ErrorContains(t, err, "no runtime")

	_, err = Create(context.Background(), Config{PluginID: "p1", Language: analyzer.Lua})
	assert.ErrorContains(t, err, "limits")

	_, err = Create(context.Background(), Config{Language: analyzer.Lua, Limits: testLimits()})
	assert.Error(t, err)
}
