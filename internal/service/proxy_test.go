package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/permission"
)

type countingService struct {
	mu    sync.Mutex
	calls int
}

func (s *countingService) Name() string { return "echo" }

func (s *countingService) Methods() map[string]Method {
	return map[string]Method{
		"say": {
			Kind: permission.Storage,
			Targets: func(args Args) ([]string, error) {
				k, err := stringArg(args, "key")
				return []string{k}, err
			},
			Call: func(_ context.Context, c Caller, args Args) (any, error) {
				s.mu.Lock()
				s.calls++
				s.mu.Unlock()
				args["seen"] = c.PluginID
				return map[string]any(args), nil
			},
		},
	}
}

func (s *countingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type callRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *callRecorder) ObserveCall(_, _, _ string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func caller(t *testing.T, specs ...string) Caller {
	t.Helper()
	set, err := permission.ParseSet(specs)
	require.NoError(t, err)
	return Caller{PluginID: "p1", Grants: set}
}

func newTestProxy(t *testing.T, services ...Service) *Proxy {
	t.Helper()
	p, err := NewProxy(services, WithLogger(logging.Nop()))
	require.NoError(t, err)
	return p
}

func TestProxyDeniesBeforeBackend(t *testing.T) {
	svc := &countingService{}
	p := newTestProxy(t, svc)
	ctx := context.Background()

	_, err := p.Call(ctx, caller(t), "echo", "say", map[string]any{"key": "a"})
	require.Error(t, err)
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)
	var pde *permission.PermissionDeniedError
	require.True(t, errors.As(err, &pde))
	assert.Equal(t, permission.Storage, pde.Kind)

	_, err = p.Call(ctx, caller(t, "storage:reports/"), "echo", "say", map[string]any{"key": "secrets/x"})
	assert.ErrorIs(t, err, permission.ErrPermissionDenied)
	assert.Equal(t, 0, svc.count())

	out, err := p.Call(ctx, caller(t, "storage:reports/"), "echo", "say", map[string]any{"key": "reports/x"})
	require.NoError(t, err)
	assert.Equal(t, "p1", out.(map[string]any)["seen"])
	assert.Equal(t, 1, svc.count())
}

func TestProxyClonesArguments(t *testing.T) {
	p := newTestProxy(t, &countingService{})
	args := map[string]any{"key": "k"}
	_, err := p.Call(context.Background(), caller(t, "storage"), "echo", "say", args)
	require.NoError(t, err)
	_, mutated := args["seen"]
	assert.False(t, mutated)
}

func TestProxyRejectsNonCloneableArguments(t *testing.T) {
	p := newTestProxy(t, &countingService{})
	_, err := p.Call(context.Background(), caller(t, "storage"), "echo", "say", map[string]any{"key": "k", "f": func() {}})
	assert.ErrorIs(t, err, ErrInvalidArgs)
}

func TestProxyUnknownTargets(t *testing.T) {
	p := newTestProxy(t, &countingService{})
	_, err := p.Call(context.Background(), caller(t, "storage"), "nope", "say", nil)
	assert.ErrorIs(t, err, ErrUnknownService)
	_, err = p.Call(context.Background(), caller(t, "storage"), "echo", "shout", nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestProxyDuplicateRegistration(t *testing.T) {
	_, err := NewProxy([]Service{&countingService{}, &countingService{}})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestProxyAvailable(t *testing.T) {
	p := newTestProxy(t, Builtin(Backends{Engine: fakeEngine{}, Info: fakeInfo})...)
	avail := p.Available(caller(t, "data.read:sales", "system.info").Grants)
	assert.Equal(t, map[string]map[string][]string{
		"data":   {"query": {"sql", "params"}},
		"system": {"info": {}},
	}, avail)
	assert.Equal(t, []string{"data", "net", "system"}, p.Services())
}

func TestProxyObserver(t *testing.T) {
	rec := &callRecorder{}
	p, err := NewProxy([]Service{&countingService{}}, WithLogger(logging.Nop()), WithObserver(rec))
	require.NoError(t, err)
	_, _ = p.Call(context.Background(), caller(t), "echo", "say", map[string]any{"key": "k"})
	_, _ = p.Call(context.Background(), caller(t, "storage"), "echo", "say", map[string]any{"key": "k"})

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errs, 2)
	assert.Error(t, rec.errs[0])
	assert.NoError(t, rec.errs[1])
}

func fakeInfo(context.Context) (map[string]any, error) {
	return map[string]any{"os": "test"}, nil
}

type fakeEngine struct{}

func (fakeEngine) Query(context.Context, TableGuard, string, ...any) ([]map[string]any, error) {
	return []map[string]any{{"n": 1.0}}, nil
}

func (fakeEngine) Exec(context.Context, TableGuard, string, ...any) (int64, error) { return 1, nil }
