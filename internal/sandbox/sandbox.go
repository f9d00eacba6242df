// Package sandbox runs untrusted plugin code in an isolated interpreter.
//
// Each Sandbox owns one interpreter on one worker goroutine. Callers never
// touch the interpreter: Load and Invoke send messages carrying a
// correlation id and wait for the matching reply, bounded by the execution
// limit. A call that outlives the limit is abandoned and interrupted, and a
// late reply is dropped.
//
// The interpreter's globals are built from the grant: a service module
// exists only when the grant holds its permission kind. Everything the
// plugin does outside the interpreter goes through the service proxy or the
// event bus.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/dshills/warden/internal/analyzer"
	"github.com/dshills/warden/internal/clone"
	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/logging"
	"github.com/dshills/warden/internal/monitor"
	"github.com/dshills/warden/internal/permission"
	"github.com/dshills/warden/internal/sandbox/engine"
	"github.com/dshills/warden/internal/service"
)

// Defaults for Config fields left at zero.
const (
	DefaultMaxPending = 64
	DefaultQueueSize  = 256
	DefaultGrace      = 250 * time.Millisecond

	// terminateWait bounds how long Terminate waits for the worker.
	terminateWait = 2 * time.Second
)

var tracer trace.Tracer = otel.Tracer("github.com/dshills/warden/internal/sandbox")

// Services is the host side of service calls.
type Services interface {
	Available(grants permission.Set) map[string]map[string][]string
	Call(ctx context.Context, caller service.Caller, svc, method string, args map[string]any) (any, error)
}

// Observer receives invocation outcomes, typically for metrics.
type Observer interface {
	ObserveInvocation(pluginID, op string, elapsed time.Duration, err error)
}

// Config describes a sandbox.
type Config struct {
	PluginID string
	Language analyzer.Language
	Granted  permission.Set
	Limits   monitor.Limits

	// Services answers service calls; nil exposes no service modules.
	Services Services

	// Bus carries plugin events; nil disables events.publish and events.on.
	Bus event.Bus

	// MaxPending bounds outstanding Load and Invoke calls.
	MaxPending int

	// QueueSize bounds buffered event deliveries.
	QueueSize int

	// Grace is added to MaxExecution before a caller stops waiting.
	Grace time.Duration

	// MaxCallStack bounds interpreter recursion.
	MaxCallStack int

	// Runtimes overrides the interpreter used per language.
	Runtimes map[analyzer.Language]engine.Factory

	Observer Observer
	Logger   *logging.Logger
}

func (c Config) normalized() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.Runtimes == nil {
		c.Runtimes = DefaultRuntimes()
	}
	return c
}

// Handle identifies a sandbox and the terms it runs under.
type Handle struct {
	PluginID  string            `json:"pluginId"`
	SandboxID string            `json:"sandboxId"`
	Language  analyzer.Language `json:"language"`
	Limits    monitor.Limits    `json:"limits"`
	Granted   permission.Set    `json:"granted"`
}

// Sandbox is an isolated plugin execution context.
type Sandbox struct {
	handle  Handle
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger
	owner   string

	// rt is confined to the worker goroutine.
	rt engine.Runtime

	queue   chan *message
	done    chan struct{}
	exited  chan struct{}
	termOne sync.Once

	mu       sync.Mutex
	pending  map[string]*message
	current  *message
	cancel   context.CancelFunc
	haltedBy string

	memory       atomic.Int64
	busy         atomic.Int64
	runningSince atomic.Int64
	timeouts     atomic.Int64
	halted       atomic.Bool
}

// Create builds the runtime for cfg and starts its worker.
func Create(ctx context.Context, cfg Config) (*Sandbox, error) {
	cfg = cfg.normalized()
	if cfg.PluginID == "" {
		return nil, errors.New("sandbox requires a plugin id")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, fmt.Errorf("sandbox limits: %w", err)
	}
	factory, ok := cfg.Runtimes[cfg.Language]
	if !ok {
		return nil, fmt.Errorf("no runtime for language %q", cfg.Language)
	}

	id := uuid.NewString()
	s := &Sandbox{
		handle: Handle{
			PluginID:  cfg.PluginID,
			SandboxID: id,
			Language:  cfg.Language,
			Limits:    cfg.Limits,
			Granted:   cfg.Granted,
		},
		cfg:     cfg,
		owner:   "sandbox:" + id,
		queue:   make(chan *message, cfg.MaxPending+cfg.QueueSize),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		pending: make(map[string]*message),
	}
	s.logger = logging.OrDefault(cfg.Logger).WithComponent("sandbox").WithPlugin(cfg.PluginID).WithField("sandbox", id)
	if cfg.Limits.CallsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Limits.CallsPerSecond), max(1, int(cfg.Limits.CallsPerSecond)))
	}

	surface := engine.Surface{}
	if cfg.Services != nil {
		for name, methods := range cfg.Services.Available(cfg.Granted) {
			if !engine.Reserved(name) {
				surface[name] = methods
			}
		}
	}

	ready := make(chan error, 1)
	go s.run(factory, engine.Config{
		Host:         &bridge{s: s},
		Surface:      surface,
		MaxCallStack: cfg.MaxCallStack,
	}, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, fmt.Errorf("creating %s runtime: %w", cfg.Language, err)
		}
	case <-ctx.Done():
		s.Terminate()
		return nil, ctx.Err()
	}
	s.logger.Debug("created with %d service modules", len(surface))
	return s, nil
}

// Handle returns the sandbox handle.
func (s *Sandbox) Handle() Handle { return s.handle }

// ID returns the sandbox id.
func (s *Sandbox) ID() string { return s.handle.SandboxID }

// Load evaluates the plugin module. A module that throws yields a LoadError.
func (s *Sandbox) Load(ctx context.Context, code string) error {
	_, err := s.send(ctx, &message{kind: kindLoad, op: "load", code: code})
	if err != nil {
		if errors.Is(err, ErrTerminated) || errors.Is(err, ErrHalted) || errors.Is(err, ErrTooManyPending) {
			return err
		}
		return &LoadError{PluginID: s.handle.PluginID, Reason: err.Error(), Err: err}
	}
	return nil
}

// Invoke calls the plugin's exported function op. Arguments and the result
// are structurally cloned. Errors raised by host services inside the call
// are returned as the original typed error.
func (s *Sandbox) Invoke(ctx context.Context, op string, args ...any) (result any, err error) {
	ctx, span := tracer.Start(ctx, "sandbox.invoke", trace.WithAttributes(
		attribute.String("plugin.id", s.handle.PluginID),
		attribute.String("plugin.op", op),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveInvocation(s.handle.PluginID, op, time.Since(start), err)
		}
	}()

	copied := make([]any, len(args))
	for i, arg := range args {
		c, cerr := clone.Value(arg)
		if cerr != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, cerr)
		}
		copied[i] = c
	}
	out, err := s.send(ctx, &message{kind: kindCall, op: op, args: copied})
	if err != nil {
		return nil, err
	}
	return clone.Value(out)
}

// Halt stops accepting invocations and interrupts the running one. The
// interpreter stays allocated until Terminate.
func (s *Sandbox) Halt(reason string) {
	if !s.halted.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	s.haltedBy = reason
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.UnsubscribeOwner(s.owner)
	}
	s.logger.Warn("halted: %s", reason)
}

// Halted reports whether Halt was called.
func (s *Sandbox) Halted() bool { return s.halted.Load() }

// Terminate tears the sandbox down and releases the interpreter. It is
// idempotent and best effort: it waits a bounded time for the worker.
func (s *Sandbox) Terminate() {
	s.termOne.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if s.cfg.Bus != nil {
			s.cfg.Bus.UnsubscribeOwner(s.owner)
		}
		select {
		case <-s.exited:
			s.logger.Debug("terminated")
		case <-time.After(terminateWait):
			s.logger.Warn("worker did not stop within %s", terminateWait)
		}
	})
}

// Terminated reports whether Terminate was called.
func (s *Sandbox) Terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Usage implements monitor.Probe. It reads counters only and never waits
// for the worker.
func (s *Sandbox) Usage() monitor.Usage {
	busy := s.busy.Load()
	if since := s.runningSince.Load(); since > 0 {
		busy += time.Now().UnixNano() - since
	}
	return monitor.Usage{
		MemoryBytes: s.memory.Load(),
		BusyTime:    time.Duration(busy),
		Timeouts:    s.timeouts.Load(),
	}
}

// Pending returns the number of outstanding calls.
func (s *Sandbox) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Sandbox) unavailable() error {
	if s.Terminated() {
		return ErrTerminated
	}
	if s.halted.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHalted, s.haltedBy)
	}
	return nil
}

// send registers msg in the pending table, queues it and waits for the
// reply, the execution limit, ctx, or termination.
func (s *Sandbox) send(ctx context.Context, msg *message) (any, error) {
	if err := s.unavailable(); err != nil {
		return nil, err
	}
	msg.id = uuid.NewString()
	msg.reply = make(chan reply, 1)

	s.mu.Lock()
	if len(s.pending) >= s.cfg.MaxPending {
		s.mu.Unlock()
		return nil, ErrTooManyPending
	}
	s.pending[msg.id] = msg
	s.mu.Unlock()

	select {
	case s.queue <- msg:
	case <-ctx.Done():
		s.abandon(msg, false)
		return nil, ctx.Err()
	case <-s.done:
		s.abandon(msg, false)
		return nil, ErrTerminated
	}

	limit := s.handle.Limits.MaxExecution + s.cfg.Grace
	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case r := <-msg.reply:
		return r.value, r.err
	case <-timer.C:
		s.abandon(msg, true)
		return nil, s.timeoutError(msg)
	case <-ctx.Done():
		s.abandon(msg, false)
		return nil, ctx.Err()
	case <-s.done:
		s.abandon(msg, false)
		return nil, ErrTerminated
	}
}

// abandon drops msg from the pending table and interrupts it if it is
// running. A timed out message is counted once.
func (s *Sandbox) abandon(msg *message, timedOut bool) {
	msg.abandoned.Store(true)
	if timedOut {
		s.countTimeout(msg)
	}
	s.mu.Lock()
	delete(s.pending, msg.id)
	var cancel context.CancelFunc
	if s.current == msg {
		cancel = s.cancel
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Sandbox) countTimeout(msg *message) {
	if msg.timedOut.CompareAndSwap(false, true) {
		n := s.timeouts.Add(1)
		s.logger.Warn("%s timed out after %s (%d timeouts)", msg.op, s.handle.Limits.MaxExecution, n)
	}
}

func (s *Sandbox) timeoutError(msg *message) error {
	return &TimeoutError{PluginID: s.handle.PluginID, Op: msg.op, Limit: s.handle.Limits.MaxExecution}
}
