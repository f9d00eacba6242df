package sandbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/warden/internal/event"
	"github.com/dshills/warden/internal/event/topic"
	"github.com/dshills/warden/internal/service"
)

// errNoBus is returned by event functions of a sandbox created without a bus.
var errNoBus = errors.New("events are not available to this plugin")

// bridge is the engine.Host of a sandbox. Its methods run on the worker
// goroutine, inside the message being executed.
type bridge struct {
	s *Sandbox
}

func (b *bridge) Log(level, msg string) {
	log := b.s.logger.WithField("source", "plugin")
	switch level {
	case "debug":
		log.Debug("%s", msg)
	case "warn":
		log.Warn("%s", msg)
	case "error":
		log.Error("%s", msg)
	default:
		log.Info("%s", msg)
	}
}

func (b *bridge) Publish(ctx context.Context, name string, payload any) error {
	s := b.s
	if s.cfg.Bus == nil {
		return errNoBus
	}
	rel := topic.Topic(name)
	if !rel.IsValid() || rel.IsWildcard() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	if err := b.allow(); err != nil {
		return err
	}
	return s.cfg.Bus.PublishFrom(ctx, s.handle.PluginID, event.SandboxTopic(s.handle.PluginID, rel.Segments()...), payload)
}

func (b *bridge) Subscribe(pattern, handler string) error {
	s := b.s
	if s.cfg.Bus == nil {
		return errNoBus
	}
	if handler == "" {
		return errors.New("event handler name is required")
	}
	p := topic.Topic(pattern)
	if !b.mayObserve(p) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}
	_, err := s.cfg.Bus.Subscribe(p, b.deliver(handler), event.WithOwner(s.owner))
	if err != nil {
		return err
	}
	s.logger.Debug("handler %s subscribed to %s", handler, pattern)
	return nil
}

// mayObserve allows host topics and the plugin's own namespace. Patterns
// that could match another sandbox's namespace or carry other plugins'
// service traffic are refused.
func (b *bridge) mayObserve(p topic.Topic) bool {
	if !p.IsValid() {
		return false
	}
	own := event.SandboxTopic(b.s.handle.PluginID)
	if p.HasPrefix(own) {
		return true
	}
	switch p.Segments()[0] {
	case "sandbox", "ui", topic.WildcardSingle, topic.WildcardMulti:
		return false
	}
	return true
}

// deliver queues an event for the named handler without blocking the bus.
// Events that do not fit in the queue are dropped.
func (b *bridge) deliver(handler string) event.Handler {
	s := b.s
	return func(_ context.Context, ev event.Event) error {
		if s.unavailable() != nil {
			return nil
		}
		msg := &message{
			kind: kindEvent,
			op:   handler,
			args: []any{map[string]any{
				"topic":     ev.Topic.String(),
				"publisher": ev.Publisher,
				"payload":   ev.Payload,
				"timestamp": ev.Timestamp,
			}},
		}
		select {
		case s.queue <- msg:
		default:
			s.logger.Warn("event queue full, dropped %s for %s", ev.Topic, handler)
		}
		return nil
	}
}

func (b *bridge) Call(ctx context.Context, svc, method string, args map[string]any) (any, error) {
	s := b.s
	result, err := b.call(ctx, svc, method, args)
	if err != nil {
		if msg := s.running(); msg != nil {
			msg.hostErr = err
		}
		return nil, err
	}
	return result, nil
}

func (b *bridge) call(ctx context.Context, svc, method string, args map[string]any) (any, error) {
	s := b.s
	if s.cfg.Services == nil {
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownService, svc)
	}
	if err := b.allow(); err != nil {
		return nil, err
	}
	caller := service.Caller{PluginID: s.handle.PluginID, Grants: s.handle.Granted}
	return s.cfg.Services.Call(ctx, caller, svc, method, args)
}

// allow applies the host call rate limit.
func (b *bridge) allow() error {
	if l := b.s.limiter; l != nil && !l.Allow() {
		return service.ErrRateLimited
	}
	return nil
}
