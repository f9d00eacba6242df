package event

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/warden/internal/clone"
	"github.com/dshills/warden/internal/event/topic"
	"github.com/dshills/warden/internal/logging"
)

// HostPublisher is the publisher name used for host-originated events.
const HostPublisher = "host"

// Bus is the host event bus.
type Bus interface {
	Publisher

	// Subscribe registers a handler for a topic pattern.
	Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(sub Subscription) error

	// UnsubscribeOwner removes every subscription registered by owner.
	UnsubscribeOwner(owner string) int

	// Flush blocks until every event published before the call is delivered.
	// Calling Flush from inside a handler blocks until ctx is done.
	Flush(ctx context.Context) error

	// Close stops accepting events, drains the queue and stops dispatching.
	Close(ctx context.Context) error

	// Stats returns delivery counters.
	Stats() Stats
}

// Stats holds bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	HandlerErrors uint64
	HandlerPanics uint64
	Subscriptions int
	Queued        int
}

// BusOption configures a bus.
type BusOption func(*busConfig)

type busConfig struct {
	queueLimit   int
	errorHandler ErrorHandler
	logger       *logging.Logger
}

// WithQueueLimit bounds the number of undelivered events. Zero means unbounded.
func WithQueueLimit(n int) BusOption {
	return func(c *busConfig) {
		c.queueLimit = n
	}
}

// WithErrorHandler sets the handler for handler failures.
func WithErrorHandler(h ErrorHandler) BusOption {
	return func(c *busConfig) {
		c.errorHandler = h
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) BusOption {
	return func(c *busConfig) {
		c.logger = l
	}
}

type waiter struct {
	target uint64
	done   chan struct{}
}

type bus struct {
	config busConfig
	logger *logging.Logger

	subMu sync.RWMutex
	subs  []*subscription

	mu        sync.Mutex
	queue     []Event
	enqueued  uint64
	processed uint64
	waiters   []waiter
	closed    bool
	wake      chan struct{}
	stopped   chan struct{}

	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
	handlerPanics atomic.Uint64
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(opts ...BusOption) Bus {
	config := busConfig{queueLimit: 10000}
	for _, opt := range opts {
		opt(&config)
	}
	b := &bus{
		config:  config,
		logger:  logging.OrDefault(config.logger).WithComponent("event-bus"),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Publish publishes a host event.
func (b *bus) Publish(ctx context.Context, t topic.Topic, payload any) error {
	return b.PublishFrom(ctx, HostPublisher, t, payload)
}

// PublishFrom enqueues an event and returns without waiting for delivery.
func (b *bus) PublishFrom(ctx context.Context, publisher string, t topic.Topic, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.IsValid() || t.IsWildcard() {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, t)
	}
	cloned, err := clone.Value(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.config.queueLimit > 0 && len(b.queue) >= b.config.queueLimit {
		b.mu.Unlock()
		return ErrQueueFull
	}
	b.enqueued++
	b.queue = append(b.queue, Event{
		ID:        uuid.NewString(),
		Topic:     t,
		Publisher: publisher,
		Payload:   cloned,
		Timestamp: time.Now(),
		Seq:       b.enqueued,
	})
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.mu.Unlock()
	return nil
}

// Subscribe registers a handler. Handlers run in subscription order.
func (b *bus) Subscribe(pattern topic.Topic, handler Handler, opts ...SubscriptionOption) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTopic, pattern)
	}
	config := SubscriptionConfig{Owner: HostPublisher}
	for _, opt := range opts {
		opt(&config)
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBusClosed
	}

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
		config:  config,
	}
	b.subMu.Lock()
	b.subs = append(b.subs, sub)
	b.subMu.Unlock()
	return sub, nil
}

// Unsubscribe cancels and removes a subscription.
func (b *bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return ErrSubscriptionNotFound
	}
	sub.Cancel()
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for i, s := range b.subs {
		if s.id == sub.ID() {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// UnsubscribeOwner removes every subscription registered by owner.
func (b *bus) UnsubscribeOwner(owner string) int {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	kept := make([]*subscription, 0, len(b.subs))
	removed := 0
	for _, s := range b.subs {
		if s.config.Owner == owner {
			s.Cancel()
			removed++
			continue
		}
		kept = append(kept, s)
	}
	b.subs = kept
	return removed
}

// Flush waits for delivery of everything published so far.
func (b *bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	if b.processed >= b.enqueued {
		b.mu.Unlock()
		return nil
	}
	w := waiter{target: b.enqueued, done: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending events and stops the dispatcher.
func (b *bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.Flush(ctx)
	b.mu.Lock()
	close(b.wake)
	b.mu.Unlock()
	select {
	case <-b.stopped:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Stats returns delivery counters.
func (b *bus) Stats() Stats {
	b.subMu.RLock()
	subs := len(b.subs)
	b.subMu.RUnlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Published:     b.enqueued,
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		HandlerPanics: b.handlerPanics.Load(),
		Subscriptions: subs,
		Queued:        len(b.queue),
	}
}

func (b *bus) dispatchLoop() {
	defer close(b.stopped)
	for {
		ev, ok := b.next()
		if !ok {
			if _, open := <-b.wake; !open {
				if ev, ok = b.next(); !ok {
					return
				}
			} else {
				continue
			}
		}
		b.deliver(ev)

		b.mu.Lock()
		b.processed = ev.Seq
		kept := b.waiters[:0]
		for _, w := range b.waiters {
			if w.target <= b.processed {
				close(w.done)
				continue
			}
			kept = append(kept, w)
		}
		b.waiters = kept
		b.mu.Unlock()
	}
}

func (b *bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	return ev, true
}

func (b *bus) deliver(ev Event) {
	b.subMu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.accepts(ev) {
			targets = append(targets, s)
		}
	}
	b.subMu.RUnlock()

	for _, sub := range targets {
		if sub.config.Once {
			if !sub.cancelled.CompareAndSwap(false, true) {
				continue
			}
			_ = b.Unsubscribe(sub)
		} else if sub.cancelled.Load() {
			continue
		}
		private := ev
		// Already validated at publish time.
		private.Payload, _ = clone.Value(ev.Payload)
		if err := b.invoke(sub, private); err != nil {
			b.report(err)
			continue
		}
		b.delivered.Add(1)
	}
}

func (b *bus) invoke(sub *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			err = &PanicError{
				SubscriptionID: sub.id,
				Topic:          ev.Topic.String(),
				Value:          r,
				Stack:          string(debug.Stack()),
			}
		}
	}()
	if herr := sub.handler(context.Background(), ev); herr != nil {
		b.handlerErrors.Add(1)
		return &HandlerError{SubscriptionID: sub.id, Topic: ev.Topic.String(), Err: herr}
	}
	return nil
}

func (b *bus) report(err error) {
	if b.config.errorHandler != nil {
		b.config.errorHandler(err)
		return
	}
	b.logger.WithError(err).Warn("event handler failed")
}
