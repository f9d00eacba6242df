// Package enginetest provides a recording Host for runtime tests.
package enginetest

import (
	"context"
	"errors"
	"sync"
)

// Call is one recorded service call.
type Call struct {
	Service string
	Method  string
	Args    map[string]any
}

// Message is one recorded log line or published event.
type Message struct {
	Key     string
	Payload any
}

// Host records everything a runtime sends it. Results and Errors, keyed by
// "service.method", script the replies of Call.
type Host struct {
	mu      sync.Mutex
	Results map[string]any
	Errors  map[string]error

	logs      []Message
	published []Message
	subs      []Message
	calls     []Call
}

// NewHost creates an empty host.
func NewHost() *Host {
	return &Host{Results: map[string]any{}, Errors: map[string]error{}}
}

// ErrRejected is returned by Subscribe for patterns starting with "deny".
var ErrRejected = errors.New("subscription rejected")

// Log implements engine.Host.
func (h *Host) Log(level, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs = append(h.logs, Message{Key: level, Payload: msg})
}

// Publish implements engine.Host.
func (h *Host) Publish(_ context.Context, topic string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.published = append(h.published, Message{Key: topic, Payload: payload})
	return nil
}

// Subscribe implements engine.Host.
func (h *Host) Subscribe(pattern, handler string) error {
	if len(pattern) >= 4 && pattern[:4] == "deny" {
		return ErrRejected
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, Message{Key: pattern, Payload: handler})
	return nil
}

// Call implements engine.Host.
func (h *Host) Call(_ context.Context, service, method string, args map[string]any) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, Call{Service: service, Method: method, Args: args})
	key := service + "." + method
	if err := h.Errors[key]; err != nil {
		return nil, err
	}
	return h.Results[key], nil
}

// Logs returns the recorded log lines.
func (h *Host) Logs() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.logs...)
}

// Published returns the recorded events.
func (h *Host) Published() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.published...)
}

// Subscriptions returns the recorded subscriptions.
func (h *Host) Subscriptions() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.subs...)
}

// Calls returns the recorded service calls.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Call(nil), h.calls...)
}
