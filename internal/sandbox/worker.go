package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dshills/warden/internal/sandbox/engine"
)

type messageKind int

const (
	kindLoad messageKind = iota
	kindCall
	kindEvent
)

// message is one unit of work for the worker. id correlates the reply with
// the pending-call table; events have no id and no reply.
type message struct {
	id    string
	kind  messageKind
	op    string
	code  string
	args  []any
	reply chan reply

	abandoned atomic.Bool
	timedOut  atomic.Bool

	// hostErr is the last error a host call returned during this message.
	// Only the worker touches it.
	hostErr error
}

type reply struct {
	value any
	err   error
}

// run owns the runtime for the lifetime of the sandbox.
func (s *Sandbox) run(factory engine.Factory, cfg engine.Config, ready chan<- error) {
	defer close(s.exited)

	rt, err := factory(cfg)
	if err != nil {
		ready <- err
		return
	}
	s.rt = rt
	s.memory.Store(rt.MemoryEstimate())
	ready <- nil

	defer func() {
		if err := rt.Close(); err != nil {
			s.logger.WithError(err).Warn("closing runtime")
		}
		s.memory.Store(0)
	}()

	for {
		select {
		case <-s.done:
			s.drainQueue()
			return
		case msg := <-s.queue:
			s.process(msg)
		}
	}
}

// drainQueue fails every queued message with ErrTerminated.
func (s *Sandbox) drainQueue() {
	for {
		select {
		case msg := <-s.queue:
			s.deliver(msg, reply{err: ErrTerminated})
		default:
			return
		}
	}
}

func (s *Sandbox) process(msg *message) {
	if msg.abandoned.Load() {
		return
	}
	if err := s.unavailable(); err != nil {
		s.deliver(msg, reply{err: err})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.handle.Limits.MaxExecution)
	defer cancel()
	s.mu.Lock()
	s.current, s.cancel = msg, cancel
	s.mu.Unlock()

	start := time.Now()
	s.runningSince.Store(start.UnixNano())
	value, err := s.execute(ctx, msg)
	s.runningSince.Store(0)
	s.busy.Add(int64(time.Since(start)))

	s.mu.Lock()
	s.current, s.cancel = nil, nil
	s.mu.Unlock()

	if err != nil {
		switch {
		case s.halted.Load() || s.Terminated():
			err = s.unavailable()
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			s.countTimeout(msg)
			err = s.timeoutError(msg)
		case msg.hostErr != nil && strings.Contains(err.Error(), msg.hostErr.Error()):
			err = msg.hostErr
		}
	}
	s.memory.Store(s.rt.MemoryEstimate())

	if msg.kind == kindEvent {
		if err != nil {
			s.logger.WithError(err).Warn("event handler %s failed", msg.op)
		}
		return
	}
	s.deliver(msg, reply{value: value, err: err})
}

// execute runs msg on the runtime with panic recovery.
func (s *Sandbox) execute(ctx context.Context, msg *message) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("sandbox panic: %v", r)
		}
	}()
	if msg.kind == kindLoad {
		return nil, s.rt.Load(ctx, msg.code)
	}
	return s.rt.Call(ctx, msg.op, msg.args)
}

// deliver sends the reply if the caller is still waiting. A reply whose id
// is no longer pending is dropped.
func (s *Sandbox) deliver(msg *message, r reply) {
	if msg.reply == nil {
		return
	}
	s.mu.Lock()
	_, waiting := s.pending[msg.id]
	delete(s.pending, msg.id)
	s.mu.Unlock()
	if waiting {
		msg.reply <- r
	}
}

// running returns the message being executed. Only the worker calls it.
func (s *Sandbox) running() *message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
