package kv

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	key     string
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store. With a positive capacity it evicts
// the least recently used key when full.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	closed   bool
	now      func() time.Time
}

// NewMemoryStore creates a memory store. capacity <= 0 means unbounded.
func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*memEntry)
	if s.expired(e) {
		s.remove(el)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	return append([]byte(nil), e.value...), true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e := &memEntry{key: key, value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	if el, ok := s.items[key]; ok {
		el.Value = e
		s.order.MoveToFront(el)
		return nil
	}
	s.items[key] = s.order.PushFront(e)
	for s.capacity > 0 && s.order.Len() > s.capacity {
		s.remove(s.order.Back())
	}
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if el, ok := s.items[key]; ok {
		s.remove(el)
	}
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k, el := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if s.expired(el.Value.(*memEntry)) {
			s.remove(el)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys, including expired ones not yet
// collected.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = map[string]*list.Element{}
	s.order.Init()
	return nil
}

func (s *MemoryStore) expired(e *memEntry) bool {
	return !e.expires.IsZero() && !s.now().Before(e.expires)
}

func (s *MemoryStore) remove(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*memEntry).key)
}
