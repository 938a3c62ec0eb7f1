package kv

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe KV store with LRU eviction of counters.
// Used as the Community tier store.
type MemoryStore struct {
	mu          sync.Mutex
	maxCounters int
	counters    map[string]*list.Element
	order       *list.List

	locksMu sync.Mutex
	locks   map[string]*keyLock
}

type counterEntry struct {
	key       string
	value     float64
	expiresAt time.Time
}

// keyLock is a one-slot semaphore; refs counts holders and waiters so the
// entry can be dropped once nobody needs it.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryStore creates a store holding at most maxCounters counters.
func NewMemoryStore(maxCounters int) *MemoryStore {
	if maxCounters <= 0 {
		maxCounters = 100000
	}
	return &MemoryStore{
		maxCounters: maxCounters,
		counters:    make(map[string]*list.Element),
		order:       list.New(),
		locks:       make(map[string]*keyLock),
	}
}

// AddFloat adds delta to the counter at key, creating it with ttl if absent
// or expired.
func (s *MemoryStore) AddFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if elem, ok := s.counters[key]; ok {
		entry := elem.Value.(*counterEntry)
		if now.Before(entry.expiresAt) {
			entry.value += delta
			s.order.MoveToFront(elem)
			return entry.value, nil
		}
		s.removeElement(elem)
	}

	for s.order.Len() >= s.maxCounters {
		s.removeOldest()
	}

	entry := &counterEntry{key: key, value: delta, expiresAt: now.Add(ttl)}
	s.counters[key] = s.order.PushFront(entry)
	return entry.value, nil
}

// GetFloat returns the counter at key, 0 if missing or expired.
func (s *MemoryStore) GetFloat(ctx context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	entry := elem.Value.(*counterEntry)
	if time.Now().After(entry.expiresAt) {
		s.removeElement(elem)
		return 0, nil
	}
	return entry.value, nil
}

// Lock blocks until key is free or ctx is done. The ttl is not needed
// in-process: the lock lives until the returned release is called.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	s.locksMu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	s.locksMu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		s.unref(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			s.unref(key, l)
		})
	}, nil
}

func (s *MemoryStore) unref(key string, l *keyLock) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// Ping always succeeds for the in-process store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close clears all counters.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*list.Element)
	s.order.Init()
	return nil
}

// Stats returns the current and maximum counter count.
func (s *MemoryStore) Stats() (size int, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len(), s.maxCounters
}

func (s *MemoryStore) removeOldest() {
	if elem := s.order.Back(); elem != nil {
		s.removeElement(elem)
	}
}

func (s *MemoryStore) removeElement(elem *list.Element) {
	s.order.Remove(elem)
	delete(s.counters, elem.Value.(*counterEntry).key)
}
