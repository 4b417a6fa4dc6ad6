package store

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store implementation backed by a mutex-
// guarded map for values, patrickmn/go-cache for TTL-expiring locks,
// and channel-based FIFO queues and pub/sub. Suitable for tests and
// single-process deployments; does not survive a process restart (see
// RedisStore for the durable alternative).
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string][]byte
	counters map[string]int64

	locks *gocache.Cache

	queuesMu sync.Mutex
	queues   map[string]chan []byte

	subsMu  sync.Mutex
	subs    map[string][]chan []byte
	pending map[string][][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		counters: make(map[string]int64),
		locks:    gocache.New(gocache.NoExpiration, time.Minute),
		queues:   make(map[string]chan []byte),
		subs:     make(map[string][]chan []byte),
		pending:  make(map[string][][]byte),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.values[key] = v
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) AcquireLock(_ context.Context, key, owner string, ttl time.Duration) error {
	if err := m.locks.Add(key, owner, ttl); err != nil {
		return ErrLockHeld
	}
	return nil
}

func (m *MemoryStore) ReleaseLock(_ context.Context, key string) error {
	m.locks.Delete(key)
	return nil
}

func (m *MemoryStore) IncrCounter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryStore) queueFor(key string) chan []byte {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = make(chan []byte, 4096)
		m.queues[key] = q
	}
	return q
}

func (m *MemoryStore) Enqueue(_ context.Context, key string, value []byte) error {
	m.queueFor(key) <- value
	return nil
}

func (m *MemoryStore) BlockingDequeue(ctx context.Context, key string, timeout time.Duration) ([]byte, bool, error) {
	q := m.queueFor(key)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-q:
		return v, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	m.pending[channel] = append(m.pending[channel], payload)

	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)

	m.subsMu.Lock()
	m.subs[channel] = append(m.subs[channel], ch)
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		subs := m.subs[channel]
		for i, s := range subs {
			if s == ch {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MemoryStore) DrainPending(_ context.Context, channel string) ([][]byte, error) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	out := m.pending[channel]
	delete(m.pending, channel)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
