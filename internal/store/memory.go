package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

type memCounter struct {
	n       int64
	expires time.Time
}

type zmember struct {
	member string
	score  float64
}

// MemoryStore is an in-process Store. All operations run under one mutex, which
// makes every multi-step operation atomic for callers in the same process.
// Expired entries are dropped lazily on access and, optionally, by a janitor.
type MemoryStore struct {
	mu       sync.Mutex
	kv       map[string]memEntry
	counters map[string]memCounter
	zsets    map[string]map[string]float64
	sets     map[string]map[string]struct{}
	now      func() time.Time

	stop chan struct{}
	once sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithJanitor starts a background goroutine that purges expired keys every
// interval until Close is called.
func WithJanitor(interval time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		if interval <= 0 {
			return
		}
		go m.janitor(interval)
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		kv:       make(map[string]memEntry),
		counters: make(map[string]memCounter),
		zsets:    make(map[string]map[string]float64),
		sets:     make(map[string]map[string]struct{}),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.purge()
		}
	}
}

func (m *MemoryStore) purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.kv {
		if expired(e.expires, now) {
			delete(m.kv, k)
		}
	}
	for k, c := range m.counters {
		if expired(c.expires, now) {
			delete(m.counters, k)
		}
	}
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) ([]byte, bool) {
	e, ok := m.kv[key]
	if !ok {
		return nil, false
	}
	if expired(e.expires, m.now()) {
		delete(m.kv, key)
		return nil, false
	}
	return e.value, true
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.kv[key] = memEntry{value: clone(value), expires: m.deadline(ttl)}
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memEntry{value: clone(value), expires: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.kv, k)
		delete(m.counters, k)
		delete(m.zsets, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lookup(key)
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || !bytes.Equal(cur, old)):
		return false, nil
	}
	if next == nil {
		delete(m.kv, key)
		return true, nil
	}
	m.kv[key] = memEntry{value: clone(next), expires: m.deadline(ttl)}
	return true, nil
}

// counter must be called with mu held.
func (m *MemoryStore) counter(key string) int64 {
	c, ok := m.counters[key]
	if !ok {
		return 0
	}
	if expired(c.expires, m.now()) {
		delete(m.counters, key)
		return 0
	}
	return c.n
}

func (m *MemoryStore) IncrWithinLimits(_ context.Context, counters []Counter) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range counters {
		if c.Limit > 0 && m.counter(c.Key) >= c.Limit {
			return false, i, nil
		}
	}
	for _, c := range counters {
		cur, ok := m.counters[c.Key]
		if !ok || expired(cur.expires, m.now()) {
			cur = memCounter{expires: m.deadline(c.TTL)}
		}
		cur.n++
		m.counters[c.Key] = cur
	}
	return true, -1, nil
}

func (m *MemoryStore) Counts(_ context.Context, keys ...string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = m.counter(k)
	}
	return out, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZRem(_ context.Context, key, member string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return false, nil
	}
	if _, ok := z[member]; !ok {
		return false, nil
	}
	delete(z, member)
	if len(z) == 0 {
		delete(m.zsets, key)
	}
	return true, nil
}

// sorted must be called with mu held.
func (m *MemoryStore) sorted(key string) []zmember {
	z := m.zsets[key]
	out := make([]zmember, 0, len(z))
	for member, score := range z {
		out = append(out, zmember{member: member, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		return out[i].member < out[j].member
	})
	return out
}

func (m *MemoryStore) ZPopByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var popped []string
	for _, zm := range m.sorted(key) {
		if zm.score > max || (limit > 0 && len(popped) >= limit) {
			break
		}
		popped = append(popped, zm.member)
		delete(m.zsets[key], zm.member)
	}
	if z, ok := m.zsets[key]; ok && len(z) == 0 {
		delete(m.zsets, key)
	}
	return popped, nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZHead(_ context.Context, key string) (string, float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sorted(key)
	if len(s) == 0 {
		return "", 0, false, nil
	}
	return s[0].member, s[0].score, true, nil
}

func (m *MemoryStore) SAdd(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[member] = struct{}{}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[key]; ok {
		delete(s, member)
		if len(s) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor, if any. The store remains usable afterwards.
func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
