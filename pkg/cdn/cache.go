// Package cdn implements the edge content cache: bounded LRU storage with
// per-entry TTL, origin loading with request coalescing, and purge controls.
package cdn

import (
	"container/list"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Get when the key is absent and no loader is set.
var ErrNotFound = errors.New("cdn: not found")

// Loader fetches content from the origin on a cache miss.
type Loader func(ctx context.Context, key string) ([]byte, error)

// Entry is a cached object with its expiry.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// size is the entry's footprint against MaxBytes: key plus payload.
func (e *Entry) size() int64 {
	return int64(len(e.Key)) + int64(len(e.Value))
}

// Stats is a point-in-time counters snapshot.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
}

// Manager is an LRU cache bounded by entry count and total bytes, where an
// entry's footprint is its key plus its payload.
// Eviction runs on insert: least recently used entries are dropped until
// both budgets hold. A zero budget disables that bound.
type Manager struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration
	Loader     Loader
	Now        func() time.Time

	mu    sync.Mutex
	order *list.List // front = most recently used
	items map[string]*list.Element
	bytes int64

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64

	group singleflight.Group
}

// NewManager builds a cache with the given budgets. maxBytes <= 0 means
// unbounded bytes; maxEntries <= 0 means unbounded count.
func NewManager(maxEntries int, maxBytes int64, defaultTTL time.Duration) *Manager {
	return &Manager{
		MaxEntries: maxEntries,
		MaxBytes:   maxBytes,
		DefaultTTL: defaultTTL,
		Now:        time.Now,
		order:      list.New(),
		items:      map[string]*list.Element{},
	}
}

// Get returns the cached value, loading from the origin on a miss when a
// Loader is configured. Concurrent misses for the same key share one origin
// fetch.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, error) {
	if v, ok := m.lookup(key); ok {
		return v, nil
	}
	if m.Loader == nil {
		return nil, ErrNotFound
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		// A racing fetch may have populated the entry already.
		if v, ok := m.lookup(key); ok {
			return v, nil
		}
		body, err := m.Loader(ctx, key)
		if err != nil {
			return nil, err
		}
		m.Set(key, body, m.DefaultTTL)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (m *Manager) lookup(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}
	ent := el.Value.(*Entry)
	if ent.expired(m.now()) {
		m.removeLocked(el)
		m.expired++
		m.misses++
		return nil, false
	}
	m.order.MoveToFront(el)
	m.hits++
	return ent.Value, true
}

// Set stores value under key. ttl <= 0 falls back to DefaultTTL; a zero
// DefaultTTL means the entry never expires.
func (m *Manager) Set(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.DefaultTTL
	}
	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.items[key]; ok {
		ent := el.Value.(*Entry)
		m.bytes -= ent.size()
		ent.Value = value
		ent.ExpiresAt = expires
		m.bytes += ent.size()
		m.order.MoveToFront(el)
	} else {
		ent := &Entry{Key: key, Value: value, ExpiresAt: expires}
		m.items[key] = m.order.PushFront(ent)
		m.bytes += ent.size()
	}
	m.evictLocked()
}

// Purge removes a single key. It reports whether the key was present.
func (m *Manager) Purge(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.items[key]
	if !ok {
		return false
	}
	m.removeLocked(el)
	return true
}

// PurgePrefix removes every key with the given prefix and returns the count.
func (m *Manager) PurgePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if strings.HasPrefix(el.Value.(*Entry).Key, prefix) {
			m.removeLocked(el)
			purged++
		}
		el = next
	}
	return purged
}

// Sweep drops every expired entry and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var removed int
	for el := m.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*Entry).expired(now) {
			m.removeLocked(el)
			m.expired++
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the current entry count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Stats returns a snapshot of the counters and current size.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Expired:   m.expired,
		Entries:   m.order.Len(),
		Bytes:     m.bytes,
	}
}

func (m *Manager) evictLocked() {
	for (m.MaxEntries > 0 && m.order.Len() > m.MaxEntries) ||
		(m.MaxBytes > 0 && m.bytes > m.MaxBytes) {
		back := m.order.Back()
		if back == nil {
			return
		}
		m.removeLocked(back)
		m.evictions++
	}
}

func (m *Manager) removeLocked(el *list.Element) {
	ent := el.Value.(*Entry)
	m.order.Remove(el)
	delete(m.items, ent.Key)
	m.bytes -= ent.size()
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
