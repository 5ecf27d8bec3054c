// Package lb provides the backend pool, health checking, auto-scaling and
// reverse-proxy handler for the edge service.
package lb

import (
	"errors"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNoBackends is returned when the pool has no healthy backend to serve.
var ErrNoBackends = errors.New("lb: no healthy backends")

// Strategy selects how the pool picks the next backend.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastConnections   Strategy = "least_connections"
)

// Backend is one upstream target.
type Backend struct {
	URL    *url.URL
	Weight int

	healthy atomic.Bool
	active  atomic.Int64

	// Health checker bookkeeping, guarded by the pool mutex.
	consecFails  int
	consecPasses int
}

// Healthy reports whether the backend is currently in rotation.
func (b *Backend) Healthy() bool { return b.healthy.Load() }

// Active returns the in-flight request count.
func (b *Backend) Active() int64 { return b.active.Load() }

// acquire/release track in-flight requests for least-connections.
func (b *Backend) acquire() { b.active.Add(1) }
func (b *Backend) release() { b.active.Add(-1) }

// BackendStatus is the admin view of one backend.
type BackendStatus struct {
	URL     string `json:"url"`
	Weight  int    `json:"weight"`
	Healthy bool   `json:"healthy"`
	Active  int64  `json:"active"`
}

// Pool holds the backend set and picks targets per the configured strategy.
type Pool struct {
	strategy Strategy

	mu       sync.Mutex
	backends []*Backend
	cursor   uint64
	weighted []int // expanded index list for weighted round-robin
}

// NewPool builds a pool. An empty strategy defaults to round-robin.
func NewPool(strategy Strategy) *Pool {
	if strategy == "" {
		strategy = RoundRobin
	}
	return &Pool{strategy: strategy}
}

// Strategy returns the selection strategy the pool was built with.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Add registers a backend. Weight < 1 is treated as 1. New backends start
// healthy so they serve immediately; the checker will demote them if needed.
func (p *Pool) Add(u *url.URL, weight int) *Backend {
	if weight < 1 {
		weight = 1
	}
	b := &Backend{URL: u, Weight: weight}
	b.healthy.Store(true)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backends = append(p.backends, b)
	p.rebuildWeightedLocked()
	return b
}

// Remove drops the backend with the given URL. It reports whether one was
// removed.
func (p *Pool) Remove(raw string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.backends {
		if b.URL.String() == raw {
			p.backends = append(p.backends[:i], p.backends[i+1:]...)
			p.rebuildWeightedLocked()
			return true
		}
	}
	return false
}

// Next picks a healthy backend per the strategy.
func (p *Pool) Next() (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.strategy {
	case LeastConnections:
		return p.leastConnLocked()
	case WeightedRoundRobin:
		return p.weightedLocked()
	default:
		return p.roundRobinLocked()
	}
}

func (p *Pool) roundRobinLocked() (*Backend, error) {
	n := len(p.backends)
	for i := 0; i < n; i++ {
		b := p.backends[p.cursor%uint64(n)]
		p.cursor++
		if b.Healthy() {
			return b, nil
		}
	}
	return nil, ErrNoBackends
}

func (p *Pool) weightedLocked() (*Backend, error) {
	n := len(p.weighted)
	for i := 0; i < n; i++ {
		b := p.backends[p.weighted[p.cursor%uint64(n)]]
		p.cursor++
		if b.Healthy() {
			return b, nil
		}
	}
	return nil, ErrNoBackends
}

func (p *Pool) leastConnLocked() (*Backend, error) {
	var best *Backend
	for _, b := range p.backends {
		if !b.Healthy() {
			continue
		}
		if best == nil || b.Active() < best.Active() {
			best = b
		}
	}
	if best == nil {
		return nil, ErrNoBackends
	}
	return best, nil
}

func (p *Pool) rebuildWeightedLocked() {
	p.weighted = p.weighted[:0]
	for i, b := range p.backends {
		for w := 0; w < b.Weight; w++ {
			p.weighted = append(p.weighted, i)
		}
	}
}

// Backends returns the current backend slice.
func (p *Pool) Backends() []*Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Len returns the backend count, healthy or not.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// HealthyLen returns the number of backends in rotation.
func (p *Pool) HealthyLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int
	for _, b := range p.backends {
		if b.Healthy() {
			n++
		}
	}
	return n
}

// TotalActive sums in-flight requests across healthy backends.
func (p *Pool) TotalActive() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, b := range p.backends {
		if b.Healthy() {
			n += b.Active()
		}
	}
	return n
}

// Snapshot returns the admin view, ordered by URL.
func (p *Pool) Snapshot() []BackendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BackendStatus, 0, len(p.backends))
	for _, b := range p.backends {
		out = append(out, BackendStatus{
			URL:     b.URL.String(),
			Weight:  b.Weight,
			Healthy: b.Healthy(),
			Active:  b.Active(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
