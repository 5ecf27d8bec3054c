package lb

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker probes every backend and flips health state after consecutive
// results cross the thresholds. A backend needs FailThreshold consecutive
// failed probes to leave rotation and PassThreshold consecutive passes to
// rejoin.
type Checker struct {
	Pool          *Pool
	Path          string
	Interval      time.Duration
	Timeout       time.Duration
	FailThreshold int
	PassThreshold int
	Client        *http.Client
}

// NewChecker builds a checker with the defaults used by the edge service:
// GET /healthz every 10s, 2s timeout, 3 consecutive failures down, 2
// consecutive passes up.
func NewChecker(pool *Pool) *Checker {
	return &Checker{
		Pool:          pool,
		Path:          "/healthz",
		Interval:      10 * time.Second,
		Timeout:       2 * time.Second,
		FailThreshold: 3,
		PassThreshold: 2,
	}
}

// Run probes on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll probes every backend concurrently and applies the results.
func (c *Checker) CheckAll(ctx context.Context) {
	backends := c.Pool.Backends()
	results := make([]bool, len(backends))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range backends {
		i, b := i, b
		g.Go(func() error {
			results[i] = c.probe(gctx, b)
			return nil
		})
	}
	_ = g.Wait()

	c.Pool.mu.Lock()
	defer c.Pool.mu.Unlock()
	for i, b := range backends {
		c.applyLocked(b, results[i])
	}
}

func (c *Checker) probe(ctx context.Context, b *Backend) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	u := *b.URL
	u.Path = c.Path
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Checker) applyLocked(b *Backend, pass bool) {
	if pass {
		b.consecFails = 0
		b.consecPasses++
		if !b.Healthy() && b.consecPasses >= c.PassThreshold {
			b.healthy.Store(true)
			log.Printf("lb: backend %s back in rotation", b.URL)
		}
		return
	}
	b.consecPasses = 0
	b.consecFails++
	if b.Healthy() && b.consecFails >= c.FailThreshold {
		b.healthy.Store(false)
		log.Printf("lb: backend %s removed from rotation after %d failed probes", b.URL, b.consecFails)
	}
}
