// Package monitor samples host and application metrics and raises threshold
// alerts with sustain windows and cooldowns.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metric names produced by the host sampler.
const (
	MetricCPUPercent = "cpu.percent"
	MetricMemPercent = "mem.used_percent"
)

// Sample is one collection cycle across all metrics.
type Sample struct {
	At     time.Time          `json:"at"`
	Values map[string]float64 `json:"values"`
}

// Gauge supplies an application metric value on each collection cycle.
type Gauge func() float64

// Collector samples host metrics via gopsutil plus registered gauges into a
// bounded ring. When the ring is full the oldest sample is dropped.
type Collector struct {
	Capacity int
	Host     bool // sample cpu/mem via gopsutil
	Now      func() time.Time

	mu      sync.Mutex
	gauges  map[string]Gauge
	samples []Sample
}

// NewCollector builds a collector holding up to capacity samples.
func NewCollector(capacity int) *Collector {
	if capacity <= 0 {
		capacity = 360
	}
	return &Collector{
		Capacity: capacity,
		Host:     true,
		Now:      time.Now,
		gauges:   map[string]Gauge{},
	}
}

// RegisterGauge adds an application metric sampled on every cycle.
func (c *Collector) RegisterGauge(name string, g Gauge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[name] = g
}

// Collect takes one sample and appends it to the ring.
func (c *Collector) Collect(ctx context.Context) Sample {
	values := map[string]float64{}
	if c.Host {
		if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
			values[MetricCPUPercent] = pct[0]
		} else if err != nil {
			log.Printf("monitor: cpu sample: %v", err)
		}
		if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
			values[MetricMemPercent] = vm.UsedPercent
		} else {
			log.Printf("monitor: mem sample: %v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, g := range c.gauges {
		values[name] = g()
	}
	s := Sample{At: c.Now(), Values: values}
	c.samples = append(c.samples, s)
	if len(c.samples) > c.Capacity {
		c.samples = c.samples[len(c.samples)-c.Capacity:]
	}
	return s
}

// Run collects on every tick until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Latest returns the newest sample, if any.
func (c *Collector) Latest() (Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) == 0 {
		return Sample{}, false
	}
	return c.samples[len(c.samples)-1], true
}

// Since returns all samples taken at or after cutoff, oldest first.
func (c *Collector) Since(cutoff time.Time) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Sample
	for _, s := range c.samples {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}
