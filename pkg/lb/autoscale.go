package lb

import (
	"context"
	"log"
	"time"
)

// Provisioner adds and removes backend replicas. The simulated implementation
// in cmd/edge clones an existing backend URL with a new port.
type Provisioner interface {
	ScaleUp(ctx context.Context) error
	ScaleDown(ctx context.Context) error
}

// Autoscaler watches load per healthy backend and asks the provisioner to
// grow or shrink the pool. Load is the average in-flight request count per
// healthy backend. After any scaling action the autoscaler holds for
// Cooldown before acting again.
type Autoscaler struct {
	Pool        *Pool
	Provisioner Provisioner
	HighWater   float64
	LowWater    float64
	MinReplicas int
	MaxReplicas int
	Cooldown    time.Duration
	Now         func() time.Time

	lastAction time.Time
}

// NewAutoscaler builds an autoscaler with edge-service defaults: scale up
// past 20 in-flight per backend, down under 2, between 2 and 10 replicas,
// 2 minute cooldown.
func NewAutoscaler(pool *Pool, prov Provisioner) *Autoscaler {
	return &Autoscaler{
		Pool:        pool,
		Provisioner: prov,
		HighWater:   20,
		LowWater:    2,
		MinReplicas: 2,
		MaxReplicas: 10,
		Cooldown:    2 * time.Minute,
		Now:         time.Now,
	}
}

// Load returns the average in-flight requests per healthy backend.
func (a *Autoscaler) Load() float64 {
	healthy := a.Pool.HealthyLen()
	if healthy == 0 {
		return 0
	}
	return float64(a.Pool.TotalActive()) / float64(healthy)
}

// Evaluate applies one scaling decision. It returns the action taken:
// "up", "down" or "" for none.
func (a *Autoscaler) Evaluate(ctx context.Context) (string, error) {
	now := a.Now()
	if !a.lastAction.IsZero() && now.Sub(a.lastAction) < a.Cooldown {
		return "", nil
	}
	// Zero healthy backends means there is no load sample, not an idle pool.
	// Shrinking here would make an outage worse.
	if a.Pool.HealthyLen() == 0 {
		return "", nil
	}
	load := a.Load()
	replicas := a.Pool.Len()
	switch {
	case load > a.HighWater && replicas < a.MaxReplicas:
		if err := a.Provisioner.ScaleUp(ctx); err != nil {
			return "", err
		}
		a.lastAction = now
		log.Printf("lb: scaled up, load %.1f over high water %.1f", load, a.HighWater)
		return "up", nil
	case load < a.LowWater && replicas > a.MinReplicas:
		if err := a.Provisioner.ScaleDown(ctx); err != nil {
			return "", err
		}
		a.lastAction = now
		log.Printf("lb: scaled down, load %.1f under low water %.1f", load, a.LowWater)
		return "down", nil
	}
	return "", nil
}

// Run evaluates on every tick until ctx is done.
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Evaluate(ctx); err != nil {
				log.Printf("lb: autoscale evaluate: %v", err)
			}
		}
	}
}
