package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
)

// Alert severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Alert states.
const (
	StateFiring   = "FIRING"
	StateResolved = "RESOLVED"
)

// Rule fires when a metric stays past the threshold for the sustain window.
type Rule struct {
	Name      string        `json:"name"`
	Metric    string        `json:"metric"`
	Op        string        `json:"op"` // ">" or "<"
	Threshold float64       `json:"threshold"`
	Sustain   time.Duration `json:"sustain"`
	Severity  string        `json:"severity"`
	Cooldown  time.Duration `json:"cooldown"`
}

func (r Rule) breached(v float64) bool {
	if r.Op == "<" {
		return v < r.Threshold
	}
	return v > r.Threshold
}

// Alert is one firing-or-resolved rule instance.
type Alert struct {
	Rule       string    `json:"rule"`
	Metric     string    `json:"metric"`
	Severity   string    `json:"severity"`
	State      string    `json:"state"`
	Value      float64   `json:"value"`
	StartedAt  time.Time `json:"started_at"`
	ResolvedAt time.Time `json:"resolved_at,omitzero"`
	Detail     string    `json:"detail"`
}

// Notifier receives alert transitions.
type Notifier interface {
	Notify(ctx context.Context, a Alert)
}

// HubNotifier publishes alert transitions on the stream hub.
type HubNotifier struct {
	Hub *stream.Hub
}

func (n HubNotifier) Notify(_ context.Context, a Alert) {
	kind := models.EventAlertFired
	if a.State == StateResolved {
		kind = models.EventAlertResolved
	}
	n.Hub.Publish(stream.NewEvent(kind, a))
}

// Evaluator walks the rules against the collector's recent samples.
type Evaluator struct {
	Collector *Collector
	Notifiers []Notifier
	Now       func() time.Time

	mu        sync.Mutex
	rules     []Rule
	active    map[string]*Alert
	pending   map[string]time.Time // rule name -> breach streak start
	lastFired map[string]time.Time
}

// NewEvaluator builds an evaluator over the collector.
func NewEvaluator(c *Collector, notifiers ...Notifier) *Evaluator {
	return &Evaluator{
		Collector: c,
		Notifiers: notifiers,
		Now:       time.Now,
		active:    map[string]*Alert{},
		pending:   map[string]time.Time{},
		lastFired: map[string]time.Time{},
	}
}

// AddRule registers a rule. A zero sustain means a single breached sample
// fires the alert.
func (e *Evaluator) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Rules returns the registered rule set.
func (e *Evaluator) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Active returns the currently firing alerts.
func (e *Evaluator) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, *a)
	}
	return out
}

// Evaluate applies every rule to the sample history, firing and resolving
// alerts as metrics cross their thresholds.
func (e *Evaluator) Evaluate(ctx context.Context) {
	now := e.Now()
	e.mu.Lock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	for _, r := range rules {
		e.evaluateRule(ctx, r, now)
	}
}

func (e *Evaluator) evaluateRule(ctx context.Context, r Rule, now time.Time) {
	latest, ok := e.Collector.Latest()
	if !ok {
		return
	}
	value, ok := latest.Values[r.Metric]
	if !ok {
		return
	}

	e.mu.Lock()
	cur := e.active[r.Name]
	if !r.breached(value) {
		delete(e.pending, r.Name)
		if cur == nil {
			e.mu.Unlock()
			return
		}
		cur.State = StateResolved
		cur.ResolvedAt = now
		cur.Value = value
		resolved := *cur
		delete(e.active, r.Name)
		e.mu.Unlock()
		log.Printf("monitor: alert %s resolved, %s=%.2f", r.Name, r.Metric, value)
		e.notify(ctx, resolved)
		return
	}

	since, tracking := e.pending[r.Name]
	if !tracking {
		since = now
		e.pending[r.Name] = since
	}
	if cur != nil || now.Sub(since) < r.Sustain {
		e.mu.Unlock()
		return
	}
	if last, fired := e.lastFired[r.Name]; fired && r.Cooldown > 0 && now.Sub(last) < r.Cooldown {
		e.mu.Unlock()
		return
	}
	a := &Alert{
		Rule:      r.Name,
		Metric:    r.Metric,
		Severity:  r.Severity,
		State:     StateFiring,
		Value:     value,
		StartedAt: since,
		Detail:    fmt.Sprintf("%s %s %.2f sustained for %s", r.Metric, r.Op, r.Threshold, now.Sub(since)),
	}
	e.active[r.Name] = a
	e.lastFired[r.Name] = now
	e.mu.Unlock()
	log.Printf("monitor: alert %s firing, %s=%.2f", r.Name, r.Metric, value)
	e.notify(ctx, *a)
}

func (e *Evaluator) notify(ctx context.Context, a Alert) {
	for _, n := range e.Notifiers {
		n.Notify(ctx, a)
	}
}

// Run evaluates on every tick until ctx is done.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}
