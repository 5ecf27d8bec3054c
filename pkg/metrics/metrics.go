package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
)

// Registry aggregates service counters exposed as a JSON snapshot on the
// metrics endpoint.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	kycDecision    map[string]int64
	amlHit         map[string]int64
	daoVote        map[string]int64
	alertsBySev    map[string]int64
	cacheTotals    map[string]int64
	gauges         map[string]float64
	screenLatency  ScreenLatencyStat
	busPublished   int64
	busConsumed    int64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type ScreenLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	KYCDecisions       map[string]int64        `json:"kyc_decisions"`
	AMLHits            map[string]int64        `json:"aml_hits"`
	DAOVotes           map[string]int64        `json:"dao_votes"`
	AlertsBySeverity   map[string]int64        `json:"alerts_by_severity"`
	CacheTotals        map[string]int64        `json:"cache_totals"`
	Gauges             map[string]float64      `json:"gauges"`
	ScreeningLatencyMS ScreenLatencyStat       `json:"screening_latency_ms"`
	BusPublishedTotal  int64                   `json:"bus_published_total"`
	BusConsumedTotal   int64                   `json:"bus_consumed_total"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		kycDecision: map[string]int64{},
		amlHit:      map[string]int64{},
		daoVote:     map[string]int64{},
		alertsBySev: map[string]int64{},
		cacheTotals: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
	stat.LastStatusCode = status
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) IncKYCDecision(decision string) {
	r.mu.Lock()
	r.kycDecision[decision]++
	r.mu.Unlock()
}

func (r *Registry) IncAMLHit(rule string) {
	r.mu.Lock()
	r.amlHit[rule]++
	r.mu.Unlock()
}

func (r *Registry) IncDAOVote(choice string) {
	r.mu.Lock()
	r.daoVote[choice]++
	r.mu.Unlock()
}

func (r *Registry) IncAlert(severity string) {
	r.mu.Lock()
	r.alertsBySev[severity]++
	r.mu.Unlock()
}

func (r *Registry) IncCache(outcome string) {
	r.mu.Lock()
	r.cacheTotals[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncBusPublished() {
	r.mu.Lock()
	r.busPublished++
	r.mu.Unlock()
}

func (r *Registry) IncBusConsumed() {
	r.mu.Lock()
	r.busConsumed++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) ObserveScreening(d time.Duration) {
	ms := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.screenLatency.Count++
	r.screenLatency.TotalMS += ms
	r.screenLatency.LastMS = ms
	if ms > r.screenLatency.MaxMS {
		r.screenLatency.MaxMS = ms
	}
	r.screenLatency.AvgMS = float64(r.screenLatency.TotalMS) / float64(r.screenLatency.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          map[string]EndpointStat{},
		KYCDecisions:       copyCounts(r.kycDecision),
		AMLHits:            copyCounts(r.amlHit),
		DAOVotes:           copyCounts(r.daoVote),
		AlertsBySeverity:   copyCounts(r.alertsBySev),
		CacheTotals:        copyCounts(r.cacheTotals),
		Gauges:             map[string]float64{},
		ScreeningLatencyMS: r.screenLatency,
		BusPublishedTotal:  r.busPublished,
		BusConsumedTotal:   r.busConsumed,
		Histograms:         r.Histograms.Snapshots(),
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}

// Middleware records per-endpoint latency and status for every request.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		d := time.Since(start)
		r.Observe(req.Method+" "+req.URL.Path, rec.status, d)
		r.ObserveLatency(req.URL.Path, d)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
