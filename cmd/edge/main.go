package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/auth"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/cdn"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/hardening"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/lb"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/metrics"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/monitor"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
)

type Server struct {
	Pool       *lb.Pool
	Checker    *lb.Checker
	Autoscaler *lb.Autoscaler
	Proxy      *lb.Proxy
	CDN        *cdn.Manager
	Collector  *monitor.Collector
	Evaluator  *monitor.Evaluator
	Events     *stream.Hub
	Metrics    *metrics.Registry
	AuthMode   string
	AuthSecret string
	CacheGET   bool
}

// simProvisioner clones the first configured backend onto fresh ports. It
// stands in for a real orchestrator in environments without one.
type simProvisioner struct {
	pool *lb.Pool

	mu    sync.Mutex
	next  int
	added []string
}

func newSimProvisioner(pool *lb.Pool) *simProvisioner {
	return &simProvisioner{pool: pool, next: 1}
}

func (p *simProvisioner) ScaleUp(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	backends := p.pool.Backends()
	if len(backends) == 0 {
		return errors.New("no backend to clone")
	}
	base := backends[0].URL
	clone := *base
	port := 19000 + p.next
	p.next++
	clone.Host = clone.Hostname() + ":" + strconv.Itoa(port)
	p.pool.Add(&clone, backends[0].Weight)
	p.added = append(p.added, clone.String())
	log.Printf("edge: provisioned simulated replica %s", clone.String())
	return nil
}

func (p *simProvisioner) ScaleDown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.added) == 0 {
		return errors.New("no simulated replica to remove")
	}
	last := p.added[len(p.added)-1]
	p.added = p.added[:len(p.added)-1]
	p.pool.Remove(last)
	log.Printf("edge: removed simulated replica %s", last)
	return nil
}

type edgeInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type edgeListenFunc func(server *http.Server) error
type edgeStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryE = telemetry.Init
	listenFnE      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnE  = func(ctx context.Context, s *Server) {
		go s.Checker.Run(ctx)
		go s.Autoscaler.Run(ctx, envDurationSec("AUTOSCALE_INTERVAL_SEC", 30))
		go s.Collector.Run(ctx, envDurationSec("MONITOR_SAMPLE_INTERVAL_SEC", 10))
		go s.Evaluator.Run(ctx, envDurationSec("MONITOR_EVAL_INTERVAL_SEC", 15))
		go s.cacheSweepLoop(ctx)
	}
)

func main() {
	_ = godotenv.Load()
	if err := runEdge(initTelemetryE, listenFnE, startLoopsFnE); err != nil {
		logFatalf("edge: %v", err)
	}
}

func runEdge(
	initTelemetry edgeInitTelemetryFunc,
	listen edgeListenFunc,
	startLoops edgeStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "edge")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := buildPool(lb.Strategy(env("LB_STRATEGY", string(lb.RoundRobin))), env("BACKENDS", ""))
	if err != nil {
		return err
	}

	checker := lb.NewChecker(pool)
	checker.Path = env("HEALTH_PATH", "/healthz")
	checker.Interval = envDurationSec("HEALTH_INTERVAL_SEC", 10)
	checker.Timeout = envDurationSec("HEALTH_TIMEOUT_SEC", 2)
	checker.FailThreshold = envInt("HEALTH_FAIL_THRESHOLD", 3)
	checker.PassThreshold = envInt("HEALTH_PASS_THRESHOLD", 2)

	scaler := lb.NewAutoscaler(pool, newSimProvisioner(pool))
	scaler.HighWater = envFloat("AUTOSCALE_HIGH_WATER", scaler.HighWater)
	scaler.LowWater = envFloat("AUTOSCALE_LOW_WATER", scaler.LowWater)
	scaler.MinReplicas = envInt("AUTOSCALE_MIN_REPLICAS", scaler.MinReplicas)
	scaler.MaxReplicas = envInt("AUTOSCALE_MAX_REPLICAS", scaler.MaxReplicas)
	scaler.Cooldown = envDurationSec("AUTOSCALE_COOLDOWN_SEC", 120)

	hub := stream.NewHub()
	collector := monitor.NewCollector(envInt("MONITOR_CAPACITY", 360))
	evaluator := monitor.NewEvaluator(collector, monitor.HubNotifier{Hub: hub}, monitor.WebhookNotifier{
		URL:     env("ALERT_WEBHOOK_URL", ""),
		Retries: envInt("ALERT_WEBHOOK_RETRIES", 1),
	})
	evaluator.AddRule(monitor.Rule{
		Name:      "cpu_high",
		Metric:    monitor.MetricCPUPercent,
		Op:        ">",
		Threshold: envFloat("ALERT_CPU_PERCENT", 90),
		Sustain:   envDurationSec("ALERT_CPU_SUSTAIN_SEC", 60),
		Severity:  monitor.SeverityCritical,
		Cooldown:  envDurationSec("ALERT_COOLDOWN_SEC", 300),
	})
	evaluator.AddRule(monitor.Rule{
		Name:      "memory_high",
		Metric:    monitor.MetricMemPercent,
		Op:        ">",
		Threshold: envFloat("ALERT_MEM_PERCENT", 85),
		Sustain:   envDurationSec("ALERT_MEM_SUSTAIN_SEC", 60),
		Severity:  monitor.SeverityWarning,
		Cooldown:  envDurationSec("ALERT_COOLDOWN_SEC", 300),
	})

	s := &Server{
		Pool:       pool,
		Checker:    checker,
		Autoscaler: scaler,
		Proxy:      lb.NewProxy(pool),
		CDN: cdn.NewManager(
			envInt("CDN_MAX_ENTRIES", 4096),
			int64(envInt("CDN_MAX_BYTES", 64<<20)),
			envDurationSec("CDN_TTL_SEC", 60),
		),
		Collector:  collector,
		Evaluator:  evaluator,
		Events:     hub,
		Metrics:    metrics.NewRegistry(),
		AuthMode:   env("AUTH_MODE", "token"),
		AuthSecret: env("EDGE_ADMIN_TOKEN", ""),
		CacheGET:   env("CDN_CACHE_GET", "true") == "true",
	}
	s.CDN.Loader = s.originLoader
	collector.RegisterGauge("lb.backends_healthy", func() float64 { return float64(pool.HealthyLen()) })
	collector.RegisterGauge("lb.active_requests", func() float64 { return float64(pool.TotalActive()) })
	collector.RegisterGauge("cdn.entries", func() float64 { return float64(s.CDN.Len()) })

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") && hardening.IsProductionLikeEnv(runtimeEnv) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "edge",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "EDGE_ADMIN_TOKEN", Value: s.AuthSecret},
		},
	}); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("edge"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "edge"})
	})

	adminRouter := chi.NewRouter()
	adminRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	adminRouter.Get("/metrics", s.Metrics.Handler())
	adminRouter.Get("/v1/backends", s.listBackends)
	adminRouter.Post("/v1/backends", s.addBackend)
	adminRouter.Post("/v1/backends/remove", s.removeBackend)
	adminRouter.Post("/v1/health/check", s.runHealthCheck)
	adminRouter.Get("/v1/autoscaler", s.autoscalerStatus)
	adminRouter.Post("/v1/autoscaler/evaluate", s.autoscalerEvaluate)
	adminRouter.Get("/v1/cache/stats", s.cacheStats)
	adminRouter.Post("/v1/cache/purge", s.cachePurge)
	adminRouter.Get("/v1/monitor/samples", s.monitorSamples)
	adminRouter.Get("/v1/monitor/alerts", s.monitorAlerts)
	adminRouter.Post("/v1/monitor/rules", s.addAlertRule)
	r.Mount("/admin", adminRouter)

	r.NotFound(s.serveTraffic)

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("edge listening on %s with %d backends", addr, pool.Len())
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// buildPool parses BACKENDS, a comma list of url[=weight] pairs.
func buildPool(strategy lb.Strategy, raw string) (*lb.Pool, error) {
	pool := lb.NewPool(strategy)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		weight := 1
		if i := strings.LastIndex(part, "="); i > 0 {
			if n, err := strconv.Atoi(part[i+1:]); err == nil && n > 0 {
				weight = n
				part = part[:i]
			}
		}
		u, err := url.Parse(part)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid backend %q", part)
		}
		pool.Add(u, weight)
	}
	return pool, nil
}

// serveTraffic is the data path: cacheable GETs go through the CDN manager,
// everything else straight to the proxy.
func (s *Server) serveTraffic(w http.ResponseWriter, r *http.Request) {
	if !s.CacheGET || r.Method != http.MethodGet {
		s.Proxy.ServeHTTP(w, r)
		return
	}
	key := r.URL.RequestURI()
	body, err := s.CDN.Get(r.Context(), key)
	if errors.Is(err, cdn.ErrNotFound) {
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		s.Metrics.IncCache("error")
		httpx.Error(w, 502, "origin fetch failed")
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(body))
	w.WriteHeader(200)
	_, _ = w.Write(body)
}

// originLoader fetches a cache miss from the next healthy backend.
func (s *Server) originLoader(ctx context.Context, key string) ([]byte, error) {
	backend, err := s.Pool.Next()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, backend.URL.String()+key, nil)
	if err != nil {
		return nil, err
	}
	client := s.Checker.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, cdn.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("origin status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

func (s *Server) listBackends(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"strategy": s.Pool.Strategy(),
		"backends": s.Pool.Snapshot(),
	})
}

func (s *Server) addBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL    string `json:"url"`
		Weight int    `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		httpx.Error(w, 400, "valid url required")
		return
	}
	s.Pool.Add(u, req.Weight)
	httpx.WriteJSON(w, 201, map[string]interface{}{"backends": s.Pool.Snapshot()})
}

func (s *Server) removeBackend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if !s.Pool.Remove(strings.TrimSpace(req.URL)) {
		httpx.Error(w, 404, "backend not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"backends": s.Pool.Snapshot()})
}

func (s *Server) runHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.Checker.CheckAll(r.Context())
	httpx.WriteJSON(w, 200, map[string]interface{}{"backends": s.Pool.Snapshot()})
}

func (s *Server) autoscalerStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"load":         s.Autoscaler.Load(),
		"replicas":     s.Pool.Len(),
		"healthy":      s.Pool.HealthyLen(),
		"high_water":   s.Autoscaler.HighWater,
		"low_water":    s.Autoscaler.LowWater,
		"min_replicas": s.Autoscaler.MinReplicas,
		"max_replicas": s.Autoscaler.MaxReplicas,
	})
}

func (s *Server) autoscalerEvaluate(w http.ResponseWriter, r *http.Request) {
	action, err := s.Autoscaler.Evaluate(r.Context())
	if err != nil {
		httpx.Error(w, 500, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"action":   action,
		"load":     s.Autoscaler.Load(),
		"replicas": s.Pool.Len(),
	})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, s.CDN.Stats())
}

func (s *Server) cachePurge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key    string `json:"key"`
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	switch {
	case req.Key != "":
		purged := 0
		if s.CDN.Purge(req.Key) {
			purged = 1
		}
		httpx.WriteJSON(w, 200, map[string]int{"purged": purged})
	case req.Prefix != "":
		httpx.WriteJSON(w, 200, map[string]int{"purged": s.CDN.PurgePrefix(req.Prefix)})
	default:
		httpx.Error(w, 400, "key or prefix required")
	}
}

func (s *Server) monitorSamples(w http.ResponseWriter, r *http.Request) {
	since := time.Now().UTC().Add(-envDurationSec("MONITOR_WINDOW_SEC", 300))
	if raw := r.URL.Query().Get("since_sec"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			since = time.Now().UTC().Add(-time.Second * time.Duration(n))
		}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"samples": s.Collector.Since(since)})
}

func (s *Server) monitorAlerts(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"rules":  s.Evaluator.Rules(),
		"active": s.Evaluator.Active(),
	})
}

func (s *Server) addAlertRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string  `json:"name"`
		Metric      string  `json:"metric"`
		Op          string  `json:"op"`
		Threshold   float64 `json:"threshold"`
		SustainSec  int     `json:"sustain_sec"`
		Severity    string  `json:"severity"`
		CooldownSec int     `json:"cooldown_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if req.Name == "" || req.Metric == "" {
		httpx.Error(w, 400, "name and metric required")
		return
	}
	s.Evaluator.AddRule(monitor.Rule{
		Name:      req.Name,
		Metric:    req.Metric,
		Op:        req.Op,
		Threshold: req.Threshold,
		Sustain:   time.Second * time.Duration(req.SustainSec),
		Severity:  req.Severity,
		Cooldown:  time.Second * time.Duration(req.CooldownSec),
	})
	httpx.WriteJSON(w, 201, map[string]interface{}{"rules": s.Evaluator.Rules()})
}

func (s *Server) cacheSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("CDN_SWEEP_INTERVAL_SEC", 60))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.CDN.Sweep(); removed > 0 {
				log.Printf("edge: swept %d expired cache entries", removed)
			}
		}
	}
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
