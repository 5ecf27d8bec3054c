package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/aml"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/audit"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/auditscan"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/auth"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/compliance"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/dbopt"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/hardening"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/kyc"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/metrics"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/ratelimit"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/statebus"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	KYC                 *kyc.Service
	Screener            *aml.Screener
	Scanner             *auditscan.Scanner
	PDP                 *compliance.PDPLedger
	OJK                 *compliance.OJKSubmitter
	Audit               auditStore
	Bus                 statebus.Publisher
	Events              *stream.Hub
	Metrics             *metrics.Registry
	RateLimiter         ratelimit.Limiter
	RateLimitEnabled    bool
	RateLimitPerWindow  int
	Queries             *dbopt.Recorder
	PGPool              *pgxpool.Pool
	AuthMode            string
	AuthSecret          string
	MaxRequestBodyBytes int64
	ErasureRetention    time.Duration
	SweepInterval       time.Duration
}

// recordingDB feeds every statement through the query-stats recorder on its
// way to Postgres.
type recordingDB struct {
	inner gatewayDB
	rec   *dbopt.Recorder
}

func (d *recordingDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := d.inner.Exec(ctx, sql, args...)
	d.rec.Observe(sql, time.Since(start), tag.RowsAffected())
	return tag, err
}

func (d *recordingDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := d.inner.QueryRow(ctx, sql, args...)
	d.rec.Observe(sql, time.Since(start), 1)
	return row
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, eventID, tenant string) (audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenBusFunc func() (statebus.Publisher, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	openBusFnG     = func() (statebus.Publisher, error) {
		return statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", ""), ","),
			Topic:   env("KAFKA_TOPIC", "transactions"),
		})
	}
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(s *Server) {
		go s.metricsLoop(context.Background())
		if s.PDP != nil && s.SweepInterval > 0 {
			go s.sweepErasuresLoop(context.Background())
		}
	}
)

func main() {
	_ = godotenv.Load()
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openBusFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openBus gatewayOpenBusFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	bus, err := openBus()
	if err != nil {
		log.Printf("kafka unavailable, transaction ingest disabled: %v", err)
		bus = nil
	}
	if bus != nil {
		defer bus.Close()
	}

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}
	auditSalt := env("AUDIT_HASH_SALT", "")
	auditRedact := strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "true")), "true")

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000))})

	queries := dbopt.NewRecorder(time.Millisecond * time.Duration(envInt("SLOW_QUERY_THRESHOLD_MS", 200)))
	db := &recordingDB{inner: pool, rec: queries}

	s := &Server{
		DB:                  db,
		Cache:               cache,
		Redis:               redisClient,
		KYC:                 kyc.NewService(db, cache),
		Screener:            aml.NewScreener(),
		Scanner:             auditscan.NewScanner(),
		OJK:                 compliance.NewOJKSubmitter(env("OJK_ENDPOINT", ""), env("OJK_TOKEN", ""), httpClient, cache),
		Audit:               &audit.Writer{DB: db, HashSalt: []byte(auditSalt), Redact: auditRedact},
		Queries:             queries,
		Bus:                 bus,
		Events:              stream.NewHub(),
		Metrics:             metrics.NewRegistry(),
		RateLimitEnabled:    env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerWindow:  envInt("RATE_LIMIT_PER_WINDOW", 240),
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		ErasureRetention:    24 * time.Hour * time.Duration(envInt("PDP_ERASURE_RETENTION_DAYS", 30)),
		SweepInterval:       time.Second * time.Duration(envInt("PDP_SWEEP_INTERVAL_SEC", 3600)),
	}
	if redisClient != nil {
		s.PDP = compliance.NewPDPLedger(redisClient)
	}
	if pp, ok := pool.(*pgxpool.Pool); ok {
		s.PGPool = pp
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(s.AuthMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.IsProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:           env("DATABASE_URL", ""),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: s.AuthSecret},
			{Name: "AUDIT_HASH_SALT", Value: auditSalt},
		},
	}); err != nil {
		return err
	}
	if s.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "gateway"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		s.AuthMode,
		s.AuthSecret,
		auth.WithIssuer(env("AUTH_ISSUER", "sangkuriang")),
		auth.WithAudience(env("AUTH_AUDIENCE", "gateway")),
	))
	authRouter.Use(s.rateLimitMiddleware)
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Post("/v1/kyc/submissions", s.withRoles(s.submitKYC, "customer", "kycofficer", "operator"))
	authRouter.Get("/v1/kyc/{customer_id}/status", s.withRoles(s.kycStatus, "customer", "kycofficer", "complianceofficer", "operator"))
	authRouter.Post("/v1/aml/screen", s.withRoles(s.screenName, "kycofficer", "amlanalyst", "complianceofficer"))
	authRouter.Post("/v1/transactions", s.withRoles(s.ingestTransaction, "operator", "amlanalyst"))
	authRouter.Post("/v1/audit/scan", s.withRoles(s.runAuditScan, "amlanalyst", "auditor", "complianceofficer"))
	authRouter.Get("/v1/audit/{event_id}", s.withRoles(s.getAudit, "auditor", "complianceofficer", "operator"))
	authRouter.Post("/v1/compliance/ojk/reports", s.withRoles(s.submitOJKReport, "complianceofficer"))
	authRouter.Get("/v1/compliance/ojk/reports/{report_id}", s.withRoles(s.ojkReportStatus, "complianceofficer", "auditor"))
	authRouter.Post("/v1/compliance/pdp/consents", s.withRoles(s.grantConsent, "customer", "complianceofficer", "operator"))
	authRouter.Post("/v1/compliance/pdp/consents/revoke", s.withRoles(s.revokeConsent, "customer", "complianceofficer", "operator"))
	authRouter.Get("/v1/compliance/pdp/consents", s.withRoles(s.listConsents, "complianceofficer", "auditor", "operator"))
	authRouter.Post("/v1/compliance/pdp/erasures", s.withRoles(s.openErasure, "customer", "complianceofficer"))
	authRouter.Patch("/v1/compliance/pdp/erasures/{request_id}", s.withRoles(s.advanceErasure, "complianceofficer"))
	authRouter.Get("/v1/compliance/pdp/erasures/{request_id}", s.withRoles(s.getErasure, "complianceofficer", "auditor"))
	authRouter.Post("/v1/compliance/tax/calculate", s.withRoles(s.calculateTax, "customer", "complianceofficer", "operator"))
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "operator", "complianceofficer", "auditor"))
	authRouter.Get("/v1/db/queries", s.withRoles(s.dbQueryReport, "platformengineer", "operator"))
	authRouter.Get("/v1/db/pool", s.withRoles(s.dbPoolReport, "platformengineer", "operator"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
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

func (s *Server) submitKYC(w http.ResponseWriter, r *http.Request) {
	var req kyc.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.CustomerID) == "" {
		httpx.Error(w, 400, "customer_id required")
		return
	}
	if tenant, scoped := s.tenantScope(r.Context()); scoped {
		req.Tenant = tenant
	}
	sub, created, err := s.KYC.Submit(r.Context(), req)
	switch {
	case errors.Is(err, kyc.ErrInvalidNIK), errors.Is(err, kyc.ErrEmptyDocument):
		httpx.Error(w, 400, err.Error())
		return
	case err != nil:
		httpx.Error(w, 500, "kyc submission failed")
		return
	}
	if !created {
		// Idempotent replay: the customer is already verified, return the
		// standing decision without a second audit event.
		httpx.WriteJSON(w, 200, sub)
		return
	}
	s.Metrics.IncKYCDecision(sub.Decision)
	s.appendAudit(r.Context(), audit.Record{
		EventID:    sub.ID,
		Kind:       models.EventKYCDecision,
		Tenant:     sub.Tenant,
		SubjectID:  sub.CustomerID,
		Payload:    kyc.MarshalEvidence(sub),
		Outcome:    sub.Decision,
		ReasonCode: strings.Join(sub.Reasons, ","),
	})
	s.Events.Publish(stream.NewEvent(models.EventKYCDecision, map[string]string{
		"submission_id": sub.ID,
		"customer_id":   sub.CustomerID,
		"decision":      sub.Decision,
	}))
	httpx.WriteJSON(w, 201, sub)
}

func (s *Server) kycStatus(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")
	tenant, _ := s.tenantScope(r.Context())
	sub, err := s.KYC.Status(r.Context(), tenant, customerID)
	if errors.Is(err, kyc.ErrNotFound) {
		httpx.Error(w, 404, "not found")
		return
	}
	if err != nil {
		httpx.Error(w, 500, "status lookup failed")
		return
	}
	httpx.WriteJSON(w, 200, sub)
}

func (s *Server) screenName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		FullName   string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(req.FullName) == "" {
		httpx.Error(w, 400, "full_name required")
		return
	}
	start := time.Now()
	matches := s.Screener.Screen(req.FullName)
	s.Metrics.ObserveScreening(time.Since(start))
	blocked := aml.IsBlocked(matches)
	for _, m := range matches {
		s.Metrics.IncAMLHit(m.ListName)
	}
	tenant, _ := s.tenantScope(r.Context())
	payload, _ := json.Marshal(map[string]interface{}{"matches": matches, "full_name": req.FullName})
	outcome := "clear"
	if blocked {
		outcome = "blocked"
	} else if len(matches) > 0 {
		outcome = "review"
	}
	s.appendAudit(r.Context(), audit.Record{
		EventID:   uuid.New().String(),
		Kind:      models.EventAMLScreening,
		Tenant:    tenant,
		SubjectID: req.CustomerID,
		Payload:   payload,
		Outcome:   outcome,
	})
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"matches": matches,
		"blocked": blocked,
	})
}

func (s *Server) ingestTransaction(w http.ResponseWriter, r *http.Request) {
	if s.Bus == nil {
		httpx.Error(w, 503, "transaction bus unavailable")
		return
	}
	var tx models.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if strings.TrimSpace(tx.CustomerID) == "" || tx.AmountIDR <= 0 {
		httpx.Error(w, 400, "customer_id and positive amount_idr required")
		return
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = time.Now().UTC()
	}
	if tenant, scoped := s.tenantScope(r.Context()); scoped {
		tx.Tenant = tenant
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		httpx.Error(w, 400, "unencodable transaction")
		return
	}
	if err := s.Bus.Publish(r.Context(), []byte(tx.CustomerID), payload); err != nil {
		httpx.Error(w, 502, "publish failed")
		return
	}
	s.Metrics.IncBusPublished()
	httpx.WriteJSON(w, 202, map[string]string{"id": tx.ID, "status": "accepted"})
}

func (s *Server) runAuditScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Transactions []models.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if len(req.Transactions) == 0 {
		httpx.Error(w, 400, "transactions required")
		return
	}
	findings := s.Scanner.Scan(req.Transactions)
	tenant, _ := s.tenantScope(r.Context())
	for _, f := range findings {
		payload, _ := json.Marshal(f)
		s.appendAudit(r.Context(), audit.Record{
			EventID:    uuid.New().String(),
			Kind:       models.EventAuditFinding,
			Tenant:     tenant,
			Payload:    payload,
			Outcome:    f.Severity,
			ReasonCode: f.Pattern,
		})
		s.Events.Publish(stream.NewEvent(models.EventAuditFinding, f))
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"findings": findings,
		"scanned":  len(req.Transactions),
	})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "event_id")
	tenant, _ := s.tenantScope(r.Context())
	rec, err := s.Audit.Get(r.Context(), eventID, tenant)
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"event_id":    rec.EventID,
		"kind":        rec.Kind,
		"subject_id":  rec.SubjectID,
		"payload":     json.RawMessage(rec.Payload),
		"outcome":     rec.Outcome,
		"reason_code": rec.ReasonCode,
		"created_at":  rec.CreatedAt,
	})
}

func (s *Server) submitOJKReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Period          string               `json:"period"`
		Transactions    []models.Transaction `json:"transactions"`
		SuspiciousCases int                  `json:"suspicious_cases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	tenant, _ := s.tenantScope(r.Context())
	report, err := compliance.BuildMonthlyReport(tenant, req.Period, req.Transactions, req.SuspiciousCases)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	submitted, err := s.OJK.Submit(r.Context(), report)
	if err != nil {
		httpx.Error(w, 502, "ojk submission failed")
		return
	}
	payload, _ := json.Marshal(submitted)
	s.appendAudit(r.Context(), audit.Record{
		EventID: submitted.ID,
		Kind:    models.EventOJKReport,
		Tenant:  tenant,
		Payload: payload,
		Outcome: submitted.Status,
	})
	httpx.WriteJSON(w, 200, submitted)
}

func (s *Server) ojkReportStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.OJK.Status(r.Context(), chi.URLParam(r, "report_id"))
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, report)
}

func (s *Server) grantConsent(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
		Purpose    string `json:"purpose"`
		TTLDays    int    `json:"ttl_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	ttl := 24 * time.Hour * time.Duration(req.TTLDays)
	consent, err := ledger.GrantConsent(r.Context(), req.CustomerID, req.Purpose, ttl)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 201, consent)
}

func (s *Server) revokeConsent(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
		Purpose    string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	if err := ledger.RevokeConsent(r.Context(), req.CustomerID, req.Purpose); err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "revoked"})
}

func (s *Server) listConsents(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
	if customerID == "" {
		httpx.Error(w, 400, "customer_id required")
		return
	}
	consents, err := ledger.ListConsents(r.Context(), customerID)
	if err != nil {
		httpx.Error(w, 500, "failed to list consents")
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"items": consents})
}

func (s *Server) openErasure(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	var req struct {
		CustomerID string `json:"customer_id"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	er, err := ledger.OpenErasure(r.Context(), req.CustomerID, req.Reason)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	tenant, _ := s.tenantScope(r.Context())
	payload, _ := json.Marshal(er)
	s.appendAudit(r.Context(), audit.Record{
		EventID:   er.ID,
		Kind:      models.EventPDPErasure,
		Tenant:    tenant,
		SubjectID: req.CustomerID,
		Payload:   payload,
		Outcome:   er.Status,
	})
	httpx.WriteJSON(w, 201, er)
}

func (s *Server) advanceErasure(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	er, err := ledger.AdvanceErasure(r.Context(), chi.URLParam(r, "request_id"), req.Status)
	if err != nil {
		httpx.Error(w, 409, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, er)
}

func (s *Server) getErasure(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.pdpLedger(w)
	if !ok {
		return
	}
	er, err := ledger.GetErasure(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, er)
}

func (s *Server) calculateTax(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountIDR          int64 `json:"amount_idr"`
		RegisteredExchange bool  `json:"registered_exchange"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, 400, "invalid json")
		return
	}
	breakdown, err := compliance.CalculateCryptoTax(req.AmountIDR, req.RegisteredExchange)
	if err != nil {
		httpx.Error(w, 400, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, breakdown)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(envDurationSec("METRICS_GAUGE_INTERVAL_SEC", 30))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("stream.subscribers", float64(s.Events.SubscriberCount()))
		}
	}
}

func (s *Server) sweepErasuresLoop(ctx context.Context) {
	ticker := time.NewTicker(s.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.PDP.SweepErasures(ctx, s.ErasureRetention)
			if err != nil {
				log.Printf("pdp erasure sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("pdp erasure sweep purged %d requests", swept)
			}
		}
	}
}

func (s *Server) dbQueryReport(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"queries":     s.Queries.Report(),
		"slow":        s.Queries.SlowQueries(),
		"suggestions": dbopt.AdviseIndexes(s.Queries),
	})
}

func (s *Server) dbPoolReport(w http.ResponseWriter, r *http.Request) {
	if s.PGPool == nil {
		httpx.Error(w, 503, "pool stats unavailable")
		return
	}
	stats := dbopt.ReadPoolStats(s.PGPool)
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"stats":       stats,
		"suggestions": dbopt.AdvisePool(stats),
	})
}

func (s *Server) pdpLedger(w http.ResponseWriter) (*compliance.PDPLedger, bool) {
	if s.PDP == nil {
		httpx.Error(w, 503, "pdp ledger unavailable")
		return nil, false
	}
	return s.PDP, true
}

func (s *Server) appendAudit(ctx context.Context, rec audit.Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append failed for %s: %v", rec.Kind, err)
	}
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RateLimitEnabled || s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "ip:" + clientIP(r)
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Subject != "" {
			key = "sub:" + principal.Subject
		}
		decision := s.RateLimiter.Allow(key, s.RateLimitPerWindow)
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httpx.Error(w, 429, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) tenantScope(ctx context.Context) (string, bool) {
	if strings.EqualFold(s.AuthMode, "off") {
		return "", false
	}
	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return "", false
	}
	if auth.HasAnyRole(principal, "complianceofficer", "auditor", "platformengineer") {
		return "", false
	}
	if principal.Tenant == "" {
		return "", false
	}
	return principal.Tenant, true
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
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
