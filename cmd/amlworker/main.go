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
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/hardening"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/metrics"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/statebus"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/joho/godotenv"
)

// Worker drains the transaction topic, runs monitoring rules on every
// transaction and pattern scans over rolling batches, and appends the
// resulting cases and findings to the audit trail.
type Worker struct {
	Consumer statebus.Consumer
	DB       workerDB
	Monitor  *aml.Monitor
	Scanner  *auditscan.Scanner
	Audit    *audit.Writer
	Events   *stream.Hub
	Metrics  *metrics.Registry

	// ScanBatch transactions trigger one pattern scan; ScanOverlap of them
	// are carried into the next batch so pairs straddling a boundary are
	// still seen together.
	ScanBatch   int
	ScanOverlap int

	batch []models.Transaction
}

// Run consumes until the context is cancelled or the consumer fails.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.Consumer.ReadMessage(ctx)
		if err != nil {
			return err
		}
		if err := w.handle(ctx, msg); err != nil {
			log.Printf("amlworker: %v", err)
		}
	}
}

// handle processes one bus message. Malformed payloads are logged and
// dropped rather than wedging the partition.
func (w *Worker) handle(ctx context.Context, msg statebus.Message) error {
	w.Metrics.IncBusConsumed()

	var tx models.Transaction
	if err := json.Unmarshal(msg.Value, &tx); err != nil {
		return fmt.Errorf("drop malformed message key=%q: %w", msg.Key, err)
	}
	if tx.ID == "" || tx.CustomerID == "" {
		return fmt.Errorf("drop message key=%q: transaction id and customer_id required", msg.Key)
	}
	if tx.OccurredAt.IsZero() {
		tx.OccurredAt = time.Now().UTC()
	}

	amlCase, err := w.Monitor.Observe(tx)
	if err != nil {
		return fmt.Errorf("observe %s: %w", tx.ID, err)
	}
	if amlCase != nil {
		w.openCase(ctx, tx, amlCase)
	}

	w.batch = append(w.batch, tx)
	if len(w.batch) >= w.ScanBatch {
		w.scanBatch(ctx)
	}
	return nil
}

func (w *Worker) openCase(ctx context.Context, tx models.Transaction, c *models.AMLCase) {
	for _, reason := range c.Reasons {
		w.Metrics.IncAMLHit(reason)
	}
	if _, err := w.DB.Exec(ctx, `
		INSERT INTO aml_cases (id, customer_id, risk_level, reasons, evidence, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.ID, c.CustomerID, c.RiskLevel, c.Reasons, c.Evidence, c.OpenedAt); err != nil {
		log.Printf("amlworker: insert case %s: %v", c.ID, err)
	}
	payload, _ := json.Marshal(c)
	if err := w.Audit.Append(ctx, audit.Record{
		EventID:    c.ID,
		Kind:       models.EventAMLCaseOpened,
		Tenant:     tx.Tenant,
		SubjectID:  c.CustomerID,
		Payload:    payload,
		Outcome:    c.RiskLevel,
		ReasonCode: strings.Join(c.Reasons, ","),
		CreatedAt:  c.OpenedAt,
	}); err != nil {
		log.Printf("amlworker: append case %s: %v", c.ID, err)
	}
	w.Events.Publish(stream.NewEvent(models.EventAMLCaseOpened, c))
	log.Printf("amlworker: opened %s case %s for customer %s (%s)",
		c.RiskLevel, c.ID, c.CustomerID, strings.Join(c.Reasons, ","))
}

func (w *Worker) scanBatch(ctx context.Context) {
	findings := w.Scanner.Scan(w.batch)
	for _, f := range findings {
		w.recordFinding(ctx, f)
	}
	overlap := w.ScanOverlap
	if overlap > len(w.batch) {
		overlap = len(w.batch)
	}
	w.batch = append(w.batch[:0], w.batch[len(w.batch)-overlap:]...)
}

func (w *Worker) recordFinding(ctx context.Context, f auditscan.Finding) {
	w.Metrics.IncAlert(f.Severity)
	payload, _ := json.Marshal(f)
	subject := ""
	if len(f.Accounts) > 0 {
		subject = f.Accounts[0]
	}
	if err := w.Audit.Append(ctx, audit.Record{
		EventID:    uuid.New().String(),
		Kind:       models.EventAuditFinding,
		SubjectID:  subject,
		Payload:    payload,
		Outcome:    f.Severity,
		ReasonCode: f.Pattern,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		log.Printf("amlworker: append finding %s: %v", f.Pattern, err)
	}
	w.Events.Publish(stream.NewEvent(models.EventAuditFinding, f))
}

// workerDB is the slice of pgxpool.Pool the worker needs, kept narrow so
// tests can substitute a fake.
type workerDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type workerInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type workerOpenDBFunc func(ctx context.Context) (workerDB, error)
type workerOpenConsumerFunc func() (statebus.Consumer, error)
type workerListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryW  = telemetry.Init
	openDBFnW       = func(ctx context.Context) (workerDB, error) { return store.NewPostgresPool(ctx) }
	openConsumerFnW = func() (statebus.Consumer, error) {
		return statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers: strings.Split(env("KAFKA_BROKERS", ""), ","),
			Topic:   env("KAFKA_TOPIC", "transactions"),
			GroupID: env("KAFKA_GROUP_ID", "amlworker"),
		})
	}
	listenFnW = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	_ = godotenv.Load()
	if err := runWorker(initTelemetryW, openDBFnW, openConsumerFnW, listenFnW); err != nil {
		logFatalf("amlworker: %v", err)
	}
}

func runWorker(
	initTelemetry workerInitTelemetryFunc,
	openDB workerOpenDBFunc,
	openConsumer workerOpenConsumerFunc,
	listen workerListenFunc,
) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := initTelemetry(ctx, "amlworker")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	consumer, err := openConsumer()
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "amlworker",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseURL:        env("DATABASE_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUDIT_HASH_SALT", Value: os.Getenv("AUDIT_HASH_SALT")},
		},
	}); err != nil {
		return err
	}

	worker := &Worker{
		Consumer: consumer,
		DB:       pool,
		Monitor: aml.NewMonitor(aml.MonitorConfig{
			Window:              envDurationSec("AML_WINDOW_SEC", int((24 * time.Hour).Seconds())),
			StructuringBandLow:  envInt64("AML_STRUCTURING_BAND_LOW_IDR", 450_000_000),
			StructuringMinCount: envInt("AML_STRUCTURING_MIN_COUNT", 3),
			VelocityMaxCount:    envInt("AML_VELOCITY_MAX_COUNT", 20),
			RoundAmountMinCount: envInt("AML_ROUND_AMOUNT_MIN_COUNT", 5),
		}),
		Scanner: auditscan.NewScanner(),
		Audit: &audit.Writer{
			DB:       pool,
			HashSalt: []byte(os.Getenv("AUDIT_HASH_SALT")),
			Redact:   env("AUDIT_REDACT", "true") == "true",
		},
		Events:      stream.NewHub(),
		Metrics:     metrics.NewRegistry(),
		ScanBatch:   envInt("SCAN_BATCH", 200),
		ScanOverlap: envInt("SCAN_OVERLAP", 50),
	}
	if worker.ScanBatch < 1 {
		worker.ScanBatch = 1
	}
	if worker.ScanOverlap >= worker.ScanBatch {
		worker.ScanOverlap = worker.ScanBatch - 1
	}

	// Small sidecar server: health, metrics and the case event stream.
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "amlworker"})
	})
	r.Get("/metrics", worker.Metrics.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- worker.Run(ctx) }()

	addr := env("ADDR", ":8091")
	log.Printf("amlworker listening on %s, consuming %s", addr, env("KAFKA_TOPIC", "transactions"))
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if listen == nil {
			return
		}
		if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	err = <-errCh
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
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

func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
