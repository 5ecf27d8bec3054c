//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMigrationsAgainstRealPostgres applies the real migrations directory to
// a throwaway container and exercises the resulting schema.
// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigrationsAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sangkuriang"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	// Schema in place: the service insert shapes must be accepted.
	_, err = pool.Exec(ctx, `
		INSERT INTO kyc_submissions
		(id, tenant, customer_id, nik_hash, doc_type, ocr_score, face_match_score, liveness_score, composite_score, decision, reasons, created_at)
		VALUES ('sub-1', 'tenant-a', 'cust-1', 'abc', 'KTP', 0.9, 0.9, 0.9, 0.9, 'VERIFIED', '{OK}', now())
	`)
	if err != nil {
		t.Fatalf("kyc_submissions insert: %v", err)
	}
	_, err = pool.Exec(ctx, `
		INSERT INTO audit_records
		(event_id, kind, tenant, subject_id, payload, outcome, reason_code, created_at)
		VALUES ('evt-1', 'kyc.decision', 'tenant-a', 'cust-1', '{"ok":true}', 'VERIFIED', '', now())
	`)
	if err != nil {
		t.Fatalf("audit_records insert: %v", err)
	}

	_, err = pool.Exec(ctx, `
		INSERT INTO aml_cases (id, customer_id, risk_level, reasons, evidence, opened_at)
		VALUES ('case-1', 'cust-1', 'HIGH', '{LARGE_CASH}', '{"window_size":1}', now())
	`)
	if err != nil {
		t.Fatalf("aml_cases insert: %v", err)
	}

	var applied int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count applied: %v", err)
	}
	if applied != 4 {
		t.Fatalf("expected 4 applied migrations, got %d", applied)
	}

	// Second run is a no-op.
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("second runMigrations: %v", err)
	}
}
