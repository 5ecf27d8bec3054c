package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/aml"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/audit"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/auditscan"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/compliance"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/dbopt"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/kyc"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/metrics"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/ratelimit"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeGatewayDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	rowErr   error
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeGatewayRow{err: f.rowErr}
}

type fakeGatewayRow struct {
	err error
}

func (r *fakeGatewayRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return pgx.ErrNoRows
}

type fakePublisher struct {
	keys   [][]byte
	values [][]byte
	err    error
}

func (f *fakePublisher) Publish(ctx context.Context, key, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func newTestGateway(db *fakeGatewayDB) *Server {
	return &Server{
		DB:       db,
		Cache:    store.NewMemoryCache(),
		KYC:      kyc.NewService(db, store.NewMemoryCache()),
		Screener: aml.NewScreener(),
		Scanner:  auditscan.NewScanner(),
		Audit:    &audit.Writer{DB: db},
		Events:   stream.NewHub(),
		Metrics:  metrics.NewRegistry(),
		Queries:  dbopt.NewRecorder(200 * time.Millisecond),
		AuthMode: "off",
	}
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestSubmitKYCHappyPath(t *testing.T) {
	db := &fakeGatewayDB{rowErr: pgx.ErrNoRows}
	s := newTestGateway(db)

	rr := postJSON(t, s.submitKYC, "/v1/kyc/submissions", kyc.SubmitRequest{
		CustomerID:    "cust-1",
		NIK:           "3174012505900001",
		FullName:      "Budi Santoso",
		DocumentImage: []byte("ktp-front"),
		SelfieImage:   []byte("selfie"),
	})
	if rr.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var sub kyc.Submission
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.Decision == "" || sub.ID == "" {
		t.Fatalf("incomplete submission: %+v", sub)
	}
	snap := s.Metrics.Snapshot()
	if snap.KYCDecisions[sub.Decision] != 1 {
		t.Fatalf("expected kyc decision counter, got %v", snap.KYCDecisions)
	}
	// one insert for the submission, one for the audit record
	if len(db.execSQL) != 2 {
		t.Fatalf("expected 2 execs, got %d", len(db.execSQL))
	}
	if !strings.Contains(db.execSQL[1], "audit_records") {
		t.Fatalf("expected audit insert, got %s", db.execSQL[1])
	}
}

func TestSubmitKYCResubmitAfterVerifiedIsIdempotent(t *testing.T) {
	db := &fakeGatewayDB{rowErr: pgx.ErrNoRows}
	s := newTestGateway(db)
	req := kyc.SubmitRequest{
		CustomerID:    "cust-1",
		NIK:           "3174012505900001",
		FullName:      "Budi Santoso",
		DocumentImage: []byte("ktp-front"),
		SelfieImage:   []byte("selfie"),
	}

	first := postJSON(t, s.submitKYC, "/v1/kyc/submissions", req)
	if first.Code != 201 {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	var sub kyc.Submission
	if err := json.Unmarshal(first.Body.Bytes(), &sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.Decision != kyc.DecisionVerified {
		t.Fatalf("expected VERIFIED with a selfie, got %s", sub.Decision)
	}

	second := postJSON(t, s.submitKYC, "/v1/kyc/submissions", req)
	if second.Code != 200 {
		t.Fatalf("expected 200 replay, got %d: %s", second.Code, second.Body.String())
	}
	var replay kyc.Submission
	if err := json.Unmarshal(second.Body.Bytes(), &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if replay.ID != sub.ID {
		t.Fatalf("replay must return the standing submission, got %s want %s", replay.ID, sub.ID)
	}
	// submission + audit insert from the first call only
	if len(db.execSQL) != 2 {
		t.Fatalf("expected 2 execs, got %d", len(db.execSQL))
	}
	if snap := s.Metrics.Snapshot(); snap.KYCDecisions[kyc.DecisionVerified] != 1 {
		t.Fatalf("replay must not count a second decision, got %v", snap.KYCDecisions)
	}
}

func TestSubmitKYCRejectsBadNIK(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{rowErr: pgx.ErrNoRows})
	rr := postJSON(t, s.submitKYC, "/v1/kyc/submissions", kyc.SubmitRequest{
		CustomerID:    "cust-1",
		NIK:           "12345",
		DocumentImage: []byte("doc"),
	})
	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestKYCStatusNotFound(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{rowErr: pgx.ErrNoRows})
	r := chi.NewRouter()
	r.Get("/v1/kyc/{customer_id}/status", s.kycStatus)

	req := httptest.NewRequest(http.MethodGet, "/v1/kyc/cust-404/status", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestScreenNameBlockedAndClear(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})

	rr := postJSON(t, s.screenName, "/v1/aml/screen", map[string]string{
		"customer_id": "cust-1",
		"full_name":   "Agus Prasetyo Wibowo",
	})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Matches []models.ScreeningMatch `json:"matches"`
		Blocked bool                    `json:"blocked"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Blocked || len(resp.Matches) == 0 {
		t.Fatalf("expected sanctions block, got %+v", resp)
	}

	rr = postJSON(t, s.screenName, "/v1/aml/screen", map[string]string{
		"customer_id": "cust-2",
		"full_name":   "Rina Wulandari",
	})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp.Blocked = true
	resp.Matches = nil
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Blocked {
		t.Fatal("clean name must not block")
	}
}

func TestScreenNameRequiresFullName(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	rr := postJSON(t, s.screenName, "/v1/aml/screen", map[string]string{"customer_id": "cust-1"})
	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestIngestTransaction(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	pub := &fakePublisher{}
	s.Bus = pub

	rr := postJSON(t, s.ingestTransaction, "/v1/transactions", models.Transaction{
		CustomerID:  "cust-1",
		FromAccount: "acc-a",
		ToAccount:   "acc-b",
		AmountIDR:   1_000_000,
	})
	if rr.Code != 202 {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(pub.keys) != 1 || string(pub.keys[0]) != "cust-1" {
		t.Fatalf("expected publish keyed by customer, got %v", pub.keys)
	}
	var published models.Transaction
	if err := json.Unmarshal(pub.values[0], &published); err != nil {
		t.Fatalf("decode published tx: %v", err)
	}
	if published.ID == "" || published.OccurredAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", published)
	}
	if got := s.Metrics.Snapshot().BusPublishedTotal; got != 1 {
		t.Fatalf("expected 1 published, got %d", got)
	}
}

func TestIngestTransactionWithoutBus(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	rr := postJSON(t, s.ingestTransaction, "/v1/transactions", models.Transaction{
		CustomerID: "cust-1",
		AmountIDR:  500,
	})
	if rr.Code != 503 {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestIngestTransactionValidation(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	s.Bus = &fakePublisher{}
	rr := postJSON(t, s.ingestTransaction, "/v1/transactions", models.Transaction{CustomerID: "cust-1"})
	if rr.Code != 400 {
		t.Fatalf("expected 400 for non-positive amount, got %d", rr.Code)
	}
}

func TestRunAuditScan(t *testing.T) {
	db := &fakeGatewayDB{}
	s := newTestGateway(db)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	rr := postJSON(t, s.runAuditScan, "/v1/audit/scan", map[string]any{
		"transactions": []models.Transaction{
			{ID: "t1", CustomerID: "c1", FromAccount: "a", ToAccount: "b", AmountIDR: 10_000_000, OccurredAt: base},
			{ID: "t2", CustomerID: "c2", FromAccount: "b", ToAccount: "a", AmountIDR: 10_000_000, OccurredAt: base.Add(5 * time.Minute)},
		},
	})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Findings []auditscan.Finding `json:"findings"`
		Scanned  int                 `json:"scanned"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Scanned != 2 || len(resp.Findings) == 0 {
		t.Fatalf("expected wash trading finding, got %+v", resp)
	}
	if len(db.execSQL) != len(resp.Findings) {
		t.Fatalf("expected one audit insert per finding, got %d execs for %d findings", len(db.execSQL), len(resp.Findings))
	}
}

func TestRunAuditScanRequiresTransactions(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	rr := postJSON(t, s.runAuditScan, "/v1/audit/scan", map[string]any{"transactions": []models.Transaction{}})
	if rr.Code != 400 {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCalculateTax(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	rr := postJSON(t, s.calculateTax, "/v1/compliance/tax/calculate", map[string]any{
		"amount_idr":          100_000_000,
		"registered_exchange": true,
	})
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var breakdown compliance.TaxBreakdown
	if err := json.Unmarshal(rr.Body.Bytes(), &breakdown); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if breakdown.TotalTaxIDR <= 0 {
		t.Fatalf("expected positive tax, got %+v", breakdown)
	}

	rr = postJSON(t, s.calculateTax, "/v1/compliance/tax/calculate", map[string]any{"amount_idr": -5})
	if rr.Code != 400 {
		t.Fatalf("expected 400 for negative amount, got %d", rr.Code)
	}
}

func TestPDPEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := newTestGateway(&fakeGatewayDB{})
	s.PDP = compliance.NewPDPLedger(client)

	rr := postJSON(t, s.grantConsent, "/v1/compliance/pdp/consents", map[string]any{
		"customer_id": "cust-1",
		"purpose":     "marketing",
		"ttl_days":    30,
	})
	if rr.Code != 201 {
		t.Fatalf("grant: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/compliance/pdp/consents?customer_id=cust-1", nil)
	lr := httptest.NewRecorder()
	s.listConsents(lr, req)
	if lr.Code != 200 || !strings.Contains(lr.Body.String(), "marketing") {
		t.Fatalf("list: got %d %s", lr.Code, lr.Body.String())
	}

	rr = postJSON(t, s.revokeConsent, "/v1/compliance/pdp/consents/revoke", map[string]string{
		"customer_id": "cust-1",
		"purpose":     "marketing",
	})
	if rr.Code != 200 {
		t.Fatalf("revoke: expected 200, got %d", rr.Code)
	}

	rr = postJSON(t, s.openErasure, "/v1/compliance/pdp/erasures", map[string]string{
		"customer_id": "cust-1",
		"reason":      "account closure",
	})
	if rr.Code != 201 {
		t.Fatalf("erasure: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var er compliance.ErasureRequest
	if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode erasure: %v", err)
	}

	r := chi.NewRouter()
	r.Patch("/v1/compliance/pdp/erasures/{request_id}", s.advanceErasure)
	raw, _ := json.Marshal(map[string]string{"status": compliance.ErasureCompleted})
	patchReq := httptest.NewRequest(http.MethodPatch, "/v1/compliance/pdp/erasures/"+er.ID, bytes.NewReader(raw))
	pr := httptest.NewRecorder()
	r.ServeHTTP(pr, patchReq)
	if pr.Code != 409 {
		t.Fatalf("expected 409 for skipped state, got %d", pr.Code)
	}
}

func TestPDPUnavailableWithoutRedis(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	rr := postJSON(t, s.grantConsent, "/v1/compliance/pdp/consents", map[string]string{"customer_id": "c"})
	if rr.Code != 503 {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	s.RateLimitEnabled = true
	s.RateLimitPerWindow = 1
	s.RateLimiter = ratelimit.NewInMemory(time.Minute)

	handler := s.rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/kyc/cust-1/status", nil)
	req.RemoteAddr = "10.0.0.9:4431"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("first request should pass, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != 429 {
		t.Fatalf("second request should be limited, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRecordingDBFeedsQueryReport(t *testing.T) {
	db := &fakeGatewayDB{}
	s := newTestGateway(db)
	rdb := &recordingDB{inner: db, rec: s.Queries}

	if _, err := rdb.Exec(context.Background(), "INSERT INTO kyc_submissions(id) VALUES ($1)", "x"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	_ = rdb.QueryRow(context.Background(), "SELECT decision FROM kyc_submissions WHERE customer_id = $1", "cust-1")

	req := httptest.NewRequest(http.MethodGet, "/v1/db/queries", nil)
	rr := httptest.NewRecorder()
	s.dbQueryReport(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Queries []dbopt.QueryStat `json:"queries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Queries) != 2 {
		t.Fatalf("expected 2 query shapes, got %d", len(resp.Queries))
	}
}

func TestDBPoolReportUnavailable(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{})
	req := httptest.NewRequest(http.MethodGet, "/v1/db/pool", nil)
	rr := httptest.NewRecorder()
	s.dbPoolReport(rr, req)
	if rr.Code != 503 {
		t.Fatalf("expected 503 without pgx pool, got %d", rr.Code)
	}
}

func TestGetAuditNotFound(t *testing.T) {
	s := newTestGateway(&fakeGatewayDB{rowErr: pgx.ErrNoRows})
	r := chi.NewRouter()
	r.Get("/v1/audit/{event_id}", s.getAudit)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit/evt-404", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
