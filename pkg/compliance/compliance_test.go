package compliance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
)

func testLedger(t *testing.T) (*PDPLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPDPLedger(client), mr
}

func TestBuildMonthlyReport(t *testing.T) {
	txs := []models.Transaction{
		{ID: "t1", AmountIDR: 1_000_000, OccurredAt: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		{ID: "t2", AmountIDR: 2_000_000, OccurredAt: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)},
		{ID: "t3", AmountIDR: 9_000_000, OccurredAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
	}
	report, err := BuildMonthlyReport("", "2026-01", txs, 1)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if report.TotalTransactions != 2 {
		t.Fatalf("expected 2 txs in period, got %d", report.TotalTransactions)
	}
	if report.TotalVolumeIDR != 3_000_000 {
		t.Fatalf("expected 3M volume, got %d", report.TotalVolumeIDR)
	}
	if report.Status != ReportDraft {
		t.Fatalf("new report must be DRAFT, got %s", report.Status)
	}
	if _, err := BuildMonthlyReport("", "January", nil, 0); err == nil {
		t.Fatal("expected invalid period error")
	}
}

func TestOJKSubmitterMockMode(t *testing.T) {
	s := NewOJKSubmitter("", "", nil, store.NewMemoryCache())
	report, _ := BuildMonthlyReport("", "2026-01", nil, 0)
	submitted, err := s.Submit(context.Background(), report)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != ReportAccepted {
		t.Fatalf("mock mode must accept, got %s", submitted.Status)
	}
	got, err := s.Status(context.Background(), report.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != ReportAccepted {
		t.Fatalf("stored status mismatch: %s", got.Status)
	}
}

func TestOJKSubmitterHTTPStatuses(t *testing.T) {
	cases := []struct {
		name       string
		httpStatus int
		want       string
	}{
		{"accepted", http.StatusOK, ReportAccepted},
		{"rejected", http.StatusUnprocessableEntity, ReportRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					t.Errorf("missing auth header")
				}
				w.WriteHeader(tc.httpStatus)
			}))
			defer srv.Close()
			s := NewOJKSubmitter(srv.URL, "secret", srv.Client(), store.NewMemoryCache())
			s.Retries = 0
			report, _ := BuildMonthlyReport("", "2026-01", nil, 0)
			submitted, err := s.Submit(context.Background(), report)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if submitted.Status != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, submitted.Status)
			}
		})
	}
}

func TestConsentLifecycle(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.GrantConsent(ctx, "", "marketing", 0); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := l.GrantConsent(ctx, "c1", "marketing", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := l.HasConsent(ctx, "c1", "marketing")
	if err != nil || !ok {
		t.Fatalf("expected consent, ok=%v err=%v", ok, err)
	}
	if err := l.RevokeConsent(ctx, "c1", "marketing"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, _ = l.HasConsent(ctx, "c1", "marketing")
	if ok {
		t.Fatal("revoked consent must not count")
	}
	ok, _ = l.HasConsent(ctx, "c1", "analytics")
	if ok {
		t.Fatal("missing consent must not count")
	}
	if err := l.RevokeConsent(ctx, "c1", "analytics"); !errors.Is(err, ErrConsentNotFound) {
		t.Fatalf("expected ErrConsentNotFound, got %v", err)
	}
}

func TestConsentExpiry(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }
	if _, err := l.GrantConsent(ctx, "c2", "kyc", time.Hour); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, _ := l.HasConsent(ctx, "c2", "kyc")
	if !ok {
		t.Fatal("fresh consent must count")
	}
	l.Now = func() time.Time { return now.Add(2 * time.Hour) }
	ok, _ = l.HasConsent(ctx, "c2", "kyc")
	if ok {
		t.Fatal("expired consent must not count")
	}
}

func TestErasureLifecycle(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()

	if _, err := l.GrantConsent(ctx, "c3", "marketing", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	req, err := l.OpenErasure(ctx, "c3", "user request")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if req.Status != ErasureReceived {
		t.Fatalf("expected RECEIVED, got %s", req.Status)
	}
	if _, err := l.AdvanceErasure(ctx, req.ID, ErasureCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RECEIVED -> COMPLETED must fail, got %v", err)
	}
	if _, err := l.AdvanceErasure(ctx, req.ID, ErasureVerified); err != nil {
		t.Fatalf("verify: %v", err)
	}
	done, err := l.AdvanceErasure(ctx, req.ID, ErasureCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != ErasureCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	// completion wipes the consent hash
	ok, _ := l.HasConsent(ctx, "c3", "marketing")
	if ok {
		t.Fatal("consents must be erased on completion")
	}
	if _, err := l.AdvanceErasure(ctx, done.ID, ErasureVerified); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal state must reject transitions, got %v", err)
	}
	if _, err := l.GetErasure(ctx, "missing"); !errors.Is(err, ErrErasureNotFound) {
		t.Fatalf("expected ErrErasureNotFound, got %v", err)
	}
}

func TestSweepErasures(t *testing.T) {
	l, _ := testLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	l.Now = func() time.Time { return base.Add(-48 * time.Hour) }
	old, err := l.OpenErasure(ctx, "c4", "old")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.Now = func() time.Time { return base }
	fresh, err := l.OpenErasure(ctx, "c5", "fresh")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	removed, err := l.SweepErasures(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := l.GetErasure(ctx, old.ID); !errors.Is(err, ErrErasureNotFound) {
		t.Fatalf("old request must be gone, got %v", err)
	}
	if _, err := l.GetErasure(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh request must survive: %v", err)
	}
}

func TestCalculateCryptoTax(t *testing.T) {
	cases := []struct {
		name       string
		amount     int64
		registered bool
		wantPPh    int64
		wantPPN    int64
	}{
		{"registered", 100_000_000, true, 100_000, 110_000},
		{"unregistered doubles", 100_000_000, false, 200_000, 220_000},
		{"rounds down", 999, true, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := CalculateCryptoTax(tc.amount, tc.registered)
			if err != nil {
				t.Fatalf("calc: %v", err)
			}
			if b.PPhIDR != tc.wantPPh {
				t.Fatalf("pph: want %d got %d", tc.wantPPh, b.PPhIDR)
			}
			if b.PPNIDR != tc.wantPPN {
				t.Fatalf("ppn: want %d got %d", tc.wantPPN, b.PPNIDR)
			}
			if b.TotalTaxIDR != tc.wantPPh+tc.wantPPN {
				t.Fatalf("total mismatch: %d", b.TotalTaxIDR)
			}
			if b.NetIDR != tc.amount-b.TotalTaxIDR {
				t.Fatalf("net mismatch: %d", b.NetIDR)
			}
		})
	}
	if _, err := CalculateCryptoTax(0, true); err == nil {
		t.Fatal("expected error for non-positive amount")
	}
}
