package dbopt

import (
	"strings"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{
			"SELECT * FROM kyc_submissions WHERE customer_id = 'cust-1'",
			"select * from kyc_submissions where customer_id = ?",
		},
		{
			"select * from kyc_submissions where customer_id = $1;",
			"select * from kyc_submissions where customer_id = ?",
		},
		{
			"SELECT id FROM audit_records WHERE created_at > '2026-01-01' LIMIT 50",
			"select id from audit_records where created_at > ? limit ?",
		},
		{
			"select  *\nfrom aml_cases\twhere score >= 0.85",
			"select * from aml_cases where score >= ?",
		},
		{
			"select * from t where id in (1, 2, 3)",
			"select * from t where id in (?)",
		},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRecorderAggregatesByShape(t *testing.T) {
	rec := NewRecorder(100 * time.Millisecond)
	rec.Observe("select * from t where id = 1", 10*time.Millisecond, 1)
	rec.Observe("select * from t where id = 2", 30*time.Millisecond, 1)
	rec.Observe("select * from t where id = $1", 150*time.Millisecond, 1)

	report := rec.Report()
	if len(report) != 1 {
		t.Fatalf("expected a single shape, got %d", len(report))
	}
	st := report[0]
	if st.Calls != 3 || st.SlowCalls != 1 || st.Rows != 3 {
		t.Fatalf("calls=%d slow=%d rows=%d", st.Calls, st.SlowCalls, st.Rows)
	}
	if st.Max != 150*time.Millisecond {
		t.Fatalf("max=%s", st.Max)
	}
	if st.Mean() != (190*time.Millisecond)/3 {
		t.Fatalf("mean=%s", st.Mean())
	}
}

func TestReportOrderedByTotal(t *testing.T) {
	rec := NewRecorder(0)
	rec.Observe("select a from x", 10*time.Millisecond, 1)
	rec.Observe("select b from y", 200*time.Millisecond, 1)
	report := rec.Report()
	if len(report) != 2 || !strings.Contains(report[0].Query, "from y") {
		t.Fatalf("unexpected order: %+v", report)
	}
}

func TestSlowQueriesFilter(t *testing.T) {
	rec := NewRecorder(50 * time.Millisecond)
	rec.Observe("select a from x", 10*time.Millisecond, 1)
	rec.Observe("select b from y where c = 1", 90*time.Millisecond, 1)
	slow := rec.SlowQueries()
	if len(slow) != 1 || !strings.Contains(slow[0].Query, "from y") {
		t.Fatalf("unexpected slow set: %+v", slow)
	}
	rec.Reset()
	if len(rec.Report()) != 0 {
		t.Fatal("reset should drop stats")
	}
}

func TestAdviseIndexes(t *testing.T) {
	rec := NewRecorder(time.Millisecond)
	rec.Observe("select * from kyc_submissions where customer_id = 'c' and status = 'VERIFIED'", 20*time.Millisecond, 1)
	rec.Observe("select * from kyc_submissions where customer_id = 'd' and status = 'REVIEW'", 25*time.Millisecond, 1)
	rec.Observe("select 1", 20*time.Millisecond, 1) // no table filter, no advice

	sugg := AdviseIndexes(rec)
	if len(sugg) != 1 {
		t.Fatalf("expected 1 suggestion, got %+v", sugg)
	}
	if sugg[0].Kind != "INDEX" {
		t.Fatalf("kind=%s", sugg[0].Kind)
	}
	if !strings.Contains(sugg[0].Detail, "kyc_submissions(customer_id, status)") {
		t.Fatalf("detail=%q", sugg[0].Detail)
	}
}

func TestAdviseIndexesOrderBy(t *testing.T) {
	rec := NewRecorder(time.Millisecond)
	rec.Observe("select * from audit_records where tenant = 'a' order by created_at desc limit 50", 30*time.Millisecond, 50)
	sugg := AdviseIndexes(rec)
	if len(sugg) != 1 {
		t.Fatalf("expected 1 suggestion, got %+v", sugg)
	}
	if !strings.Contains(sugg[0].Detail, "audit_records(tenant, created_at)") {
		t.Fatalf("detail=%q", sugg[0].Detail)
	}
}

func TestAdvisePool(t *testing.T) {
	sugg := AdvisePool(PoolStats{
		AcquireCount:      100,
		EmptyAcquireCount: 20,
		MaxConns:          8,
		TotalConns:        8,
		IdleConns:         0,
	})
	if len(sugg) != 1 || sugg[0].Kind != "POOL" {
		t.Fatalf("expected saturation advice, got %+v", sugg)
	}

	sugg = AdvisePool(PoolStats{
		AcquireCount: 100,
		MaxConns:     16,
		TotalConns:   16,
		IdleConns:    16,
	})
	if len(sugg) != 1 || !strings.Contains(sugg[0].Detail, "oversized") {
		t.Fatalf("expected oversize advice, got %+v", sugg)
	}

	if sugg := AdvisePool(PoolStats{AcquireCount: 100, EmptyAcquireCount: 2, MaxConns: 8, TotalConns: 4, IdleConns: 1}); len(sugg) != 0 {
		t.Fatalf("healthy pool should get no advice, got %+v", sugg)
	}
}
