package auditscan

import (
	"testing"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
)

var scanBase = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func mkTx(id, from, to string, amount int64, offset time.Duration) models.Transaction {
	return models.Transaction{
		ID:          id,
		FromAccount: from,
		ToAccount:   to,
		AmountIDR:   amount,
		OccurredAt:  scanBase.Add(offset),
	}
}

func findPattern(findings []Finding, pattern string) *Finding {
	for i := range findings {
		if findings[i].Pattern == pattern {
			return &findings[i]
		}
	}
	return nil
}

func TestWashTradingRoundTrip(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "acct-a", "acct-b", 100_000_000, 0),
		mkTx("t2", "acct-b", "acct-a", 99_000_000, 5*time.Minute),
	})
	f := findPattern(findings, PatternWashTrading)
	if f == nil {
		t.Fatalf("expected wash trading finding, got %+v", findings)
	}
	if f.Severity != SeverityHigh {
		t.Fatalf("expected HIGH severity, got %s", f.Severity)
	}
	if len(f.TransactionIDs) != 2 {
		t.Fatalf("expected both legs, got %v", f.TransactionIDs)
	}
}

func TestWashTradingOutsideWindowIgnored(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "acct-a", "acct-b", 100_000_000, 0),
		mkTx("t2", "acct-b", "acct-a", 100_000_000, 2*time.Hour),
	})
	if f := findPattern(findings, PatternWashTrading); f != nil {
		t.Fatalf("round trip outside window must be ignored: %+v", f)
	}
}

func TestWashTradingAmountToleranceBoundary(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "acct-a", "acct-b", 100_000_000, 0),
		mkTx("t2", "acct-b", "acct-a", 90_000_000, time.Minute),
	})
	if f := findPattern(findings, PatternWashTrading); f != nil {
		t.Fatalf("10%% amount difference exceeds tolerance: %+v", f)
	}
}

func TestSelfTrade(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "acct-a", "acct-a", 5_000_000, 0),
	})
	f := findPattern(findings, PatternSelfTrade)
	if f == nil {
		t.Fatal("expected self-trade finding")
	}
	if f.Accounts[0] != "acct-a" {
		t.Fatalf("unexpected account %v", f.Accounts)
	}
}

func TestLayeringChain(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "a", "b", 100_000_000, 0),
		mkTx("t2", "b", "c", 98_000_000, 5*time.Minute),
		mkTx("t3", "c", "d", 96_000_000, 10*time.Minute),
		mkTx("t4", "d", "e", 95_000_000, 15*time.Minute),
	})
	f := findPattern(findings, PatternLayering)
	if f == nil {
		t.Fatalf("expected layering finding, got %+v", findings)
	}
	if len(f.TransactionIDs) != 4 {
		t.Fatalf("expected 4-hop chain, got %v", f.TransactionIDs)
	}
	if f.Accounts[0] != "a" || f.Accounts[len(f.Accounts)-1] != "e" {
		t.Fatalf("unexpected chain accounts %v", f.Accounts)
	}
}

func TestLayeringShortChainIgnored(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "a", "b", 100_000_000, 0),
		mkTx("t2", "b", "c", 98_000_000, 5*time.Minute),
		mkTx("t3", "c", "d", 96_000_000, 10*time.Minute),
	})
	if f := findPattern(findings, PatternLayering); f != nil {
		t.Fatalf("three hops is below the default chain length: %+v", f)
	}
}

func TestRapidInOut(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "x", "mule", 50_000_000, 0),
		mkTx("t2", "mule", "y", 48_000_000, 3*time.Minute),
	})
	f := findPattern(findings, PatternRapidInOut)
	if f == nil {
		t.Fatalf("expected rapid in-out finding, got %+v", findings)
	}
	if f.Accounts[0] != "mule" {
		t.Fatalf("unexpected account %v", f.Accounts)
	}
}

func TestRapidInOutPartialForwardIgnored(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "x", "mule", 50_000_000, 0),
		mkTx("t2", "mule", "y", 10_000_000, 3*time.Minute),
	})
	if f := findPattern(findings, PatternRapidInOut); f != nil {
		t.Fatalf("forwarding 20%% is not pass-through: %+v", f)
	}
}

func TestRoundAmountCluster(t *testing.T) {
	s := NewScanner()
	batch := []models.Transaction{
		mkTx("t1", "acct-a", "m1", 10_000_000, 0),
		mkTx("t2", "acct-a", "m2", 20_000_000, 10*time.Minute),
		mkTx("t3", "acct-a", "m3", 10_000_000, 20*time.Minute),
		mkTx("t4", "acct-a", "m4", 50_000_000, 30*time.Minute),
		mkTx("t5", "acct-a", "m5", 10_000_000, 40*time.Minute),
	}
	findings := s.Scan(batch)
	f := findPattern(findings, PatternRoundAmounts)
	if f == nil {
		t.Fatalf("expected round-amount cluster finding, got %+v", findings)
	}
	if f.Severity != SeverityLow || f.Accounts[0] != "acct-a" {
		t.Fatalf("unexpected finding %+v", f)
	}
	if len(f.TransactionIDs) != 5 {
		t.Fatalf("expected all 5 round transfers, got %v", f.TransactionIDs)
	}
}

func TestRoundAmountClusterBelowCountIgnored(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t1", "acct-a", "m1", 10_000_000, 0),
		mkTx("t2", "acct-a", "m2", 20_000_000, 10*time.Minute),
		mkTx("t3", "acct-a", "m3", 10_000_000, 20*time.Minute),
		mkTx("t4", "acct-a", "m4", 12_345_678, 30*time.Minute),
	})
	if f := findPattern(findings, PatternRoundAmounts); f != nil {
		t.Fatalf("three round transfers is below the default count: %+v", f)
	}
}

func TestRoundAmountClusterOutsideWindowIgnored(t *testing.T) {
	s := NewScanner()
	var batch []models.Transaction
	for i := 0; i < 5; i++ {
		batch = append(batch, mkTx(
			"t"+string(rune('1'+i)), "acct-a", "m", 10_000_000,
			time.Duration(i)*2*time.Hour,
		))
	}
	if f := findPattern(s.Scan(batch), PatternRoundAmounts); f != nil {
		t.Fatalf("round transfers spread over hours must be ignored: %+v", f)
	}
}

func TestScanHandlesUnsortedInput(t *testing.T) {
	s := NewScanner()
	findings := s.Scan([]models.Transaction{
		mkTx("t2", "acct-b", "acct-a", 99_000_000, 5*time.Minute),
		mkTx("t1", "acct-a", "acct-b", 100_000_000, 0),
	})
	if f := findPattern(findings, PatternWashTrading); f == nil {
		t.Fatal("scanner must sort before matching")
	}
}

func TestEmptyBatch(t *testing.T) {
	s := NewScanner()
	if findings := s.Scan(nil); len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
}
