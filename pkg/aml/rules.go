package aml

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
)

// PPATK cash transaction report threshold.
const LargeCashThresholdIDR int64 = 500_000_000

const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

const (
	ReasonLargeCash   = "LARGE_CASH"
	ReasonStructuring = "STRUCTURING"
	ReasonVelocity    = "VELOCITY"
	ReasonRoundAmount = "ROUND_AMOUNTS"
)

// MonitorConfig tunes the per-customer sliding-window rules.
type MonitorConfig struct {
	Window              time.Duration
	StructuringBandLow  int64 // amounts in [low, threshold) count toward structuring
	StructuringMinCount int
	VelocityMaxCount    int
	RoundAmountMinCount int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:              24 * time.Hour,
		StructuringBandLow:  450_000_000,
		StructuringMinCount: 3,
		VelocityMaxCount:    20,
		RoundAmountMinCount: 5,
	}
}

// Monitor keeps a sliding window of transactions per customer and evaluates
// monitoring rules on every observation.
type Monitor struct {
	mu      sync.Mutex
	cfg     MonitorConfig
	windows map[string][]models.Transaction
	Now     func() time.Time
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.StructuringMinCount <= 0 {
		cfg.StructuringMinCount = 3
	}
	if cfg.VelocityMaxCount <= 0 {
		cfg.VelocityMaxCount = 20
	}
	if cfg.RoundAmountMinCount <= 0 {
		cfg.RoundAmountMinCount = 5
	}
	return &Monitor{
		cfg:     cfg,
		windows: map[string][]models.Transaction{},
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Observe records tx into the customer's window and returns a case when any
// rule trips. Expired window entries are pruned on every call.
func (m *Monitor) Observe(tx models.Transaction) (*models.AMLCase, error) {
	if tx.CustomerID == "" {
		return nil, fmt.Errorf("transaction %s has no customer", tx.ID)
	}
	now := m.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.windows[tx.CustomerID]
	cutoff := now.Add(-m.cfg.Window)
	pruned := window[:0]
	for _, prev := range window {
		if prev.OccurredAt.After(cutoff) {
			pruned = append(pruned, prev)
		}
	}
	pruned = append(pruned, tx)
	m.windows[tx.CustomerID] = pruned

	var reasons []string
	if tx.AmountIDR >= LargeCashThresholdIDR {
		reasons = append(reasons, ReasonLargeCash)
	}
	if m.structuringCount(pruned) >= m.cfg.StructuringMinCount {
		reasons = append(reasons, ReasonStructuring)
	}
	if len(pruned) > m.cfg.VelocityMaxCount {
		reasons = append(reasons, ReasonVelocity)
	}
	if m.roundAmountCount(pruned) >= m.cfg.RoundAmountMinCount {
		reasons = append(reasons, ReasonRoundAmount)
	}
	if len(reasons) == 0 {
		return nil, nil
	}

	evidence, _ := json.Marshal(map[string]interface{}{
		"window_size":    len(pruned),
		"triggering_tx":  tx.ID,
		"window_started": cutoff.Format(time.RFC3339),
	})
	return &models.AMLCase{
		ID:         uuid.New().String(),
		CustomerID: tx.CustomerID,
		RiskLevel:  riskLevel(reasons),
		Reasons:    reasons,
		Evidence:   evidence,
		OpenedAt:   now,
	}, nil
}

// WindowSize reports the live window length for a customer.
func (m *Monitor) WindowSize(customerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows[customerID])
}

func (m *Monitor) structuringCount(window []models.Transaction) int {
	count := 0
	for _, tx := range window {
		if tx.AmountIDR >= m.cfg.StructuringBandLow && tx.AmountIDR < LargeCashThresholdIDR {
			count++
		}
	}
	return count
}

func (m *Monitor) roundAmountCount(window []models.Transaction) int {
	count := 0
	for _, tx := range window {
		if tx.AmountIDR > 0 && tx.AmountIDR%10_000_000 == 0 {
			count++
		}
	}
	return count
}

func riskLevel(reasons []string) string {
	set := map[string]struct{}{}
	for _, r := range reasons {
		set[r] = struct{}{}
	}
	_, structuring := set[ReasonStructuring]
	_, large := set[ReasonLargeCash]
	switch {
	case structuring && large:
		return RiskCritical
	case structuring || large:
		return RiskHigh
	case len(reasons) > 1:
		return RiskMedium
	default:
		return RiskMedium
	}
}
