// Package auditscan runs trade-surveillance patterns over transaction
// batches: wash trading, layering chains, rapid in-out flows and
// round-amount clustering.
package auditscan

import (
	"sort"
	"time"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
)

const (
	SeverityLow    = "LOW"
	SeverityMedium = "MEDIUM"
	SeverityHigh   = "HIGH"
)

const (
	PatternWashTrading  = "WASH_TRADING"
	PatternSelfTrade    = "SELF_TRADE"
	PatternLayering     = "LAYERING"
	PatternRapidInOut   = "RAPID_IN_OUT"
	PatternRoundAmounts = "ROUND_AMOUNT_CLUSTER"
)

// Finding is one detected pattern with the transactions involved.
type Finding struct {
	Pattern        string   `json:"pattern"`
	Severity       string   `json:"severity"`
	Accounts       []string `json:"accounts,omitempty"`
	TransactionIDs []string `json:"transaction_ids"`
	Detail         string   `json:"detail,omitempty"`
}

// Rule inspects a batch and reports findings. Batches arrive sorted by
// occurrence time; rules may rely on that.
type Rule interface {
	Name() string
	Scan(txs []models.Transaction) []Finding
}

// Scanner runs its registered rules over a batch.
type Scanner struct {
	rules []Rule
}

// NewScanner builds a scanner with the default rule set.
func NewScanner() *Scanner {
	return &Scanner{rules: []Rule{
		WashTradingRule{Window: 30 * time.Minute, AmountTolerance: 0.02},
		SelfTradeRule{},
		LayeringRule{MinChain: 4, Window: time.Hour},
		RapidInOutRule{Window: 10 * time.Minute},
		RoundAmountClusterRule{Unit: 10_000_000, MinCount: 5, Window: time.Hour},
	}}
}

// Register appends a custom rule.
func (s *Scanner) Register(r Rule) { s.rules = append(s.rules, r) }

// Scan sorts the batch by time and runs every rule.
func (s *Scanner) Scan(txs []models.Transaction) []Finding {
	sorted := make([]models.Transaction, len(txs))
	copy(sorted, txs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })
	var findings []Finding
	for _, rule := range s.rules {
		findings = append(findings, rule.Scan(sorted)...)
	}
	return findings
}

// WashTradingRule flags A->B followed by B->A with near-equal amounts
// inside the window.
type WashTradingRule struct {
	Window          time.Duration
	AmountTolerance float64
}

func (WashTradingRule) Name() string { return PatternWashTrading }

func (r WashTradingRule) Scan(txs []models.Transaction) []Finding {
	var findings []Finding
	for i, a := range txs {
		for _, b := range txs[i+1:] {
			if b.OccurredAt.Sub(a.OccurredAt) > r.Window {
				break
			}
			if a.FromAccount == b.ToAccount && a.ToAccount == b.FromAccount && withinTolerance(a.AmountIDR, b.AmountIDR, r.AmountTolerance) {
				findings = append(findings, Finding{
					Pattern:        PatternWashTrading,
					Severity:       SeverityHigh,
					Accounts:       []string{a.FromAccount, a.ToAccount},
					TransactionIDs: []string{a.ID, b.ID},
					Detail:         "round trip with near-equal amounts",
				})
			}
		}
	}
	return findings
}

// SelfTradeRule flags transactions where both sides are the same account.
type SelfTradeRule struct{}

func (SelfTradeRule) Name() string { return PatternSelfTrade }

func (SelfTradeRule) Scan(txs []models.Transaction) []Finding {
	var findings []Finding
	for _, tx := range txs {
		if tx.FromAccount != "" && tx.FromAccount == tx.ToAccount {
			findings = append(findings, Finding{
				Pattern:        PatternSelfTrade,
				Severity:       SeverityMedium,
				Accounts:       []string{tx.FromAccount},
				TransactionIDs: []string{tx.ID},
			})
		}
	}
	return findings
}

// LayeringRule flags chains A->B->C->... of at least MinChain hops where
// each hop forwards within the window.
type LayeringRule struct {
	MinChain int
	Window   time.Duration
}

func (LayeringRule) Name() string { return PatternLayering }

func (r LayeringRule) Scan(txs []models.Transaction) []Finding {
	minChain := r.MinChain
	if minChain < 3 {
		minChain = 3
	}
	var findings []Finding
	reported := map[string]struct{}{}
	for i := range txs {
		if _, ok := reported[txs[i].ID]; ok {
			continue
		}
		chain := []models.Transaction{txs[i]}
		last := txs[i]
		for _, next := range txs[i+1:] {
			if next.OccurredAt.Sub(chain[0].OccurredAt) > r.Window {
				break
			}
			if next.FromAccount == last.ToAccount && next.AmountIDR <= last.AmountIDR {
				chain = append(chain, next)
				last = next
			}
		}
		if len(chain) >= minChain {
			ids := make([]string, 0, len(chain))
			accounts := make([]string, 0, len(chain)+1)
			accounts = append(accounts, chain[0].FromAccount)
			for _, tx := range chain {
				ids = append(ids, tx.ID)
				accounts = append(accounts, tx.ToAccount)
				reported[tx.ID] = struct{}{}
			}
			findings = append(findings, Finding{
				Pattern:        PatternLayering,
				Severity:       SeverityHigh,
				Accounts:       accounts,
				TransactionIDs: ids,
				Detail:         "funds forwarded through a chain of accounts",
			})
		}
	}
	return findings
}

// RapidInOutRule flags an account that receives and forwards at least 90%
// of the amount within the window.
type RapidInOutRule struct {
	Window time.Duration
}

func (RapidInOutRule) Name() string { return PatternRapidInOut }

func (r RapidInOutRule) Scan(txs []models.Transaction) []Finding {
	var findings []Finding
	for i, in := range txs {
		for _, out := range txs[i+1:] {
			if out.OccurredAt.Sub(in.OccurredAt) > r.Window {
				break
			}
			if out.FromAccount == in.ToAccount && out.AmountIDR*10 >= in.AmountIDR*9 && out.AmountIDR <= in.AmountIDR {
				findings = append(findings, Finding{
					Pattern:        PatternRapidInOut,
					Severity:       SeverityMedium,
					Accounts:       []string{in.ToAccount},
					TransactionIDs: []string{in.ID, out.ID},
					Detail:         "pass-through within minutes of receipt",
				})
			}
		}
	}
	return findings
}

// RoundAmountClusterRule flags an account sending MinCount or more exact
// multiples of Unit inside the window. Suspiciously round amounts clustered
// on one sender suggest scripted placement.
type RoundAmountClusterRule struct {
	Unit     int64
	MinCount int
	Window   time.Duration
}

func (RoundAmountClusterRule) Name() string { return PatternRoundAmounts }

func (r RoundAmountClusterRule) Scan(txs []models.Transaction) []Finding {
	minCount := r.MinCount
	if minCount < 2 {
		minCount = 2
	}
	unit := r.Unit
	if unit <= 0 {
		unit = 10_000_000
	}
	rounds := map[string][]models.Transaction{}
	for _, tx := range txs {
		if tx.FromAccount != "" && tx.AmountIDR > 0 && tx.AmountIDR%unit == 0 {
			rounds[tx.FromAccount] = append(rounds[tx.FromAccount], tx)
		}
	}
	var findings []Finding
	for account, cluster := range rounds {
		for start := 0; start+minCount <= len(cluster); start++ {
			end := start + minCount - 1
			if cluster[end].OccurredAt.Sub(cluster[start].OccurredAt) > r.Window {
				continue
			}
			// Extend past the minimum so the finding carries the full run.
			for end+1 < len(cluster) && cluster[end+1].OccurredAt.Sub(cluster[start].OccurredAt) <= r.Window {
				end++
			}
			ids := make([]string, 0, end-start+1)
			for _, tx := range cluster[start : end+1] {
				ids = append(ids, tx.ID)
			}
			findings = append(findings, Finding{
				Pattern:        PatternRoundAmounts,
				Severity:       SeverityLow,
				Accounts:       []string{account},
				TransactionIDs: ids,
				Detail:         "cluster of exactly round amounts from one account",
			})
			break
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].Accounts[0] < findings[j].Accounts[0] })
	return findings
}

func withinTolerance(a, b int64, tolerance float64) bool {
	if a == 0 || b == 0 {
		return false
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	larger := a
	if b > larger {
		larger = b
	}
	return float64(diff) <= tolerance*float64(larger)
}
