package models

import (
	"encoding/json"
	"time"
)

// Transaction is the wire form of a platform transaction as it travels the
// event bus and the audit scanners.
type Transaction struct {
	ID          string    `json:"id"`
	Tenant      string    `json:"tenant,omitempty"`
	CustomerID  string    `json:"customer_id"`
	FromAccount string    `json:"from_account"`
	ToAccount   string    `json:"to_account"`
	Asset       string    `json:"asset"`
	AmountIDR   int64     `json:"amount_idr"`
	Channel     string    `json:"channel,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// ScreeningMatch is a single sanctions or PEP list hit.
type ScreeningMatch struct {
	ListName string  `json:"list_name"`
	Entry    string  `json:"entry"`
	Score    float64 `json:"score"`
}

// AMLCase is opened when monitoring rules flag a customer.
type AMLCase struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	RiskLevel  string          `json:"risk_level"`
	Reasons    []string        `json:"reasons"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Audit event kinds shared across services.
const (
	EventKYCDecision      = "kyc.decision"
	EventAMLScreening     = "aml.screening"
	EventAMLCaseOpened    = "aml.case_opened"
	EventOJKReport        = "compliance.ojk_report"
	EventPDPErasure       = "compliance.pdp_erasure"
	EventProposalCreated  = "dao.proposal_created"
	EventVoteCast         = "dao.vote_cast"
	EventProposalFinal    = "dao.proposal_finalized"
	EventTreasuryTransfer = "dao.treasury_transfer"
	EventAuditFinding     = "auditscan.finding"
	EventAlertFired       = "monitor.alert_fired"
	EventAlertResolved    = "monitor.alert_resolved"
)
