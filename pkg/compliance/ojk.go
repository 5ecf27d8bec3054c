// Package compliance holds the regulatory surfaces: OJK reporting, the PDP
// consent/erasure ledger, and the crypto tax calculator.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/httpx"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/store"
)

const (
	ReportDraft     = "DRAFT"
	ReportSubmitted = "SUBMITTED"
	ReportAccepted  = "ACCEPTED"
	ReportRejected  = "REJECTED"
)

// OJKReport is a periodic transaction summary for the regulator.
type OJKReport struct {
	ID                string    `json:"id"`
	Tenant            string    `json:"tenant,omitempty"`
	Period            string    `json:"period"` // YYYY-MM
	TotalTransactions int       `json:"total_transactions"`
	TotalVolumeIDR    int64     `json:"total_volume_idr"`
	SuspiciousCases   int       `json:"suspicious_cases"`
	Status            string    `json:"status"`
	GeneratedAt       time.Time `json:"generated_at"`
	SubmittedAt       time.Time `json:"submitted_at,omitempty"`
}

// BuildMonthlyReport summarizes the period's transactions.
func BuildMonthlyReport(tenant, period string, txs []models.Transaction, suspiciousCases int) (OJKReport, error) {
	if _, err := time.Parse("2006-01", period); err != nil {
		return OJKReport{}, fmt.Errorf("invalid period %q: %w", period, err)
	}
	report := OJKReport{
		ID:              uuid.New().String(),
		Tenant:          tenant,
		Period:          period,
		SuspiciousCases: suspiciousCases,
		Status:          ReportDraft,
		GeneratedAt:     time.Now().UTC(),
	}
	for _, tx := range txs {
		if tx.OccurredAt.Format("2006-01") != period {
			continue
		}
		report.TotalTransactions++
		report.TotalVolumeIDR += tx.AmountIDR
	}
	return report, nil
}

// OJKSubmitter sends reports to the configured endpoint. Without an endpoint
// it runs in mock mode and accepts everything locally.
type OJKSubmitter struct {
	Endpoint   string
	AuthToken  string
	Client     *http.Client
	Cache      store.Cache
	Retries    int
	RetryDelay time.Duration
	StatusTTL  time.Duration
}

func NewOJKSubmitter(endpoint, token string, client *http.Client, cache store.Cache) *OJKSubmitter {
	return &OJKSubmitter{
		Endpoint:   endpoint,
		AuthToken:  token,
		Client:     client,
		Cache:      cache,
		Retries:    2,
		RetryDelay: 500 * time.Millisecond,
		StatusTTL:  90 * 24 * time.Hour,
	}
}

func (s *OJKSubmitter) Submit(ctx context.Context, report OJKReport) (OJKReport, error) {
	report.SubmittedAt = time.Now().UTC()
	if s.Endpoint == "" {
		report.Status = ReportAccepted
		return report, s.saveStatus(ctx, report)
	}
	body, err := json.Marshal(report)
	if err != nil {
		return report, err
	}
	headers := map[string]string{}
	if s.AuthToken != "" {
		headers["Authorization"] = "Bearer " + s.AuthToken
	}
	status, _, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, s.Endpoint, body, headers, s.Retries, s.RetryDelay)
	if err != nil {
		return report, fmt.Errorf("submit ojk report: %w", err)
	}
	switch {
	case status >= 200 && status < 300:
		report.Status = ReportAccepted
	case status >= 400 && status < 500:
		report.Status = ReportRejected
	default:
		report.Status = ReportSubmitted
	}
	return report, s.saveStatus(ctx, report)
}

func (s *OJKSubmitter) Status(ctx context.Context, reportID string) (OJKReport, error) {
	var report OJKReport
	if err := store.GetJSON(ctx, s.Cache, reportKey(reportID), &report); err != nil {
		return OJKReport{}, err
	}
	return report, nil
}

func (s *OJKSubmitter) saveStatus(ctx context.Context, report OJKReport) error {
	if s.Cache == nil {
		return nil
	}
	return store.SetJSON(ctx, s.Cache, reportKey(report.ID), report, s.StatusTTL)
}

func reportKey(id string) string { return "ojk:report:" + id }
