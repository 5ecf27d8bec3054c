package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends decision records to the audit_records table. When Redact is
// set, subject identifiers are replaced with salted hashes before insert.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audited platform decision: a KYC verdict, an AML screening,
// a compliance submission, a governance action.
type Record struct {
	EventID    string
	Kind       string
	Tenant     string
	SubjectID  string
	Payload    json.RawMessage
	Outcome    string
	ReasonCode string
	CreatedAt  time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(event_id, kind, tenant, subject_id, payload, outcome, reason_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.EventID, rec.Kind, rec.Tenant, rec.SubjectID, rec.Payload, rec.Outcome, rec.ReasonCode, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID, tenant string) (Record, error) {
	var rec Record
	if tenant != "" {
		row := w.DB.QueryRow(ctx, `
			SELECT event_id, kind, tenant, subject_id, payload, outcome, reason_code, created_at
			FROM audit_records WHERE tenant=$1 AND event_id=$2
		`, tenant, eventID)
		return rec, scanRecord(row, &rec)
	}
	row := w.DB.QueryRow(ctx, `
		SELECT event_id, kind, tenant, subject_id, payload, outcome, reason_code, created_at
		FROM audit_records WHERE event_id=$1
	`, eventID)
	return rec, scanRecord(row, &rec)
}

func scanRecord(row pgx.Row, rec *Record) error {
	var payload json.RawMessage
	if err := row.Scan(&rec.EventID, &rec.Kind, &rec.Tenant, &rec.SubjectID, &payload, &rec.Outcome, &rec.ReasonCode, &rec.CreatedAt); err != nil {
		return err
	}
	rec.Payload = payload
	return nil
}
