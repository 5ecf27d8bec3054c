package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	execCount int
	execArgs  []any
	rowErr    error
	rowValues []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execCount++
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRow{values: f.rowValues, err: f.rowErr}
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i := range dest {
		if i >= len(r.values) {
			break
		}
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *json.RawMessage:
			*d = r.values[i].(json.RawMessage)
		case *time.Time:
			*d = r.values[i].(time.Time)
		}
	}
	return nil
}

func TestAppendPassthroughWithoutRedaction(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db}
	rec := Record{
		EventID:   "evt-1",
		Kind:      "kyc.decision",
		Tenant:    "tenant-a",
		SubjectID: "cust-1",
		Payload:   json.RawMessage(`{"nik":"3174012505900001","status":"VERIFIED"}`),
		Outcome:   "VERIFIED",
		CreatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if db.execCount != 1 {
		t.Fatalf("execs=%d", db.execCount)
	}
	if db.execArgs[3] != "cust-1" {
		t.Fatalf("subject arg=%v", db.execArgs[3])
	}
}

func TestAppendRedactsSubjectAndPayload(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{DB: db, HashSalt: []byte("pepper"), Redact: true}
	rec := Record{
		EventID:   "evt-2",
		Kind:      "kyc.decision",
		SubjectID: "cust-1",
		Payload:   json.RawMessage(`{"nik":"3174012505900001","full_name":"Siti Rahma","status":"VERIFIED"}`),
		Outcome:   "VERIFIED",
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	subject, _ := db.execArgs[3].(string)
	if subject == "cust-1" || len(subject) != 64 {
		t.Fatalf("subject not hashed: %q", subject)
	}

	payload, _ := db.execArgs[4].(json.RawMessage)
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	if _, leaked := decoded["nik"]; leaked {
		t.Fatal("nik must not be stored in clear")
	}
	if _, leaked := decoded["full_name"]; leaked {
		t.Fatal("full_name must not be stored in clear")
	}
	nikHash, _ := decoded["nik_hash"].(string)
	if len(nikHash) != 64 {
		t.Fatalf("nik_hash=%q", nikHash)
	}
	if decoded["status"] != "VERIFIED" {
		t.Fatalf("non-sensitive field lost: %v", decoded)
	}
	if strings.Contains(string(payload), "3174012505900001") {
		t.Fatal("raw NIK leaked into payload")
	}
}

func TestRedactionIsSaltSensitive(t *testing.T) {
	a := hashString("3174012505900001", []byte("salt-a"))
	b := hashString("3174012505900001", []byte("salt-b"))
	if a == b {
		t.Fatal("expected different hashes under different salts")
	}
	if a != hashString("3174012505900001", []byte("salt-a")) {
		t.Fatal("expected deterministic hash under the same salt")
	}
}

func TestRedactInvalidJSONPayload(t *testing.T) {
	out := redactPayload(json.RawMessage(`not-json`), []byte("s"))
	var decoded map[string]string
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode fallback payload: %v", err)
	}
	if decoded["redaction_error"] != "invalid_json" {
		t.Fatalf("fallback=%v", decoded)
	}
	if len(decoded["payload_hash"]) != 64 {
		t.Fatalf("payload_hash=%q", decoded["payload_hash"])
	}
}

func TestAppendPropagatesDBError(t *testing.T) {
	db := &fakeAuditDB{execErr: errors.New("insert failed")}
	w := &Writer{DB: db}
	if err := w.Append(context.Background(), Record{EventID: "evt-3"}); err == nil {
		t.Fatal("expected insert error")
	}
}

func TestGetScopedByTenant(t *testing.T) {
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	db := &fakeAuditDB{rowValues: []any{
		"evt-4", "dao.vote_cast", "tenant-a", "wallet-1",
		json.RawMessage(`{"choice":"FOR"}`), "RECORDED", "", created,
	}}
	w := &Writer{DB: db}

	rec, err := w.Get(context.Background(), "evt-4", "tenant-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.EventID != "evt-4" || rec.Tenant != "tenant-a" || rec.Outcome != "RECORDED" {
		t.Fatalf("record=%+v", rec)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Fatalf("created_at=%s", rec.CreatedAt)
	}

	db.rowErr = pgx.ErrNoRows
	if _, err := w.Get(context.Background(), "evt-missing", ""); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}
