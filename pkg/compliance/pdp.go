package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Erasure request lifecycle under the PDP law.
const (
	ErasureReceived  = "RECEIVED"
	ErasureVerified  = "VERIFIED"
	ErasureCompleted = "COMPLETED"
	ErasureRejected  = "REJECTED"
)

var (
	ErrConsentNotFound   = errors.New("consent not found")
	ErrErasureNotFound   = errors.New("erasure request not found")
	ErrInvalidTransition = errors.New("invalid erasure transition")
)

// PDPLedger stores consent grants and erasure requests in Redis.
type PDPLedger struct {
	Client *redis.Client
	Now    func() time.Time
}

func NewPDPLedger(client *redis.Client) *PDPLedger {
	return &PDPLedger{
		Client: client,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type Consent struct {
	CustomerID string    `json:"customer_id"`
	Purpose    string    `json:"purpose"`
	GrantedAt  time.Time `json:"granted_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Revoked    bool      `json:"revoked"`
	RevokedAt  time.Time `json:"revoked_at,omitempty"`
}

func (l *PDPLedger) GrantConsent(ctx context.Context, customerID, purpose string, ttl time.Duration) (Consent, error) {
	if customerID == "" || purpose == "" {
		return Consent{}, fmt.Errorf("customer id and purpose required")
	}
	c := Consent{
		CustomerID: customerID,
		Purpose:    purpose,
		GrantedAt:  l.Now(),
	}
	if ttl > 0 {
		c.ExpiresAt = c.GrantedAt.Add(ttl)
	}
	b, err := json.Marshal(c)
	if err != nil {
		return Consent{}, err
	}
	if err := l.Client.HSet(ctx, consentKey(customerID), purpose, b).Err(); err != nil {
		return Consent{}, err
	}
	return c, nil
}

func (l *PDPLedger) RevokeConsent(ctx context.Context, customerID, purpose string) error {
	c, err := l.getConsent(ctx, customerID, purpose)
	if err != nil {
		return err
	}
	c.Revoked = true
	c.RevokedAt = l.Now()
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return l.Client.HSet(ctx, consentKey(customerID), purpose, b).Err()
}

// HasConsent reports whether an unrevoked, unexpired consent exists.
func (l *PDPLedger) HasConsent(ctx context.Context, customerID, purpose string) (bool, error) {
	c, err := l.getConsent(ctx, customerID, purpose)
	if errors.Is(err, ErrConsentNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.Revoked {
		return false, nil
	}
	if !c.ExpiresAt.IsZero() && l.Now().After(c.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

func (l *PDPLedger) ListConsents(ctx context.Context, customerID string) ([]Consent, error) {
	raw, err := l.Client.HGetAll(ctx, consentKey(customerID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Consent, 0, len(raw))
	for _, v := range raw {
		var c Consent
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (l *PDPLedger) getConsent(ctx context.Context, customerID, purpose string) (Consent, error) {
	raw, err := l.Client.HGet(ctx, consentKey(customerID), purpose).Result()
	if errors.Is(err, redis.Nil) {
		return Consent{}, ErrConsentNotFound
	}
	if err != nil {
		return Consent{}, err
	}
	var c Consent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Consent{}, err
	}
	return c, nil
}

type ErasureRequest struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customer_id"`
	Reason     string    `json:"reason,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (l *PDPLedger) OpenErasure(ctx context.Context, customerID, reason string) (ErasureRequest, error) {
	if customerID == "" {
		return ErasureRequest{}, fmt.Errorf("customer id required")
	}
	now := l.Now()
	req := ErasureRequest{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Reason:     reason,
		Status:     ErasureReceived,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := l.saveErasure(ctx, req); err != nil {
		return ErasureRequest{}, err
	}
	if err := l.Client.ZAdd(ctx, erasureIndexKey, redis.Z{Score: float64(now.Unix()), Member: req.ID}).Err(); err != nil {
		return ErasureRequest{}, err
	}
	return req, nil
}

// AdvanceErasure moves a request along RECEIVED -> VERIFIED -> COMPLETED.
// REJECTED is reachable from any non-terminal state.
func (l *PDPLedger) AdvanceErasure(ctx context.Context, id, to string) (ErasureRequest, error) {
	req, err := l.GetErasure(ctx, id)
	if err != nil {
		return ErasureRequest{}, err
	}
	if !canAdvanceErasure(req.Status, to) {
		return ErasureRequest{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	req.Status = to
	req.UpdatedAt = l.Now()
	if to == ErasureCompleted {
		// Erasure completes by dropping the customer's consent hash too.
		if err := l.Client.Del(ctx, consentKey(req.CustomerID)).Err(); err != nil {
			return ErasureRequest{}, err
		}
	}
	if err := l.saveErasure(ctx, req); err != nil {
		return ErasureRequest{}, err
	}
	return req, nil
}

func (l *PDPLedger) GetErasure(ctx context.Context, id string) (ErasureRequest, error) {
	raw, err := l.Client.Get(ctx, erasureKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return ErasureRequest{}, ErrErasureNotFound
	}
	if err != nil {
		return ErasureRequest{}, err
	}
	var req ErasureRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return ErasureRequest{}, err
	}
	return req, nil
}

// SweepErasures removes index entries and bodies of requests older than the
// retention cutoff, returning how many were removed.
func (l *PDPLedger) SweepErasures(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := l.Now().Add(-retention).Unix()
	ids, err := l.Client.ZRangeByScore(ctx, erasureIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		if err := l.Client.Del(ctx, erasureKey(id)).Err(); err != nil {
			return removed, err
		}
		if err := l.Client.ZRem(ctx, erasureIndexKey, id).Err(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (l *PDPLedger) saveErasure(ctx context.Context, req ErasureRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return l.Client.Set(ctx, erasureKey(req.ID), b, 0).Err()
}

func canAdvanceErasure(from, to string) bool {
	switch from {
	case ErasureReceived:
		return to == ErasureVerified || to == ErasureRejected
	case ErasureVerified:
		return to == ErasureCompleted || to == ErasureRejected
	default:
		return false
	}
}

const erasureIndexKey = "pdp:erasure:index"

func consentKey(customerID string) string { return "pdp:consent:" + customerID }
func erasureKey(id string) string         { return "pdp:erasure:" + id }
