package dao

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/models"
	"github.com/Rafael2022-prog/sangkuriang-sub001/pkg/stream"
)

const (
	TransferPending   = "PENDING"
	TransferApproved  = "APPROVED"
	TransferExecuted  = "EXECUTED"
	TransferCancelled = "CANCELLED"
)

var (
	ErrTransferNotFound   = errors.New("transfer request not found")
	ErrTransferState      = errors.New("transfer is not in the required state")
	ErrDuplicateApproval  = errors.New("approver already approved")
	ErrInsufficientFunds  = errors.New("insufficient treasury balance")
	ErrConcurrentTransfer = errors.New("treasury balance changed, retry")
)

// Treasury manages DAO funds. Transfers need a configurable number of
// distinct approvals before execution; execution is atomic over WATCH.
type Treasury struct {
	Client *redis.Client
	Hub    *stream.Hub
	Now    func() time.Time
}

func NewTreasury(client *redis.Client, hub *stream.Hub) *Treasury {
	return &Treasury{
		Client: client,
		Hub:    hub,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type TransferRequest struct {
	ID                string    `json:"id"`
	FromAccount       string    `json:"from_account"`
	ToAccount         string    `json:"to_account"`
	AmountIDR         int64     `json:"amount_idr"`
	RequiredApprovals int       `json:"required_approvals"`
	Approvers         []string  `json:"approvers,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (t *Treasury) Deposit(ctx context.Context, account string, amountIDR int64) (int64, error) {
	if account == "" || amountIDR <= 0 {
		return 0, fmt.Errorf("account and positive amount required")
	}
	return t.Client.HIncrBy(ctx, balancesKey, account, amountIDR).Result()
}

func (t *Treasury) Balance(ctx context.Context, account string) (int64, error) {
	raw, err := t.Client.HGet(ctx, balancesKey, account).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int64
	_, err = fmt.Sscanf(raw, "%d", &v)
	return v, err
}

func (t *Treasury) RequestTransfer(ctx context.Context, from, to string, amountIDR int64, requiredApprovals int) (TransferRequest, error) {
	if from == "" || to == "" || from == to {
		return TransferRequest{}, fmt.Errorf("distinct from/to accounts required")
	}
	if amountIDR <= 0 {
		return TransferRequest{}, fmt.Errorf("positive amount required")
	}
	if requiredApprovals <= 0 {
		requiredApprovals = 2
	}
	now := t.Now()
	req := TransferRequest{
		ID:                uuid.New().String(),
		FromAccount:       from,
		ToAccount:         to,
		AmountIDR:         amountIDR,
		RequiredApprovals: requiredApprovals,
		Status:            TransferPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	return req, t.save(ctx, req)
}

// Approve records one approval. Approvers must be distinct; reaching the
// required count moves the request to APPROVED.
func (t *Treasury) Approve(ctx context.Context, id, approver string) (TransferRequest, error) {
	if approver == "" {
		return TransferRequest{}, fmt.Errorf("approver required")
	}
	req, err := t.GetTransfer(ctx, id)
	if err != nil {
		return TransferRequest{}, err
	}
	if req.Status != TransferPending {
		return TransferRequest{}, ErrTransferState
	}
	for _, a := range req.Approvers {
		if a == approver {
			return TransferRequest{}, ErrDuplicateApproval
		}
	}
	req.Approvers = append(req.Approvers, approver)
	if len(req.Approvers) >= req.RequiredApprovals {
		req.Status = TransferApproved
	}
	req.UpdatedAt = t.Now()
	return req, t.save(ctx, req)
}

// Execute moves the funds. The balance check and both account updates run
// under WATCH so a concurrent execution cannot double-spend.
func (t *Treasury) Execute(ctx context.Context, id string) (TransferRequest, error) {
	req, err := t.GetTransfer(ctx, id)
	if err != nil {
		return TransferRequest{}, err
	}
	if req.Status != TransferApproved {
		return TransferRequest{}, ErrTransferState
	}
	err = t.Client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, balancesKey, req.FromAccount).Result()
		if errors.Is(err, redis.Nil) {
			raw = "0"
		} else if err != nil {
			return err
		}
		var balance int64
		if _, err := fmt.Sscanf(raw, "%d", &balance); err != nil {
			return err
		}
		if balance < req.AmountIDR {
			return ErrInsufficientFunds
		}
		req.Status = TransferExecuted
		req.UpdatedAt = t.Now()
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, balancesKey, req.FromAccount, -req.AmountIDR)
			pipe.HIncrBy(ctx, balancesKey, req.ToAccount, req.AmountIDR)
			pipe.Set(ctx, transferKey(req.ID), body, 0)
			return nil
		})
		return err
	}, balancesKey)
	if errors.Is(err, redis.TxFailedErr) {
		return TransferRequest{}, ErrConcurrentTransfer
	}
	if err != nil {
		return TransferRequest{}, err
	}
	if t.Hub != nil {
		t.Hub.Publish(stream.NewEvent(models.EventTreasuryTransfer, req))
	}
	return req, nil
}

func (t *Treasury) Cancel(ctx context.Context, id string) (TransferRequest, error) {
	req, err := t.GetTransfer(ctx, id)
	if err != nil {
		return TransferRequest{}, err
	}
	if req.Status == TransferExecuted || req.Status == TransferCancelled {
		return TransferRequest{}, ErrTransferState
	}
	req.Status = TransferCancelled
	req.UpdatedAt = t.Now()
	return req, t.save(ctx, req)
}

func (t *Treasury) GetTransfer(ctx context.Context, id string) (TransferRequest, error) {
	raw, err := t.Client.Get(ctx, transferKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return TransferRequest{}, ErrTransferNotFound
	}
	if err != nil {
		return TransferRequest{}, err
	}
	var req TransferRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return TransferRequest{}, err
	}
	return req, nil
}

func (t *Treasury) save(ctx context.Context, req TransferRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return t.Client.Set(ctx, transferKey(req.ID), b, 0).Err()
}

const balancesKey = "dao:treasury:balances"

func transferKey(id string) string { return "dao:treasury:tx:" + id }
