// Package dao implements the governance and treasury layer on Redis.
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
	VoteFor     = "FOR"
	VoteAgainst = "AGAINST"
	VoteAbstain = "ABSTAIN"
)

var (
	ErrProposalNotFound = errors.New("proposal not found")
	ErrNotVotable       = errors.New("proposal is not open for voting")
	ErrAlreadyVoted     = errors.New("voter has already voted")
	ErrVotingOpen       = errors.New("voting period still open")
	ErrBadChoice        = errors.New("invalid vote choice")
)

type Proposal struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description,omitempty"`
	Proposer         string    `json:"proposer"`
	Status           string    `json:"status"`
	QuorumFraction   float64   `json:"quorum_fraction"`
	ApprovalFraction float64   `json:"approval_fraction"`
	TotalVotingPower int64     `json:"total_voting_power"`
	VotingEndsAt     time.Time `json:"voting_ends_at,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Vote struct {
	Voter  string    `json:"voter"`
	Choice string    `json:"choice"`
	Power  int64     `json:"power"`
	CastAt time.Time `json:"cast_at"`
}

type TallyResult struct {
	For           int64   `json:"for"`
	Against       int64   `json:"against"`
	Abstain       int64   `json:"abstain"`
	Participation float64 `json:"participation"`
}

// Governance runs the proposal lifecycle. All state lives in Redis.
type Governance struct {
	Client *redis.Client
	Hub    *stream.Hub
	Now    func() time.Time
}

func NewGovernance(client *redis.Client, hub *stream.Hub) *Governance {
	return &Governance{
		Client: client,
		Hub:    hub,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

type CreateProposalRequest struct {
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	Proposer         string  `json:"proposer"`
	QuorumFraction   float64 `json:"quorum_fraction"`
	ApprovalFraction float64 `json:"approval_fraction"`
}

func (g *Governance) Create(ctx context.Context, req CreateProposalRequest) (Proposal, error) {
	if req.Title == "" || req.Proposer == "" {
		return Proposal{}, fmt.Errorf("title and proposer required")
	}
	if req.QuorumFraction <= 0 || req.QuorumFraction > 1 {
		req.QuorumFraction = 0.20
	}
	if req.ApprovalFraction <= 0 || req.ApprovalFraction > 1 {
		req.ApprovalFraction = 0.50
	}
	now := g.Now()
	p := Proposal{
		ID:               uuid.New().String(),
		Title:            req.Title,
		Description:      req.Description,
		Proposer:         req.Proposer,
		Status:           StatusDraft,
		QuorumFraction:   req.QuorumFraction,
		ApprovalFraction: req.ApprovalFraction,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := g.save(ctx, p); err != nil {
		return Proposal{}, err
	}
	if err := g.Client.ZAdd(ctx, proposalIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: p.ID}).Err(); err != nil {
		return Proposal{}, err
	}
	g.publish(models.EventProposalCreated, p)
	return p, nil
}

// Activate opens voting. Total voting power is snapshotted here so the
// quorum base cannot shift mid-vote.
func (g *Governance) Activate(ctx context.Context, id string, totalVotingPower int64, votingPeriod time.Duration) (Proposal, error) {
	if totalVotingPower <= 0 {
		return Proposal{}, fmt.Errorf("total voting power must be positive")
	}
	if votingPeriod <= 0 {
		votingPeriod = 72 * time.Hour
	}
	p, err := g.Get(ctx, id)
	if err != nil {
		return Proposal{}, err
	}
	next, err := Transition(p.Status, StatusActive)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = next
	p.TotalVotingPower = totalVotingPower
	p.VotingEndsAt = g.Now().Add(votingPeriod)
	p.UpdatedAt = g.Now()
	return p, g.save(ctx, p)
}

func (g *Governance) CastVote(ctx context.Context, proposalID, voter, choice string, power int64) (Vote, error) {
	switch choice {
	case VoteFor, VoteAgainst, VoteAbstain:
	default:
		return Vote{}, ErrBadChoice
	}
	if voter == "" || power <= 0 {
		return Vote{}, fmt.Errorf("voter and positive power required")
	}
	p, err := g.Get(ctx, proposalID)
	if err != nil {
		return Vote{}, err
	}
	now := g.Now()
	if p.Status != StatusActive || now.After(p.VotingEndsAt) {
		return Vote{}, ErrNotVotable
	}
	v := Vote{Voter: voter, Choice: choice, Power: power, CastAt: now}
	b, err := json.Marshal(v)
	if err != nil {
		return Vote{}, err
	}
	ok, err := g.Client.HSetNX(ctx, votesKey(proposalID), voter, b).Result()
	if err != nil {
		return Vote{}, err
	}
	if !ok {
		return Vote{}, ErrAlreadyVoted
	}
	g.publish(models.EventVoteCast, map[string]interface{}{"proposal_id": proposalID, "voter": voter, "choice": choice})
	return v, nil
}

func (g *Governance) Tally(ctx context.Context, proposalID string) (TallyResult, error) {
	p, err := g.Get(ctx, proposalID)
	if err != nil {
		return TallyResult{}, err
	}
	raw, err := g.Client.HGetAll(ctx, votesKey(proposalID)).Result()
	if err != nil {
		return TallyResult{}, err
	}
	var res TallyResult
	for _, item := range raw {
		var v Vote
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			continue
		}
		switch v.Choice {
		case VoteFor:
			res.For += v.Power
		case VoteAgainst:
			res.Against += v.Power
		case VoteAbstain:
			res.Abstain += v.Power
		}
	}
	if p.TotalVotingPower > 0 {
		res.Participation = float64(res.For+res.Against+res.Abstain) / float64(p.TotalVotingPower)
	}
	return res, nil
}

// Finalize closes voting after the period ends: quorum then approval.
func (g *Governance) Finalize(ctx context.Context, proposalID string) (Proposal, error) {
	p, err := g.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if p.Status != StatusActive {
		return Proposal{}, ErrInvalidTransition
	}
	if g.Now().Before(p.VotingEndsAt) {
		return Proposal{}, ErrVotingOpen
	}
	tally, err := g.Tally(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	outcome := StatusRejected
	if tally.Participation >= p.QuorumFraction {
		decided := tally.For + tally.Against
		if decided > 0 && float64(tally.For)/float64(decided) >= p.ApprovalFraction {
			outcome = StatusPassed
		}
	} else if tally.For+tally.Against+tally.Abstain == 0 {
		outcome = StatusExpired
	}
	next, err := Transition(p.Status, outcome)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = next
	p.UpdatedAt = g.Now()
	if err := g.save(ctx, p); err != nil {
		return Proposal{}, err
	}
	g.publish(models.EventProposalFinal, p)
	return p, nil
}

// Queue stages a passed proposal for execution.
func (g *Governance) Queue(ctx context.Context, proposalID string) (Proposal, error) {
	return g.advance(ctx, proposalID, StatusQueued)
}

// Execute marks a queued proposal executed. On-chain execution is out of
// scope; this only drives the state machine.
func (g *Governance) Execute(ctx context.Context, proposalID string) (Proposal, error) {
	return g.advance(ctx, proposalID, StatusExecuted)
}

func (g *Governance) Cancel(ctx context.Context, proposalID string) (Proposal, error) {
	return g.advance(ctx, proposalID, StatusCancelled)
}

func (g *Governance) advance(ctx context.Context, proposalID, to string) (Proposal, error) {
	p, err := g.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	next, err := Transition(p.Status, to)
	if err != nil {
		return Proposal{}, err
	}
	p.Status = next
	p.UpdatedAt = g.Now()
	return p, g.save(ctx, p)
}

func (g *Governance) Get(ctx context.Context, id string) (Proposal, error) {
	raw, err := g.Client.Get(ctx, proposalKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Proposal{}, ErrProposalNotFound
	}
	if err != nil {
		return Proposal{}, err
	}
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Proposal{}, err
	}
	return p, nil
}

// List returns proposals newest first.
func (g *Governance) List(ctx context.Context, limit int) ([]Proposal, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := g.Client.ZRevRange(ctx, proposalIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := g.Get(ctx, id)
		if errors.Is(err, ErrProposalNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *Governance) save(ctx context.Context, p Proposal) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return g.Client.Set(ctx, proposalKey(p.ID), b, 0).Err()
}

func (g *Governance) publish(eventType string, data interface{}) {
	if g.Hub != nil {
		g.Hub.Publish(stream.NewEvent(eventType, data))
	}
}

const proposalIndexKey = "dao:proposals"

func proposalKey(id string) string { return "dao:proposal:" + id }
func votesKey(id string) string    { return "dao:votes:" + id }
