// Package governance runs the proposal lifecycle: a tagged state machine
// from Draft through Voting to Approved/Rejected and Executed/Cancelled,
// with signed reputation-weighted ballots, quorum and approval tallying,
// and typed execution hooks dispatched per proposal type. Proposals and
// vote lists persist as JSON records in the storage backend.
package governance

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	StatusDraft     ProposalStatus = "Draft"
	StatusVoting    ProposalStatus = "Voting"
	StatusApproved  ProposalStatus = "Approved"
	StatusRejected  ProposalStatus = "Rejected"
	StatusExecuted  ProposalStatus = "Executed"
	StatusCancelled ProposalStatus = "Cancelled"
)

func (s ProposalStatus) terminal() bool {
	switch s {
	case StatusRejected, StatusExecuted, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProposalType selects the executor dispatched on execution.
type ProposalType string

const (
	TypePolicyChange  ProposalType = "PolicyChange"
	TypeMemberAdd     ProposalType = "MemberAdd"
	TypeMemberRemove  ProposalType = "MemberRemove"
	TypeResourceAlloc ProposalType = "ResourceAlloc"
	TypeDispute       ProposalType = "Dispute"
	TypeConfigChange  ProposalType = "ConfigChange"
	TypeCustom        ProposalType = "Custom"
)

// VoteChoice is a ballot option.
type VoteChoice string

const (
	ChoiceYes     VoteChoice = "Yes"
	ChoiceNo      VoteChoice = "No"
	ChoiceAbstain VoteChoice = "Abstain"
)

// Proposal is the governance record persisted at proposals:<id>.
type Proposal struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	Description    string            `json:"description"`
	Type           ProposalType      `json:"type"`
	Proposer       identity.DID      `json:"proposer"`
	Status         ProposalStatus    `json:"status"`
	CreatedAt      int64             `json:"created_at"`
	VotingStartsAt int64             `json:"voting_starts_at,omitempty"`
	VotingEndsAt   int64             `json:"voting_ends_at,omitempty"`
	QuorumPct      float64           `json:"quorum_pct"`
	ApprovalPct    float64           `json:"approval_pct"`
	Content        json.RawMessage   `json:"content,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	ProcessedAt    int64             `json:"processed_at,omitempty"`
	Result         string            `json:"result,omitempty"`
	ExecutionError string            `json:"execution_error,omitempty"`
	Signature      []byte            `json:"signature,omitempty"`
}

// signingBytes is the canonical encoding covered by the proposer's
// signature: every field except the signature itself.
func (p *Proposal) signingBytes() ([]byte, error) {
	cp := *p
	cp.Signature = nil
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "encode proposal for signing", err)
	}
	return raw, nil
}

// Vote is one member's ballot, persisted in the votes:<proposal_id> list.
type Vote struct {
	ProposalID string       `json:"proposal_id"`
	Voter      identity.DID `json:"voter"`
	Choice     VoteChoice   `json:"choice"`
	Comment    string       `json:"comment,omitempty"`
	Weight     float64      `json:"weight"`
	Timestamp  int64        `json:"timestamp"`
	Signature  []byte       `json:"signature,omitempty"`
}

func (v *Vote) signingBytes() []byte {
	return []byte(fmt.Sprintf("icn-vote:%s:%s:%s:%f:%d", v.ProposalID, v.Voter, v.Choice, v.Weight, v.Timestamp))
}

// Config tunes the governance engine. Defaults mirror a low-barrier
// cooperative: anyone moderately reputable proposes, voting is open.
type Config struct {
	MinProposalReputation      float64 `json:"min_proposal_reputation"`
	MinVotingReputation        float64 `json:"min_voting_reputation"`
	DefaultVotingPeriodSec     int64   `json:"default_voting_period_sec"`
	ProposalCreationReputation float64 `json:"proposal_creation_reputation"`
	VotingReputation           float64 `json:"voting_reputation"`
	UseWeightedVoting          bool    `json:"use_weighted_voting"`
}

// DefaultConfig returns the standard cooperative tuning.
func DefaultConfig() Config {
	return Config{
		MinProposalReputation:      0.5,
		MinVotingReputation:        0.2,
		DefaultVotingPeriodSec:     86400,
		ProposalCreationReputation: 0.05,
		VotingReputation:           0.02,
		UseWeightedVoting:          true,
	}
}

// IdentityProvider is the identity capability the engine needs: signing,
// verification and reputation. *identity.Gate satisfies it.
type IdentityProvider interface {
	Sign(did identity.DID, payload []byte) ([]byte, error)
	VerifySignature(did identity.DID, payload, sig []byte) error
	Reputation(did identity.DID) (*identity.ReputationRecord, error)
	Award(did identity.DID, delta float64) error
}

// MembershipRoster enumerates the members eligible to vote at a given
// time; their summed reputation is the tally's total possible weight.
type MembershipRoster interface {
	EligibleAt(at time.Time) ([]identity.DID, error)
}

// EventPublisher receives governance lifecycle events for the overlay.
type EventPublisher interface {
	PublishGovernance(operation, proposalID string, payload []byte)
}

// Executor applies an approved proposal's content.
type Executor func(p *Proposal) error

// Engine is the Governance Core handle.
type Engine struct {
	backend   kvstore.Backend
	ids       IdentityProvider
	roster    MembershipRoster
	publisher EventPublisher
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	config    Config
	executors map[ProposalType]Executor
}

// NewEngine wires a governance engine. publisher may be nil on nodes that
// never relay governance traffic.
func NewEngine(backend kvstore.Backend, ids IdentityProvider, roster MembershipRoster,
	publisher EventPublisher, cfg Config, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.DefaultVotingPeriodSec == 0 {
		cfg = DefaultConfig()
	}
	e := &Engine{
		backend:   backend,
		ids:       ids,
		roster:    roster,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
		executors: make(map[ProposalType]Executor),
	}
	// Custom proposals always have a dispatch target; concrete executors
	// for the other types are registered by the node at wiring time.
	e.executors[TypeCustom] = func(*Proposal) error { return nil }
	return e
}

// RegisterExecutor binds an executor to a proposal type.
func (e *Engine) RegisterExecutor(t ProposalType, ex Executor) {
	e.mu.Lock()
	e.executors[t] = ex
	e.mu.Unlock()
}

// Config returns the engine's current tuning.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func proposalKey(id string) string { return fmt.Sprintf("proposals:%s", id) }
func votesKey(id string) string    { return fmt.Sprintf("votes:%s", id) }

func (e *Engine) loadProposal(id string) (*Proposal, error) {
	raw, err := e.backend.Get(proposalKey(id))
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("proposal %s not found", id))
		}
		return nil, err
	}
	var p Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode proposal", err)
	}
	return &p, nil
}

func (e *Engine) saveProposal(p *Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode proposal", err)
	}
	return e.backend.Put(proposalKey(p.ID), raw)
}

func (e *Engine) loadVotes(proposalID string) ([]Vote, error) {
	raw, err := e.backend.Get(votesKey(proposalID))
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	var votes []Vote
	if err := json.Unmarshal(raw, &votes); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode votes", err)
	}
	return votes, nil
}

func (e *Engine) saveVotes(proposalID string, votes []Vote) error {
	raw, err := json.Marshal(votes)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode votes", err)
	}
	return e.backend.Put(votesKey(proposalID), raw)
}

// CreateProposal validates, signs and stores a new Draft proposal,
// returning its id.
func (e *Engine) CreateProposal(title, description string, typ ProposalType, proposer identity.DID,
	quorumPct, approvalPct float64, content json.RawMessage) (string, error) {
	if title == "" {
		return "", icnerr.New(icnerr.InvalidInput, "proposal title required")
	}
	if quorumPct < 0 || quorumPct > 100 || approvalPct < 0 || approvalPct > 100 {
		return "", icnerr.New(icnerr.InvalidInput, "quorum and approval percentages must be in [0,100]")
	}
	cfg := e.Config()
	rep, err := e.ids.Reputation(proposer)
	if err != nil {
		return "", err
	}
	if rep.Overall < cfg.MinProposalReputation {
		return "", icnerr.New(icnerr.PermissionDenied,
			fmt.Sprintf("proposer reputation %.2f below minimum %.2f", rep.Overall, cfg.MinProposalReputation))
	}

	p := &Proposal{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Type:        typ,
		Proposer:    proposer,
		Status:      StatusDraft,
		CreatedAt:   time.Now().Unix(),
		QuorumPct:   quorumPct,
		ApprovalPct: approvalPct,
		Content:     content,
	}
	payload, err := p.signingBytes()
	if err != nil {
		return "", err
	}
	sig, err := e.ids.Sign(proposer, payload)
	if err != nil {
		return "", err
	}
	p.Signature = sig
	if err := e.saveProposal(p); err != nil {
		return "", err
	}
	e.publish("proposal", p)
	e.logger.Infow("proposal created", "id", p.ID, "type", p.Type, "proposer", proposer)
	return p.ID, nil
}

// StartVoting moves a Draft proposal into Voting for durationSec seconds
// (the configured default when zero). Re-entering Voting is a no-op.
func (e *Engine) StartVoting(id string, durationSec int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status == StatusVoting {
		return nil
	}
	if p.Status != StatusDraft {
		return icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("cannot start voting on %s proposal %s", p.Status, id))
	}
	if durationSec <= 0 {
		durationSec = e.config.DefaultVotingPeriodSec
	}
	now := time.Now().Unix()
	p.Status = StatusVoting
	p.VotingStartsAt = now
	p.VotingEndsAt = now + durationSec
	if err := e.saveProposal(p); err != nil {
		return err
	}
	e.publish("voting_started", p)
	e.logger.Infow("voting started", "id", id, "ends_at", p.VotingEndsAt)
	return nil
}

// CastVote records one signed ballot. Weight defaults to the voter's
// reputation (1.0 when weighted voting is disabled); a second ballot from
// the same voter fails Conflict.
func (e *Engine) CastVote(proposalID string, voter identity.DID, choice VoteChoice, comment string, weight float64) error {
	switch choice {
	case ChoiceYes, ChoiceNo, ChoiceAbstain:
	default:
		return icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unknown vote choice %q", choice))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadProposal(proposalID)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	if p.Status != StatusVoting || now < p.VotingStartsAt || now > p.VotingEndsAt {
		return icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("voting closed for proposal %s", proposalID))
	}

	cfg := e.config
	rep, err := e.ids.Reputation(voter)
	if err != nil {
		return err
	}
	if rep.Overall < cfg.MinVotingReputation {
		return icnerr.New(icnerr.PermissionDenied,
			fmt.Sprintf("voter reputation %.2f below minimum %.2f", rep.Overall, cfg.MinVotingReputation))
	}

	votes, err := e.loadVotes(proposalID)
	if err != nil {
		return err
	}
	for _, v := range votes {
		if v.Voter == voter {
			return icnerr.New(icnerr.Conflict, fmt.Sprintf("%s already voted on %s", voter, proposalID))
		}
	}

	if !cfg.UseWeightedVoting {
		weight = 1.0
	} else if weight <= 0 {
		weight = rep.Overall
	}
	if weight <= 0 {
		return icnerr.New(icnerr.InvalidInput, "vote weight must be positive")
	}

	v := Vote{
		ProposalID: proposalID,
		Voter:      voter,
		Choice:     choice,
		Comment:    comment,
		Weight:     weight,
		Timestamp:  now,
	}
	sig, err := e.ids.Sign(voter, v.signingBytes())
	if err != nil {
		return err
	}
	v.Signature = sig

	votes = append(votes, v)
	if err := e.saveVotes(proposalID, votes); err != nil {
		return err
	}
	e.publish("vote", p)
	e.logger.Infow("vote cast", "proposal", proposalID, "voter", voter, "choice", choice, "weight", weight)
	return nil
}

// Tally is the outcome of FinalizeVoting.
type Tally struct {
	YesWeight           float64 `json:"yes_weight"`
	NoWeight            float64 `json:"no_weight"`
	AbstainWeight       float64 `json:"abstain_weight"`
	TotalWeight         float64 `json:"total_weight"`
	TotalPossibleWeight float64 `json:"total_possible_weight"`
	QuorumReached       bool    `json:"quorum_reached"`
	Status              ProposalStatus
}

// FinalizeVoting closes a Voting proposal after its window: quorum is
// participation weight over the summed reputation of every member eligible
// at voting_ends_at; approval ignores abstentions; a yes/no tie rejects.
// Each voter is awarded the configured voting reputation. Re-finalizing an
// already-decided proposal returns its standing tally without error.
func (e *Engine) FinalizeVoting(id string) (*Tally, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadProposal(id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusApproved || p.Status == StatusRejected || p.Status == StatusExecuted {
		return e.storedTally(p)
	}
	if p.Status != StatusVoting {
		return nil, icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("cannot finalize %s proposal %s", p.Status, id))
	}
	now := time.Now().Unix()
	if now < p.VotingEndsAt {
		return nil, icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("voting on %s is open until %d", id, p.VotingEndsAt))
	}

	votes, err := e.loadVotes(id)
	if err != nil {
		return nil, err
	}

	var tally Tally
	for _, v := range votes {
		tally.TotalWeight += v.Weight
		switch v.Choice {
		case ChoiceYes:
			tally.YesWeight += v.Weight
		case ChoiceNo:
			tally.NoWeight += v.Weight
		case ChoiceAbstain:
			tally.AbstainWeight += v.Weight
		}
	}

	eligible, err := e.roster.EligibleAt(time.Unix(p.VotingEndsAt, 0))
	if err != nil {
		return nil, err
	}
	for _, did := range eligible {
		rep, err := e.ids.Reputation(did)
		if err != nil {
			continue
		}
		tally.TotalPossibleWeight += rep.Overall
	}

	tally.QuorumReached = tally.TotalPossibleWeight > 0 &&
		tally.TotalWeight/tally.TotalPossibleWeight >= p.QuorumPct/100
	decided := tally.TotalWeight - tally.AbstainWeight

	switch {
	case !tally.QuorumReached:
		p.Status = StatusRejected
		p.Result = "Quorum not reached"
	case decided > 0 && tally.YesWeight/decided >= p.ApprovalPct/100 && tally.YesWeight != tally.NoWeight:
		p.Status = StatusApproved
		p.Result = fmt.Sprintf("Approved with %.1f%% of %.2f deciding weight",
			100*tally.YesWeight/decided, decided)
	default:
		p.Status = StatusRejected
		p.Result = fmt.Sprintf("Rejected with %.2f yes against %.2f no", tally.YesWeight, tally.NoWeight)
	}
	tally.Status = p.Status
	p.ProcessedAt = now

	if err := e.saveProposal(p); err != nil {
		return nil, err
	}
	for _, v := range votes {
		if err := e.ids.Award(v.Voter, e.config.VotingReputation); err != nil {
			e.logger.Warnw("voting reputation award failed", "voter", v.Voter, "err", err)
		}
	}
	e.publish("finalized", p)
	e.logger.Infow("voting finalized", "id", id, "status", p.Status, "result", p.Result)
	return &tally, nil
}

// storedTally recomputes the arithmetic part of a tally from persisted
// votes for idempotent re-finalization.
func (e *Engine) storedTally(p *Proposal) (*Tally, error) {
	votes, err := e.loadVotes(p.ID)
	if err != nil {
		return nil, err
	}
	var tally Tally
	for _, v := range votes {
		tally.TotalWeight += v.Weight
		switch v.Choice {
		case ChoiceYes:
			tally.YesWeight += v.Weight
		case ChoiceNo:
			tally.NoWeight += v.Weight
		case ChoiceAbstain:
			tally.AbstainWeight += v.Weight
		}
	}
	tally.Status = p.Status
	tally.QuorumReached = p.Status != StatusRejected || p.Result != "Quorum not reached"
	return &tally, nil
}

// ExecuteProposal dispatches an Approved proposal to its typed executor.
// Executor failure leaves the proposal Approved with the error recorded;
// success transitions to Executed and awards the proposer. Re-executing an
// Executed proposal is a no-op.
func (e *Engine) ExecuteProposal(id string) error {
	e.mu.Lock()
	p, err := e.loadProposal(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if p.Status == StatusExecuted {
		e.mu.Unlock()
		return nil
	}
	if p.Status != StatusApproved {
		e.mu.Unlock()
		return icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("cannot execute %s proposal %s", p.Status, id))
	}
	ex, ok := e.executors[p.Type]
	e.mu.Unlock()
	if !ok {
		return icnerr.New(icnerr.InvalidInput, fmt.Sprintf("no executor registered for %s proposals", p.Type))
	}

	// the executor may call back into storage/policy; run it unlocked
	execErr := ex(p)

	e.mu.Lock()
	defer e.mu.Unlock()
	fresh, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if execErr != nil {
		fresh.ExecutionError = execErr.Error()
		if err := e.saveProposal(fresh); err != nil {
			return err
		}
		e.logger.Errorw("proposal execution failed", "id", id, "err", execErr)
		return icnerr.Wrap(icnerr.Internal, fmt.Sprintf("execute proposal %s", id), execErr)
	}
	fresh.Status = StatusExecuted
	fresh.ExecutionError = ""
	if err := e.saveProposal(fresh); err != nil {
		return err
	}
	if err := e.ids.Award(fresh.Proposer, e.config.ProposalCreationReputation); err != nil {
		e.logger.Warnw("proposer reputation award failed", "proposer", fresh.Proposer, "err", err)
	}
	e.publish("executed", fresh)
	e.logger.Infow("proposal executed", "id", id)
	return nil
}

// CancelProposal moves a Draft or Voting proposal to Cancelled. Only the
// proposer may cancel; cancelling an already-Cancelled proposal is a
// no-op.
func (e *Engine) CancelProposal(id string, by identity.DID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.loadProposal(id)
	if err != nil {
		return err
	}
	if p.Status == StatusCancelled {
		return nil
	}
	if p.Status.terminal() || p.Status == StatusApproved {
		return icnerr.New(icnerr.InvalidStateTransition,
			fmt.Sprintf("cannot cancel %s proposal %s", p.Status, id))
	}
	if p.Proposer != by {
		return icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("only %s may cancel proposal %s", p.Proposer, id))
	}
	p.Status = StatusCancelled
	p.ProcessedAt = time.Now().Unix()
	if err := e.saveProposal(p); err != nil {
		return err
	}
	e.publish("cancelled", p)
	e.logger.Infow("proposal cancelled", "id", id, "by", by)
	return nil
}

// GetProposal returns one proposal by id.
func (e *Engine) GetProposal(id string) (*Proposal, error) {
	return e.loadProposal(id)
}

// Votes returns the recorded ballots for a proposal.
func (e *Engine) Votes(proposalID string) ([]Vote, error) {
	if _, err := e.loadProposal(proposalID); err != nil {
		return nil, err
	}
	return e.loadVotes(proposalID)
}

// ListProposals returns proposal headers, optionally filtered by status.
func (e *Engine) ListProposals(status ProposalStatus) ([]Proposal, error) {
	keys, err := e.backend.List("proposals:")
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(keys))
	for _, k := range keys {
		raw, err := e.backend.Get(k)
		if err != nil {
			continue
		}
		var p Proposal
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, icnerr.Wrap(icnerr.IntegrityError, "decode proposal", err)
		}
		if status != "" && p.Status != status {
			continue
		}
		p.Content = nil // headers only
		out = append(out, p)
	}
	return out, nil
}

// VerifyProposalSignature checks a proposal's stored signature against its
// proposer's DID document.
func (e *Engine) VerifyProposalSignature(p *Proposal) error {
	payload, err := p.signingBytes()
	if err != nil {
		return err
	}
	return e.ids.VerifySignature(p.Proposer, payload, p.Signature)
}

func (e *Engine) publish(operation string, p *Proposal) {
	if e.publisher == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	e.publisher.PublishGovernance(operation, p.ID, raw)
}
