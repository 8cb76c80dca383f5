package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

// evidenceStep scales how far a single evidence item moves a score.
const evidenceStep = 0.1

// Evidence is a signed assertion about a DID's behaviour, weight ∈ [-1,1].
type Evidence struct {
	EvidenceID string  `json:"evidence_id"`
	Subject    DID     `json:"subject"`
	Submitter  DID     `json:"submitter"`
	Category   string  `json:"category"`
	Weight     float64 `json:"weight"`
	Comment    string  `json:"comment,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	Signature  []byte  `json:"signature"`
}

func (e *Evidence) signingBytes() []byte {
	return []byte(fmt.Sprintf("icn-evidence:%s:%s:%s:%s:%f:%d",
		e.EvidenceID, e.Subject, e.Submitter, e.Category, e.Weight, e.CreatedAt))
}

// ReputationRecord is the accumulated standing of a DID.
type ReputationRecord struct {
	DID            DID                `json:"did"`
	Overall        float64            `json:"overall"`
	PositiveCount  uint64             `json:"positive_count"`
	NegativeCount  uint64             `json:"negative_count"`
	CategoryScores map[string]float64 `json:"category_scores"`
	UpdatedAt      int64              `json:"updated_at"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func newRecord(did DID) *ReputationRecord {
	return &ReputationRecord{
		DID:            did,
		Overall:        0.5,
		CategoryScores: make(map[string]float64),
		UpdatedAt:      time.Now().Unix(),
	}
}

// Reputation returns the current record for did, a neutral record when no
// evidence has ever been submitted.
func (g *Gate) Reputation(did DID) (*ReputationRecord, error) {
	raw, err := g.backend.Get(repKey(did))
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return newRecord(did), nil
		}
		return nil, err
	}
	var rec ReputationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode reputation record", err)
	}
	return &rec, nil
}

func (g *Gate) saveReputation(rec *ReputationRecord) error {
	rec.UpdatedAt = time.Now().Unix()
	raw, err := json.Marshal(rec)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode reputation record", err)
	}
	return g.backend.Put(repKey(rec.DID), raw)
}

// SubmitEvidence verifies the submitter's signature over the evidence,
// appends it to the subject's evidence log and folds its weight into the
// record's overall and per-category scores.
func (g *Gate) SubmitEvidence(ev Evidence) (*ReputationRecord, error) {
	if ev.Weight < -1 || ev.Weight > 1 {
		return nil, icnerr.New(icnerr.InvalidInput, "evidence weight must be in [-1,1]")
	}
	if ev.EvidenceID == "" {
		ev.EvidenceID = uuid.New().String()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if err := g.VerifySignature(ev.Submitter, ev.signingBytes(), ev.Signature); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "encode evidence", err)
	}
	logKey := fmt.Sprintf("identity:evidence:%s:%s", ev.Subject, ev.EvidenceID)
	if err := g.backend.Put(logKey, raw); err != nil {
		return nil, err
	}

	rec, err := g.Reputation(ev.Subject)
	if err != nil {
		return nil, err
	}
	rec.Overall = clamp01(rec.Overall + ev.Weight*evidenceStep)
	if ev.Category != "" {
		cur, ok := rec.CategoryScores[ev.Category]
		if !ok {
			cur = 0.5
		}
		rec.CategoryScores[ev.Category] = clamp01(cur + ev.Weight*evidenceStep)
	}
	if ev.Weight >= 0 {
		rec.PositiveCount++
	} else {
		rec.NegativeCount++
	}
	if err := g.saveReputation(rec); err != nil {
		return nil, err
	}
	g.logger.Debugw("evidence applied", "subject", ev.Subject, "weight", ev.Weight, "overall", rec.Overall)
	return rec, nil
}

// Award adjusts a DID's overall score directly, used by governance for its
// voting and proposal-execution rewards.
func (g *Gate) Award(did DID, delta float64) error {
	rec, err := g.Reputation(did)
	if err != nil {
		return err
	}
	rec.Overall = clamp01(rec.Overall + delta)
	if delta >= 0 {
		rec.PositiveCount++
	} else {
		rec.NegativeCount++
	}
	return g.saveReputation(rec)
}

// SetReputation pins a DID's overall score, used by administrators and
// tests to seed known member weights.
func (g *Gate) SetReputation(did DID, overall float64) error {
	rec, err := g.Reputation(did)
	if err != nil {
		return err
	}
	rec.Overall = clamp01(overall)
	return g.saveReputation(rec)
}
