package federation

import (
	"encoding/json"
	"fmt"

	"github.com/intercoop-network/icn-node/internal/governance"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/policy"
)

// registerExecutors binds the typed proposal executors for one
// federation. PolicyChange is the governance-storage bridge: an approved
// policy proposal lands directly in the policy store.
func (n *Node) registerExecutors(fed *Federation) {
	fed.gov.RegisterExecutor(governance.TypePolicyChange, func(p *governance.Proposal) error {
		_, err := applyPolicyContent(fed, p.Content)
		return err
	})

	fed.gov.RegisterExecutor(governance.TypeMemberAdd, func(p *governance.Proposal) error {
		var req struct {
			LocalID string `json:"local_id"`
		}
		if err := json.Unmarshal(p.Content, &req); err != nil {
			return icnerr.Wrap(icnerr.InvalidInput, "decode member add", err)
		}
		if req.LocalID == "" {
			return icnerr.New(icnerr.InvalidInput, "member add needs local_id")
		}
		_, err := fed.gate.CreateIdentity(req.LocalID)
		if icnerr.Is(err, icnerr.AlreadyExists) {
			return nil // re-execution is a no-op
		}
		return err
	})

	fed.gov.RegisterExecutor(governance.TypeMemberRemove, func(p *governance.Proposal) error {
		var req struct {
			DID string `json:"did"`
		}
		if err := json.Unmarshal(p.Content, &req); err != nil {
			return icnerr.Wrap(icnerr.InvalidInput, "decode member remove", err)
		}
		return fed.gate.Deactivate(identity.DID(req.DID))
	})

	fed.gov.RegisterExecutor(governance.TypeResourceAlloc, func(p *governance.Proposal) error {
		var req struct {
			From   string `json:"from"`
			To     string `json:"to"`
			Amount int64  `json:"amount"`
			Memo   string `json:"memo"`
		}
		if err := json.Unmarshal(p.Content, &req); err != nil {
			return icnerr.Wrap(icnerr.InvalidInput, "decode resource allocation", err)
		}
		if n.opts.LedgerHook == nil {
			n.zlog.Warnw("resource allocation approved with no ledger attached", "proposal", p.ID)
			return nil
		}
		txID, err := n.opts.LedgerHook.CreateTransaction(req.From, req.To, req.Amount, req.Memo)
		if err != nil {
			return err
		}
		n.zlog.Infow("resource allocation executed", "proposal", p.ID, "tx", txID)
		return nil
	})

	fed.gov.RegisterExecutor(governance.TypeConfigChange, func(p *governance.Proposal) error {
		// configuration proposals are recorded for operators to apply;
		// runtime governance tuning stays out of band
		key := fmt.Sprintf("config_changes:%s", p.ID)
		return fed.backend.Put(key, p.Content)
	})

	fed.gov.RegisterExecutor(governance.TypeDispute, func(p *governance.Proposal) error {
		key := fmt.Sprintf("disputes:%s", p.ID)
		return fed.backend.Put(key, p.Content)
	})
}

func applyPolicyContent(fed *Federation, content json.RawMessage) (*policy.AccessPolicy, error) {
	var pol policy.AccessPolicy
	if err := json.Unmarshal(content, &pol); err != nil {
		return nil, icnerr.Wrap(icnerr.InvalidInput, "decode policy content", err)
	}
	if pol.Federation == "" {
		pol.Federation = fed.name
	}
	return fed.policies.CreatePolicy(pol)
}
