package federation

import (
	"context"
	"encoding/json"

	"github.com/intercoop-network/icn-node/internal/governance"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/storage"
	"github.com/intercoop-network/icn-node/internal/version"
)

// callerFor resolves a DID into the storage Caller: the DID itself plus
// the federation its identity belongs to.
func callerFor(did identity.DID) storage.Caller {
	return storage.Caller{DID: string(did), Federations: []string{did.Federation()}}
}

// Put writes key into federationName's partition on behalf of caller,
// routed across federations when a route prefix matches, then refreshes
// the caller's quota accounting.
func (n *Node) Put(ctx context.Context, federationName string, caller identity.DID, key string, data []byte, pol *policy.AccessPolicy) (string, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return "", err
	}
	vid, err := fed.router.Put(ctx, callerFor(caller), key, data, pol)
	if err != nil {
		return "", err
	}
	n.refreshQuota(fed, string(caller))
	return vid, nil
}

// Get reads key (a specific version when versionID is non-empty).
func (n *Node) Get(ctx context.Context, federationName string, caller identity.DID, key, versionID string) ([]byte, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return nil, err
	}
	return fed.router.Get(ctx, callerFor(caller), key, versionID)
}

// Delete removes key and all its versions.
func (n *Node) Delete(ctx context.Context, federationName string, caller identity.DID, key string) error {
	fed, err := n.federation(federationName)
	if err != nil {
		return err
	}
	if err := fed.router.Delete(ctx, callerFor(caller), key); err != nil {
		return err
	}
	n.refreshQuota(fed, string(caller))
	return nil
}

// List returns the readable metadata records under prefix.
func (n *Node) List(federationName string, caller identity.DID, prefix string) ([]policy.VersionedFileMetadata, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return nil, err
	}
	return fed.store.List(callerFor(caller), prefix)
}

// History returns up to limit versions of key, newest first.
func (n *Node) History(federationName, key string, limit int) ([]version.Version, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return nil, err
	}
	return fed.store.History(key, limit)
}

// refreshQuota recomputes a member's usage as the sum of the metadata
// sizes they own and folds it into their quota record, so quota checks
// run against real accounting rather than a placeholder.
func (n *Node) refreshQuota(fed *Federation, member string) {
	metas, err := fed.policies.ListMetadata("")
	if err != nil {
		n.logger.WithError(err).Warn("node: quota refresh scan failed")
		return
	}
	var memberUsage, fedUsage uint64
	for _, m := range metas {
		fedUsage += m.TotalSizeBytes
		if m.Owner == member {
			memberUsage += m.TotalSizeBytes
		}
	}
	for _, q := range []struct {
		member string
		usage  uint64
	}{{member, memberUsage}, {"", fedUsage}} {
		_, existing, err := fed.policies.CheckQuota(fed.name, q.member)
		if err != nil || existing == nil {
			continue
		}
		if existing.CurrentUsage != q.usage {
			existing.CurrentUsage = q.usage
			if err := fed.policies.PutQuota(*existing); err != nil {
				n.logger.WithError(err).Warn("node: quota update failed")
			}
		}
	}
}

// ProposePolicy opens a PolicyChange proposal whose content is the policy
// document; approval and execution apply it to the policy store.
func (n *Node) ProposePolicy(federationName string, proposer identity.DID, title, description string,
	pol policy.AccessPolicy, quorumPct, approvalPct float64) (string, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return "", err
	}
	if pol.Federation == "" {
		pol.Federation = federationName
	}
	if err := pol.Validate(); err != nil {
		return "", err
	}
	content, err := json.Marshal(pol)
	if err != nil {
		return "", icnerr.Wrap(icnerr.Internal, "encode policy proposal", err)
	}
	return fed.gov.CreateProposal(title, description, governance.TypePolicyChange, proposer, quorumPct, approvalPct, content)
}

// ApplyPolicy applies the policy carried by an already-Approved
// PolicyChange proposal, the same path its executor takes.
func (n *Node) ApplyPolicy(federationName, proposalID string) (*policy.AccessPolicy, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return nil, err
	}
	p, err := fed.gov.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if p.Type != governance.TypePolicyChange {
		return nil, icnerr.New(icnerr.InvalidInput, "proposal does not carry a policy change")
	}
	if p.Status != governance.StatusApproved && p.Status != governance.StatusExecuted {
		return nil, icnerr.New(icnerr.InvalidStateTransition, "policy proposal is not approved")
	}
	return applyPolicyContent(fed, p.Content)
}

// ListPolicies returns the federation's registered policies.
func (n *Node) ListPolicies(federationName string) ([]policy.AccessPolicy, error) {
	fed, err := n.federation(federationName)
	if err != nil {
		return nil, err
	}
	return fed.policies.ListPolicies(federationName)
}
