package storage

import (
	"hash/fnv"
	"sort"

	"github.com/intercoop-network/icn-node/internal/policy"
)

// stableHash gives a deterministic dispersion score for (key, node) ties.
func stableHash(key, nodeID string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(nodeID))
	return h.Sum64()
}

// authorizedFederations is the set of federations a policy allows to hold
// replicas: any federation with read rights plus the managing federation.
func authorizedFederations(p *policy.AccessPolicy) map[string]struct{} {
	out := make(map[string]struct{}, len(p.ReadFeds)+1)
	out[p.Federation] = struct{}{}
	for _, f := range p.ReadFeds {
		out[f] = struct{}{}
	}
	for _, f := range p.WriteFeds {
		out[f] = struct{}{}
	}
	return out
}

// SelectPeers ranks candidates for placing size bytes of key under pol and
// returns up to want peers. Ranking: same-federation first, then capacity
// fit (required), then uptime descending, latency ascending, and a stable
// (key, node) hash on ties so dispersion is deterministic per key.
func SelectPeers(candidates []Peer, pol *policy.AccessPolicy, localFederation, key string, size uint64, want int) []Peer {
	if want <= 0 {
		return nil
	}
	allowed := authorizedFederations(pol)

	eligible := make([]Peer, 0, len(candidates))
	for _, p := range candidates {
		if _, ok := allowed[p.FederationID]; !ok {
			continue
		}
		if p.AvailableSpace < size {
			continue
		}
		eligible = append(eligible, p)
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		aLocal := a.FederationID == localFederation
		bLocal := b.FederationID == localFederation
		if aLocal != bLocal {
			return aLocal
		}
		if a.UptimePct != b.UptimePct {
			return a.UptimePct > b.UptimePct
		}
		if a.LatencyMS != b.LatencyMS {
			return a.LatencyMS < b.LatencyMS
		}
		return stableHash(key, a.NodeID) < stableHash(key, b.NodeID)
	})

	if want > len(eligible) {
		want = len(eligible)
	}
	return eligible[:want]
}
