package storage

import (
	"testing"

	"github.com/intercoop-network/icn-node/internal/policy"
)

func placementPolicy() *policy.AccessPolicy {
	return &policy.AccessPolicy{
		Federation: "fedA",
		ReadFeds:   []string{"fedB"},
		Redundancy: 2,
	}
}

func TestSelectPeersPrefersLocalFederation(t *testing.T) {
	peers := []Peer{
		{NodeID: "remote", FederationID: "fedB", AvailableSpace: 1000, UptimePct: 100, LatencyMS: 1},
		{NodeID: "local", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 90, LatencyMS: 50},
	}
	got := SelectPeers(peers, placementPolicy(), "fedA", "k", 10, 1)
	if len(got) != 1 || got[0].NodeID != "local" {
		t.Fatalf("federation affinity should win: %+v", got)
	}
}

func TestSelectPeersRejectsUnauthorizedAndFull(t *testing.T) {
	peers := []Peer{
		{NodeID: "outsider", FederationID: "fedZ", AvailableSpace: 1000, UptimePct: 100},
		{NodeID: "full", FederationID: "fedA", AvailableSpace: 5, UptimePct: 100},
		{NodeID: "ok", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 80},
	}
	got := SelectPeers(peers, placementPolicy(), "fedA", "k", 10, 3)
	if len(got) != 1 || got[0].NodeID != "ok" {
		t.Fatalf("only the authorised peer with capacity qualifies: %+v", got)
	}
}

func TestSelectPeersRanksUptimeThenLatency(t *testing.T) {
	peers := []Peer{
		{NodeID: "slow", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 99, LatencyMS: 80},
		{NodeID: "fast", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 99, LatencyMS: 5},
		{NodeID: "flaky", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 50, LatencyMS: 1},
	}
	got := SelectPeers(peers, placementPolicy(), "fedA", "k", 10, 3)
	if got[0].NodeID != "fast" || got[1].NodeID != "slow" || got[2].NodeID != "flaky" {
		t.Fatalf("rank order wrong: %v, %v, %v", got[0].NodeID, got[1].NodeID, got[2].NodeID)
	}
}

func TestSelectPeersDeterministicOnTies(t *testing.T) {
	peers := []Peer{
		{NodeID: "a", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 99, LatencyMS: 5},
		{NodeID: "b", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 99, LatencyMS: 5},
		{NodeID: "c", FederationID: "fedA", AvailableSpace: 1000, UptimePct: 99, LatencyMS: 5},
	}
	first := SelectPeers(peers, placementPolicy(), "fedA", "some/key", 10, 2)
	for i := 0; i < 10; i++ {
		again := SelectPeers(peers, placementPolicy(), "fedA", "some/key", 10, 2)
		if first[0].NodeID != again[0].NodeID || first[1].NodeID != again[1].NodeID {
			t.Fatal("tie-broken selection must be deterministic for a key")
		}
	}
	// a different key may disperse differently, but must also be stable
	other := SelectPeers(peers, placementPolicy(), "fedA", "other/key", 10, 2)
	if len(other) != 2 {
		t.Fatalf("want 2 peers, got %d", len(other))
	}
}
