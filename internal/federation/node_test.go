package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/governance"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/overlay"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/router"
	"github.com/intercoop-network/icn-node/internal/storage"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestNode(t *testing.T, hub *overlay.MemoryHub, nodeID, federationName string) *Node {
	t.Helper()
	transport := hub.Attach(nodeID, federationName)
	node, err := NewNode(Options{
		BaseDir:    t.TempDir(),
		NodeID:     nodeID,
		OperatorID: "operator",
		Logger:     quietLogger(),
	}, transport)
	if err != nil {
		t.Fatalf("NewNode(%s): %v", nodeID, err)
	}
	t.Cleanup(func() { node.Close() })
	if _, err := node.InitFederation(federationName, true); err != nil {
		t.Fatalf("InitFederation(%s): %v", federationName, err)
	}
	return node
}

func memberDID(t *testing.T, node *Node, federationName, local string) identity.DID {
	t.Helper()
	fed, err := node.Federation(federationName)
	if err != nil {
		t.Fatalf("Federation(%s): %v", federationName, err)
	}
	doc, err := fed.Gate().CreateIdentity(local)
	if err != nil {
		t.Fatalf("CreateIdentity(%s): %v", local, err)
	}
	return doc.ID
}

func TestInitFederationValidatesAndRejectsDuplicates(t *testing.T) {
	hub := overlay.NewMemoryHub()
	node := newTestNode(t, hub, "node1", "fed_a")

	if _, err := node.InitFederation("fed_a", false); !icnerr.Is(err, icnerr.AlreadyExists) {
		t.Fatalf("duplicate init: got err %v, want AlreadyExists", err)
	}
	for _, bad := range []string{"", "UPPER", "spaces here", "x/y"} {
		if _, err := node.InitFederation(bad, false); !icnerr.Is(err, icnerr.InvalidInput) {
			t.Fatalf("InitFederation(%q): got err %v, want InvalidInput", bad, err)
		}
	}
}

func TestNodeStateSurvivesRestart(t *testing.T) {
	hub := overlay.NewMemoryHub()
	baseDir := t.TempDir()
	transport := hub.Attach("node1", "fed_a")
	node, err := NewNode(Options{BaseDir: baseDir, NodeID: "node1", OperatorID: "operator", Logger: quietLogger()}, transport)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if _, err := node.InitFederation("fed_a", true); err != nil {
		t.Fatalf("InitFederation: %v", err)
	}
	alice := memberDID(t, node, "fed_a", "alice")
	pol := &policy.AccessPolicy{Federation: "fed_a", PathPattern: "*", Redundancy: 1, EncryptionRequired: true, VersioningEnabled: true, MaxVersions: 4}
	ctx := context.Background()
	if _, err := node.Put(ctx, "fed_a", alice, "doc/readme", []byte("persistent"), pol); err != nil {
		t.Fatalf("Put: %v", err)
	}
	node.Close()

	transport2 := hub.Attach("node1b", "fed_a")
	reopened, err := NewNode(Options{BaseDir: baseDir, NodeID: "node1", OperatorID: "operator", Logger: quietLogger()}, transport2)
	if err != nil {
		t.Fatalf("NewNode (reopen): %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "fed_a", alice, "doc/readme", "")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if !bytes.Equal(got, []byte("persistent")) {
		t.Fatalf("Get after restart: got %q", got)
	}
}

func TestPolicyGovernanceBridge(t *testing.T) {
	hub := overlay.NewMemoryHub()
	node := newTestNode(t, hub, "node1", "fed_a")
	alice := memberDID(t, node, "fed_a", "alice")
	fed, _ := node.Federation("fed_a")
	if err := fed.Gate().SetReputation(alice, 0.9); err != nil {
		t.Fatalf("SetReputation: %v", err)
	}

	proposed := policy.AccessPolicy{
		Federation:        "fed_a",
		PathPattern:       "docs/*",
		ReadFeds:          []string{"fed_b"},
		Redundancy:        2,
		VersioningEnabled: true,
		MaxVersions:       8,
	}
	pid, err := node.ProposePolicy("fed_a", alice, "Open docs to fed_b", "", proposed, 10, 50)
	if err != nil {
		t.Fatalf("ProposePolicy: %v", err)
	}
	gov := fed.Governance()
	if err := gov.StartVoting(pid, 3600); err != nil {
		t.Fatalf("StartVoting: %v", err)
	}
	if err := gov.CastVote(pid, alice, governance.ChoiceYes, "", 0); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	// close the window so the tally can run
	p, err := gov.GetProposal(pid)
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	p.VotingEndsAt = time.Now().Unix() - 1
	raw, _ := json.Marshal(p)
	if err := fed.backend.Put("proposals:"+pid, raw); err != nil {
		t.Fatalf("rewind voting window: %v", err)
	}

	tally, err := gov.FinalizeVoting(pid)
	if err != nil {
		t.Fatalf("FinalizeVoting: %v", err)
	}
	if tally.Status != governance.StatusApproved {
		t.Fatalf("tally: got %s, want Approved", tally.Status)
	}
	if err := gov.ExecuteProposal(pid); err != nil {
		t.Fatalf("ExecuteProposal: %v", err)
	}

	policies, err := node.ListPolicies("fed_a")
	if err != nil {
		t.Fatalf("ListPolicies: %v", err)
	}
	found := false
	for _, pol := range policies {
		if pol.PathPattern == "docs/*" && len(pol.ReadFeds) == 1 && pol.ReadFeds[0] == "fed_b" {
			found = true
		}
	}
	if !found {
		t.Fatalf("executed policy proposal never landed in the policy store: %+v", policies)
	}
}

func TestReplicationAcrossNodesOverBus(t *testing.T) {
	hub := overlay.NewMemoryHub()
	nodeA := newTestNode(t, hub, "nodeA", "fed_a")
	nodeB := newTestNode(t, hub, "nodeB", "fed_a")

	fedA, _ := nodeA.Federation("fed_a")
	if err := fedA.Registry().Register(storage.Peer{
		NodeID:         "nodeB",
		Address:        "mem://nodeB",
		FederationID:   "fed_a",
		TotalCapacity:  1 << 30,
		AvailableSpace: 1 << 30,
		UptimePct:      99,
	}); err != nil {
		t.Fatalf("Register peer: %v", err)
	}

	alice := memberDID(t, nodeA, "fed_a", "alice")
	pol := &policy.AccessPolicy{Federation: "fed_a", PathPattern: "*", Redundancy: 2}
	ctx := context.Background()
	vid, err := nodeA.Put(ctx, "fed_a", alice, "rep/key", []byte("replicated"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	fedB, _ := nodeB.Federation("fed_a")
	blob, err := fedB.Store().ReplicaBlob("rep/key", vid)
	if err != nil {
		t.Fatalf("nodeB never received the replica: %v", err)
	}
	if !bytes.Equal(blob, []byte("replicated")) {
		t.Fatalf("replica content wrong: %q", blob)
	}
}

func TestRoutedWriteAcrossFederations(t *testing.T) {
	hub := overlay.NewMemoryHub()
	nodeA := newTestNode(t, hub, "nodeA", "fed_a")
	newTestNode(t, hub, "nodeB", "fed_b")

	if err := nodeA.RegisterAgreement(router.Agreement{
		LocalFederation:  "fed_a",
		RemoteFederation: "fed_b",
		GrantedRights:    []string{"read", "write"},
	}); err != nil {
		t.Fatalf("RegisterAgreement: %v", err)
	}

	fedA, _ := nodeA.Federation("fed_a")
	routePol := policy.AccessPolicy{
		PolicyID:   "shared-policy",
		Federation: "fed_a",
		ReadFeds:   []string{"fed_b"},
		WriteFeds:  []string{"fed_b"},
		Redundancy: 1,
	}
	if err := fedA.Router().AddRoute(router.Route{
		KeyPrefix:         "shared/",
		TargetFederations: []string{"fed_b"},
		PriorityOrder:     true,
		AccessPolicy:      routePol,
	}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	alice := memberDID(t, nodeA, "fed_a", "alice")
	ctx := context.Background()
	vid, err := nodeA.Put(ctx, "fed_a", alice, "shared/doc", []byte("cross-fed"), &routePol)
	if err != nil {
		t.Fatalf("routed Put: %v", err)
	}
	if vid == "" {
		t.Fatal("routed Put returned no version id")
	}

	got, err := nodeA.Get(ctx, "fed_a", alice, "shared/doc", "")
	if err != nil {
		t.Fatalf("routed Get: %v", err)
	}
	if !bytes.Equal(got, []byte("cross-fed")) {
		t.Fatalf("routed Get: got %q", got)
	}
}

func TestRoutedWriteWithoutAgreementFails(t *testing.T) {
	hub := overlay.NewMemoryHub()
	nodeA := newTestNode(t, hub, "nodeA", "fed_a")
	newTestNode(t, hub, "nodeB", "fed_b")

	fedA, _ := nodeA.Federation("fed_a")
	routePol := policy.AccessPolicy{PolicyID: "p", Federation: "fed_a", ReadFeds: []string{"fed_b"}, WriteFeds: []string{"fed_b"}, Redundancy: 1}
	if err := fedA.Router().AddRoute(router.Route{
		KeyPrefix:         "shared/",
		TargetFederations: []string{"fed_b"},
		AccessPolicy:      routePol,
	}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	alice := memberDID(t, nodeA, "fed_a", "alice")
	_, err := nodeA.Put(context.Background(), "fed_a", alice, "shared/doc", []byte("x"), &routePol)
	if !icnerr.Is(err, icnerr.FederationUnavailable) {
		t.Fatalf("routed Put without agreement: got err %v, want FederationUnavailable", err)
	}
}

func TestRemoteDIDResolutionOverBus(t *testing.T) {
	hub := overlay.NewMemoryHub()
	nodeA := newTestNode(t, hub, "nodeA", "fed_a")
	nodeB := newTestNode(t, hub, "nodeB", "fed_b")

	bob := memberDID(t, nodeB, "fed_b", "bob")
	fedA, _ := nodeA.Federation("fed_a")
	doc, err := fedA.Gate().Resolve(bob)
	if err != nil {
		t.Fatalf("remote Resolve: %v", err)
	}
	if doc.ID != bob || len(doc.VerificationMethods) != 1 {
		t.Fatalf("remote document wrong: %+v", doc)
	}
}

func TestQuotaAccountingFromMetadata(t *testing.T) {
	hub := overlay.NewMemoryHub()
	node := newTestNode(t, hub, "node1", "fed_a")
	alice := memberDID(t, node, "fed_a", "alice")
	fed, _ := node.Federation("fed_a")

	if err := fed.Policies().PutQuota(policy.Quota{Federation: "fed_a", Member: string(alice), MaxBytes: 1 << 20}); err != nil {
		t.Fatalf("PutQuota: %v", err)
	}

	pol := &policy.AccessPolicy{Federation: "fed_a", PathPattern: "*", Redundancy: 1}
	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 1024)
	if _, err := node.Put(ctx, "fed_a", alice, "q/one", payload, pol); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, q, err := fed.Policies().CheckQuota("fed_a", string(alice))
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if q == nil || q.CurrentUsage != 1024 {
		t.Fatalf("usage accounting wrong: %+v", q)
	}
}
