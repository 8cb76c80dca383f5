package router

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/storage"
)

type fakeLocal struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{data: make(map[string][]byte)}
}

func (f *fakeLocal) Put(_ context.Context, _ storage.Caller, key string, data []byte, _ *policy.AccessPolicy) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = data
	return "local-version", nil
}

func (f *fakeLocal) Get(_ context.Context, _ storage.Caller, key, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, icnerr.ErrNotFound
	}
	return v, nil
}

func (f *fakeLocal) Delete(_ context.Context, _ storage.Caller, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeLocal) FederationID() string { return "fedA" }

type fakeRemote struct {
	mu   sync.Mutex
	data map[string]map[string][]byte // federation -> key -> value
	fail map[string]bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[string]map[string][]byte), fail: make(map[string]bool)}
}

func (f *fakeRemote) RemotePut(_ context.Context, federation, key string, data []byte, _ *policy.AccessPolicy) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[federation] {
		return "", icnerr.New(icnerr.Transient, "federation down")
	}
	if f.data[federation] == nil {
		f.data[federation] = make(map[string][]byte)
	}
	f.data[federation][key] = data
	return "remote-version-" + federation, nil
}

func (f *fakeRemote) RemoteGet(_ context.Context, federation, key, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[federation] {
		return nil, icnerr.New(icnerr.Transient, "federation down")
	}
	v, ok := f.data[federation][key]
	if !ok {
		return nil, icnerr.ErrNotFound
	}
	return v, nil
}

func (f *fakeRemote) RemoteDelete(_ context.Context, federation, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[federation] {
		return icnerr.New(icnerr.Transient, "federation down")
	}
	delete(f.data[federation], key)
	return nil
}

type fakeAgreements struct {
	with map[string]bool
}

func (f *fakeAgreements) AgreementWith(remote string) (*Agreement, error) {
	if !f.with[remote] {
		return nil, icnerr.ErrNotFound
	}
	return &Agreement{LocalFederation: "fedA", RemoteFederation: remote}, nil
}

func routePolicy(redundancy uint8) policy.AccessPolicy {
	return policy.AccessPolicy{
		PolicyID:   "route-policy",
		Federation: "fedA",
		Redundancy: redundancy,
	}
}

func newTestRouter(t *testing.T, agreements map[string]bool) (*Router, *fakeLocal, *fakeRemote) {
	t.Helper()
	local := newFakeLocal()
	remote := newFakeRemote()
	r, err := NewRouter(kvstore.NewMemoryBackend(), local, remote, &fakeAgreements{with: agreements}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r, local, remote
}

var caller = storage.Caller{DID: "did:icn:fedA:alice", Federations: []string{"fedA"}}

func TestMatchLongestPrefix(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	for _, rt := range []Route{
		{KeyPrefix: "shared/", TargetFederations: []string{"fedB"}, AccessPolicy: routePolicy(1)},
		{KeyPrefix: "shared/docs/", TargetFederations: []string{"fedC"}, AccessPolicy: routePolicy(1)},
		{KeyPrefix: "sharee/", TargetFederations: []string{"fedD"}, AccessPolicy: routePolicy(1)},
	} {
		if err := r.AddRoute(rt); err != nil {
			t.Fatalf("AddRoute(%s): %v", rt.KeyPrefix, err)
		}
	}

	if got := r.Match("shared/docs/readme"); got == nil || got.TargetFederations[0] != "fedC" {
		t.Fatalf("longest prefix should win: %+v", got)
	}
	if got := r.Match("shared/other"); got == nil || got.TargetFederations[0] != "fedB" {
		t.Fatalf("shorter prefix should match: %+v", got)
	}
	if got := r.Match("unrouted/key"); got != nil {
		t.Fatalf("unrouted key matched %+v", got)
	}
}

func TestUnroutedKeysStayLocal(t *testing.T) {
	r, local, _ := newTestRouter(t, nil)
	pol := routePolicy(1)
	vid, err := r.Put(context.Background(), caller, "plain/key", []byte("v"), &pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if vid != "local-version" {
		t.Fatalf("unrouted put should hit local store, got %s", vid)
	}
	if _, ok := local.data["plain/key"]; !ok {
		t.Fatal("local store never saw the write")
	}
}

func TestRoutedWriteRequiresAgreement(t *testing.T) {
	r, _, _ := newTestRouter(t, nil) // no agreements at all
	if err := r.AddRoute(Route{KeyPrefix: "remote/", TargetFederations: []string{"fedB"}, AccessPolicy: routePolicy(1)}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	pol := routePolicy(1)
	_, err := r.Put(context.Background(), caller, "remote/key", []byte("v"), &pol)
	if !icnerr.Is(err, icnerr.FederationUnavailable) {
		t.Fatalf("Put without agreement: got err %v, want FederationUnavailable", err)
	}
}

func TestReplicateAcrossNeedsQuorum(t *testing.T) {
	r, _, remote := newTestRouter(t, map[string]bool{"fedB": true, "fedC": true})
	if err := r.AddRoute(Route{
		KeyPrefix:         "span/",
		TargetFederations: []string{"fedB", "fedC"},
		ReplicateAcross:   true,
		AccessPolicy:      routePolicy(2),
	}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	pol := routePolicy(2)
	vid, err := r.Put(context.Background(), caller, "span/key", []byte("v"), &pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if vid == "" {
		t.Fatal("routed put returned no version id")
	}
	if _, ok := remote.data["fedB"]["span/key"]; !ok {
		t.Fatal("fedB never received the replica")
	}
	if _, ok := remote.data["fedC"]["span/key"]; !ok {
		t.Fatal("fedC never received the replica")
	}
}

func TestReplicateAcrossShortfallFailsAndQueuesRepair(t *testing.T) {
	r, _, remote := newTestRouter(t, map[string]bool{"fedB": true, "fedC": true})
	remote.fail["fedC"] = true
	r.deadline = 0 // fail fast in tests
	if err := r.AddRoute(Route{
		KeyPrefix:         "span/",
		TargetFederations: []string{"fedB", "fedC"},
		ReplicateAcross:   true,
		AccessPolicy:      routePolicy(2),
	}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	var repairMu sync.Mutex
	var repaired []string
	r.OnRepair(func(fed, key string) {
		repairMu.Lock()
		repaired = append(repaired, fed+"/"+key)
		repairMu.Unlock()
	})

	pol := routePolicy(2)
	_, err := r.Put(context.Background(), caller, "span/key", []byte("v"), &pol)
	if !icnerr.Is(err, icnerr.InsufficientReplicas) {
		t.Fatalf("Put with dead federation: got err %v, want InsufficientReplicas", err)
	}
	repairMu.Lock()
	defer repairMu.Unlock()
	if len(repaired) != 1 || repaired[0] != "fedC/span/key" {
		t.Fatalf("repair queue: got %v", repaired)
	}
}

func TestPriorityReadFailsOver(t *testing.T) {
	r, _, remote := newTestRouter(t, map[string]bool{"fedB": true, "fedC": true})
	remote.data["fedC"] = map[string][]byte{"ro/key": []byte("from-C")}
	remote.fail["fedB"] = true
	r.deadline = 0
	if err := r.AddRoute(Route{
		KeyPrefix:         "ro/",
		TargetFederations: []string{"fedB", "fedC"},
		PriorityOrder:     true,
		AccessPolicy:      routePolicy(1),
	}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	got, err := r.Get(context.Background(), caller, "ro/key", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("from-C")) {
		t.Fatalf("failover read: got %q", got)
	}
}

func TestRouteTableSurvivesRestart(t *testing.T) {
	backend := kvstore.NewMemoryBackend()
	local := newFakeLocal()
	remote := newFakeRemote()
	r1, err := NewRouter(backend, local, remote, &fakeAgreements{}, nil)
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	if err := r1.AddRoute(Route{KeyPrefix: "p/", TargetFederations: []string{"fedB"}, AccessPolicy: routePolicy(1)}); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}

	r2, err := NewRouter(backend, local, remote, &fakeAgreements{}, nil)
	if err != nil {
		t.Fatalf("NewRouter (reload): %v", err)
	}
	if got := r2.Match("p/x"); got == nil {
		t.Fatal("route table lost across restart")
	}
}
