package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/crypto"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/version"
)

// stubReplicator keeps remote replicas in memory and can be told to fail
// per peer.
type stubReplicator struct {
	mu    sync.Mutex
	blobs map[string][]byte
	fail  map[string]bool
}

func newStubReplicator() *stubReplicator {
	return &stubReplicator{blobs: make(map[string][]byte), fail: make(map[string]bool)}
}

func (r *stubReplicator) slot(peer, key, vid string) string {
	return fmt.Sprintf("%s|%s|%s", peer, key, vid)
}

func (r *stubReplicator) Replicate(_ context.Context, peerID, _, key, versionID string, blob []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerID] {
		return icnerr.New(icnerr.Transient, "peer unreachable")
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	r.blobs[r.slot(peerID, key, versionID)] = cp
	return nil
}

func (r *stubReplicator) Fetch(_ context.Context, peerID, _, key, versionID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerID] {
		return nil, icnerr.New(icnerr.Transient, "peer unreachable")
	}
	blob, ok := r.blobs[r.slot(peerID, key, versionID)]
	if !ok {
		return nil, icnerr.ErrNotFound
	}
	return blob, nil
}

func (r *stubReplicator) DeleteRemote(_ context.Context, peerID, _, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerID] {
		return icnerr.New(icnerr.Transient, "peer unreachable")
	}
	prefix := peerID + "|" + key + "|"
	for slot := range r.blobs {
		if len(slot) >= len(prefix) && slot[:len(prefix)] == prefix {
			delete(r.blobs, slot)
		}
	}
	return nil
}

func (r *stubReplicator) Fingerprint(_ context.Context, peerID, _, key string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[peerID] {
		return nil, icnerr.New(icnerr.Transient, "peer unreachable")
	}
	prefix := peerID + "|" + key + "|"
	var out []string
	for slot := range r.blobs {
		if len(slot) >= len(prefix) && slot[:len(prefix)] == prefix {
			out = append(out, slot[len(prefix):])
		}
	}
	return out, nil
}

func (r *stubReplicator) holds(peer, key, vid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.blobs[r.slot(peer, key, vid)]
	return ok
}

type testEnv struct {
	store    *Store
	backend  *kvstore.MemoryBackend
	policies *policy.Store
	registry *Registry
	repl     *stubReplicator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	backend := kvstore.NewMemoryBackend()
	cs, err := crypto.NewService(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("crypto.NewService: %v", err)
	}
	policies := policy.NewStore(backend)
	versions := version.NewManager(backend)
	registry, err := NewRegistry(kvstore.NewMemoryBackend(), logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	repl := newStubReplicator()
	store := NewStore("node-local", "fedA", backend, cs, policies, versions, registry, repl, nil, logger)
	return &testEnv{store: store, backend: backend, policies: policies, registry: registry, repl: repl}
}

func (e *testEnv) addPeer(t *testing.T, nodeID string, latency float64) {
	t.Helper()
	err := e.registry.Register(Peer{
		NodeID:         nodeID,
		Address:        nodeID + ".example",
		FederationID:   "fedA",
		TotalCapacity:  1 << 30,
		AvailableSpace: 1 << 30,
		LatencyMS:      latency,
		UptimePct:      99,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", nodeID, err)
	}
}

func testPolicy(redundancy uint8, versioned, encrypted bool, maxVersions uint32) *policy.AccessPolicy {
	return &policy.AccessPolicy{
		Federation:         "fedA",
		PathPattern:        "*",
		EncryptionRequired: encrypted,
		Redundancy:         redundancy,
		VersioningEnabled:  versioned,
		MaxVersions:        maxVersions,
	}
}

var alice = Caller{DID: "did:icn:fedA:alice", Federations: []string{"fedA"}}
var mallory = Caller{DID: "did:icn:fedY:mallory", Federations: []string{"fedY"}}

func TestEncryptedVersionedRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, true, true, 3)

	v1, err := env.store.Put(ctx, alice, "doc/readme", []byte("hello"), pol)
	if err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	v2, err := env.store.Put(ctx, alice, "doc/readme", []byte("hello world"), pol)
	if err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	got, err := env.store.Get(ctx, alice, "doc/readme", "")
	if err != nil {
		t.Fatalf("Get current: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("Get current: got %q", got)
	}
	old, err := env.store.Get(ctx, alice, "doc/readme", v1)
	if err != nil {
		t.Fatalf("Get v1: %v", err)
	}
	if !bytes.Equal(old, []byte("hello")) {
		t.Fatalf("Get v1: got %q", old)
	}

	history, err := env.store.History("doc/readme", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].VersionID != v2 || history[1].VersionID != v1 {
		t.Fatalf("History order wrong: %+v", history)
	}

	// the ciphertext on disk must not be the plaintext
	meta, err := env.policies.GetMetadata("doc/readme")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	blob, err := env.backend.Get(meta.Version(v2).StorageKey)
	if err != nil {
		t.Fatalf("read stored blob: %v", err)
	}
	if bytes.Contains(blob, []byte("hello world")) {
		t.Fatal("stored blob is not encrypted")
	}

	// recorded hash is the SHA-256 of the plaintext
	sum := sha256.Sum256([]byte("hello world"))
	if meta.Version(v2).ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("content hash wrong: %s", meta.Version(v2).ContentHash)
	}
}

func TestBoundedRetention(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, true, false, 2)

	var vids []string
	for _, payload := range []string{"a", "b", "c", "d"} {
		vid, err := env.store.Put(ctx, alice, "k", []byte(payload), pol)
		if err != nil {
			t.Fatalf("Put %q: %v", payload, err)
		}
		vids = append(vids, vid)
	}

	history, err := env.store.History("k", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length: got %d, want 2", len(history))
	}
	if history[0].VersionID != vids[3] || history[1].VersionID != vids[2] {
		t.Fatalf("retained versions wrong: %+v", history)
	}

	got, err := env.store.Get(ctx, alice, "k", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("d")) {
		t.Fatalf("Get current: got %q, want d", got)
	}
	if _, err := env.store.Get(ctx, alice, "k", vids[0]); !icnerr.Is(err, icnerr.NotFound) {
		t.Fatalf("evicted version read: got err %v, want NotFound", err)
	}
}

func TestPermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, false, false, 1)

	if _, err := env.store.Put(ctx, alice, "k", []byte("v"), pol); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := env.store.Get(ctx, mallory, "k", ""); !icnerr.Is(err, icnerr.PermissionDenied) {
		t.Fatalf("foreign get: got err %v, want PermissionDenied", err)
	}
	if _, err := env.store.Put(ctx, mallory, "k", []byte("x"), pol); !icnerr.Is(err, icnerr.PermissionDenied) {
		t.Fatalf("foreign put: got err %v, want PermissionDenied", err)
	}
	listed, err := env.store.List(mallory, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("foreign list: got %d entries, want 0", len(listed))
	}
}

func TestReplicationMeetsRedundancy(t *testing.T) {
	env := newTestEnv(t)
	env.addPeer(t, "peer1", 5)
	env.addPeer(t, "peer2", 10)
	ctx := context.Background()
	pol := testPolicy(3, false, false, 1)

	vid, err := env.store.Put(ctx, alice, "k", []byte("payload"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !env.repl.holds("peer1", "k", vid) || !env.repl.holds("peer2", "k", vid) {
		t.Fatal("both peers should hold the replica")
	}
	meta, err := env.policies.GetMetadata("k")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if len(meta.Replicas[vid]) != 3 {
		t.Fatalf("replica acks: got %d, want 3", len(meta.Replicas[vid]))
	}
}

func TestInsufficientReplicasQueuesRepair(t *testing.T) {
	env := newTestEnv(t)
	env.addPeer(t, "peer1", 5)
	env.repl.fail["peer1"] = true
	ctx := context.Background()
	pol := testPolicy(2, false, false, 1)

	_, err := env.store.Put(ctx, alice, "k", []byte("payload"), pol)
	if !icnerr.Is(err, icnerr.InsufficientReplicas) {
		t.Fatalf("Put with dead peer: got err %v, want InsufficientReplicas", err)
	}

	// the peer recovers; the queued repair completes the replication
	env.repl.fail["peer1"] = false
	if done := env.store.RunAntiEntropy(ctx, 0); done != 1 {
		t.Fatalf("RunAntiEntropy: got %d done, want 1", done)
	}
	meta, err := env.policies.GetMetadata("k")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if len(meta.Replicas[meta.CurrentVersionID]) != 2 {
		t.Fatalf("replicas after repair: got %d, want 2", len(meta.Replicas[meta.CurrentVersionID]))
	}
}

func TestIntegrityFailureRollsOverToGoodReplica(t *testing.T) {
	env := newTestEnv(t)
	env.addPeer(t, "peer1", 5)
	ctx := context.Background()
	pol := testPolicy(2, false, true, 1)

	vid, err := env.store.Put(ctx, alice, "k", []byte("payload"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// corrupt a byte of the local ciphertext; the read must fall back to
	// the peer replica and still return the plaintext
	meta, _ := env.policies.GetMetadata("k")
	blob, err := env.backend.Get(meta.Version(vid).StorageKey)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	blob[0] ^= 0xFF
	if err := env.backend.Put(meta.Version(vid).StorageKey, blob); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	got, err := env.store.Get(ctx, alice, "k", "")
	if err != nil {
		t.Fatalf("Get with corrupted local replica: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Fatalf("Get: got %q", got)
	}
}

func TestIntegrityFailureExhaustsAllReplicas(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, false, true, 1)

	vid, err := env.store.Put(ctx, alice, "k", []byte("payload"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	meta, _ := env.policies.GetMetadata("k")
	blob, _ := env.backend.Get(meta.Version(vid).StorageKey)
	blob[len(blob)-1] ^= 0x01
	env.backend.Put(meta.Version(vid).StorageKey, blob)

	if _, err := env.store.Get(ctx, alice, "k", ""); !icnerr.Is(err, icnerr.IntegrityError) {
		t.Fatalf("Get with only corrupt replicas: got err %v, want IntegrityError", err)
	}
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, false, false, 1)

	vid, err := env.store.Put(ctx, alice, "empty", nil, pol)
	if err != nil {
		t.Fatalf("Put empty: %v", err)
	}
	got, err := env.store.Get(ctx, alice, "empty", "")
	if err != nil {
		t.Fatalf("Get empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Get empty: got %d bytes", len(got))
	}
	meta, _ := env.policies.GetMetadata("empty")
	sum := sha256.Sum256(nil)
	if meta.Version(vid).ContentHash != hex.EncodeToString(sum[:]) {
		t.Fatal("empty payload hash should be SHA-256 of the empty string")
	}
}

func TestDeleteRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, false, false, 1)
	pol.ReadFeds = []string{"fedB"}
	pol.WriteFeds = []string{"fedB"}

	if _, err := env.store.Put(ctx, alice, "k", []byte("v"), pol); err != nil {
		t.Fatalf("Put: %v", err)
	}

	writerOnly := Caller{DID: "did:icn:fedB:bob", Federations: []string{"fedB"}}
	if err := env.store.Delete(ctx, writerOnly, "k"); !icnerr.Is(err, icnerr.PermissionDenied) {
		t.Fatalf("non-admin delete: got err %v, want PermissionDenied", err)
	}

	if err := env.store.Delete(ctx, alice, "k"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if _, err := env.store.Get(ctx, alice, "k", ""); !icnerr.Is(err, icnerr.NotFound) {
		t.Fatalf("Get after delete: got err %v, want NotFound", err)
	}
}

func TestDeleteRemovesRemoteReplicas(t *testing.T) {
	env := newTestEnv(t)
	env.addPeer(t, "peer1", 5)
	ctx := context.Background()
	pol := testPolicy(2, false, false, 1)

	vid, err := env.store.Put(ctx, alice, "k", []byte("v"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !env.repl.holds("peer1", "k", vid) {
		t.Fatal("peer1 should hold the replica")
	}
	if err := env.store.Delete(ctx, alice, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if env.repl.holds("peer1", "k", vid) {
		t.Fatal("remote replica should be removed")
	}
}

func TestQuotaExceededBlocksWrites(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, false, false, 1)

	if err := env.policies.PutQuota(policy.Quota{Federation: "fedA", Member: alice.DID, MaxBytes: 4, CurrentUsage: 4}); err != nil {
		t.Fatalf("PutQuota: %v", err)
	}
	if _, err := env.store.Put(ctx, alice, "k", []byte("over"), pol); !icnerr.Is(err, icnerr.QuotaExceeded) {
		t.Fatalf("Put over quota: got err %v, want QuotaExceeded", err)
	}
}

func TestIdempotentVersionReads(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pol := testPolicy(1, true, true, 4)

	vid, err := env.store.Put(ctx, alice, "k", []byte("stable"), pol)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	first, err := env.store.Get(ctx, alice, "k", vid)
	if err != nil {
		t.Fatalf("Get #1: %v", err)
	}
	second, err := env.store.Get(ctx, alice, "k", vid)
	if err != nil {
		t.Fatalf("Get #2: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("two reads of the same version must be byte-equal")
	}
}
