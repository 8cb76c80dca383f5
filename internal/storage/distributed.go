package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/crypto"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/metrics"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/version"
)

const (
	// MaxKeyBytes bounds storage keys.
	MaxKeyBytes = 1024
	// MaxValueBytes bounds a single payload.
	MaxValueBytes = uint64(math.MaxUint32)

	transferAcquireTimeout = 10 * time.Second
)

// Caller identifies who is performing a storage operation: their DID and
// the federations their identity resolves to.
type Caller struct {
	DID         string
	Federations []string
}

// Replicator is the transport capability the store uses to move blobs to
// and from remote peers. The concrete implementation rides the message
// bus; tests substitute an in-process one.
type Replicator interface {
	Replicate(ctx context.Context, peerID, federation, key, versionID string, blob []byte) error
	Fetch(ctx context.Context, peerID, federation, key, versionID string) ([]byte, error)
	DeleteRemote(ctx context.Context, peerID, federation, key string) error
	Fingerprint(ctx context.Context, peerID, federation, key string) ([]string, error)
}

// Store is one federation's Local Distributed Storage instance.
type Store struct {
	nodeID       string
	federationID string
	backend      kvstore.Backend
	crypto       *crypto.Service
	policies     *policy.Store
	versions     *version.Manager
	registry     *Registry
	replicator   Replicator
	collector    *metrics.Collector
	logger       *logrus.Logger

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	repairMu sync.Mutex
	repairs  []repairTask
}

// NewStore wires a distributed store for one federation.
func NewStore(nodeID, federationID string, backend kvstore.Backend, cs *crypto.Service,
	policies *policy.Store, versions *version.Manager, registry *Registry,
	replicator Replicator, collector *metrics.Collector, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if collector == nil {
		collector = metrics.NewCollector(logger)
	}
	s := &Store{
		nodeID:       nodeID,
		federationID: federationID,
		backend:      backend,
		crypto:       cs,
		policies:     policies,
		versions:     versions,
		registry:     registry,
		replicator:   replicator,
		collector:    collector,
		logger:       logger,
		keyLocks:     make(map[string]*sync.Mutex),
	}
	registry.OnDrop(s.handlePeerDrop)
	return s
}

// Metrics exposes the store's collector for snapshot/export.
func (s *Store) Metrics() *metrics.Collector { return s.collector }

// FederationID returns the federation this store serves.
func (s *Store) FederationID() string { return s.federationID }

func (s *Store) lockFor(key string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

func contentKey(key, versionID string) string {
	return fmt.Sprintf("content:%s:%s", key, versionID)
}

func federationKeyID(federation string) string {
	return fmt.Sprintf("federation_%s", federation)
}

func writeAllowed(pol *policy.AccessPolicy, callerFeds []string) bool {
	for _, f := range callerFeds {
		if f == pol.Federation {
			return true
		}
		for _, w := range pol.WriteFeds {
			if f == w {
				return true
			}
		}
	}
	return false
}

func readAllowed(pol *policy.AccessPolicy, callerFeds []string) bool {
	for _, f := range callerFeds {
		if f == pol.Federation {
			return true
		}
		for _, r := range pol.ReadFeds {
			if f == r {
				return true
			}
		}
	}
	return false
}

func adminAllowed(pol *policy.AccessPolicy, callerFeds []string) bool {
	for _, f := range callerFeds {
		if f == pol.Federation {
			return true
		}
		for _, a := range pol.AdminFeds {
			if f == a {
				return true
			}
		}
	}
	return false
}

// Put writes data under key per pol: permission and quota checks, optional
// federation-key encryption, version bookkeeping, then replication onto a
// peer set of pol.Redundancy members. Returns the new version id.
func (s *Store) Put(ctx context.Context, caller Caller, key string, data []byte, pol *policy.AccessPolicy) (string, error) {
	start := time.Now()
	vid, err := s.put(ctx, caller, key, data, pol)
	if err != nil {
		s.collector.RecordFailure()
		return "", err
	}
	s.collector.RecordPut(time.Since(start))
	return vid, nil
}

func (s *Store) put(ctx context.Context, caller Caller, key string, data []byte, pol *policy.AccessPolicy) (string, error) {
	if key == "" || len(key) > MaxKeyBytes {
		return "", icnerr.New(icnerr.InvalidInput, "key must be 1..1024 bytes")
	}
	if uint64(len(data)) > MaxValueBytes {
		return "", icnerr.New(icnerr.InvalidInput, "payload exceeds 2^32 bytes")
	}
	if err := pol.Validate(); err != nil {
		return "", err
	}
	if pol.Federation != s.federationID {
		// a routed write re-homes the policy under this federation while
		// the origin federation keeps full rights over its data
		cp := *pol
		if cp.Federation != "" {
			cp.ReadFeds = appendUnique(cp.ReadFeds, cp.Federation)
			cp.WriteFeds = appendUnique(cp.WriteFeds, cp.Federation)
			cp.AdminFeds = appendUnique(cp.AdminFeds, cp.Federation)
			cp.PolicyID = ""
		}
		cp.Federation = s.federationID
		pol = &cp
	}
	if pol.PolicyID == "" {
		// ad-hoc policies are registered so later reads resolve them
		stored, err := s.policies.CreatePolicy(*pol)
		if err != nil {
			return "", err
		}
		pol = stored
	}
	if !writeAllowed(pol, caller.Federations) {
		return "", icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("caller %s may not write %q", caller.DID, key))
	}
	exceeded, _, err := s.policies.CheckQuota(s.federationID, caller.DID)
	if err != nil {
		return "", err
	}
	if exceeded {
		return "", icnerr.New(icnerr.QuotaExceeded, fmt.Sprintf("quota exceeded for %s", caller.DID))
	}

	sum := sha256.Sum256(data)
	contentHash := hex.EncodeToString(sum[:])

	blob := data
	var env *crypto.Envelope
	if pol.EncryptionRequired {
		km, err := s.crypto.GetOrCreateSymmetric(federationKeyID(s.federationID))
		if err != nil {
			return "", err
		}
		ct, e, err := s.crypto.EncryptSymmetric(data, km.Bytes, crypto.AlgoAESGCM, []byte(contentHash))
		if err != nil {
			return "", err
		}
		e.KeyID = km.KeyID
		blob, env = ct, &e
	}

	vid := uuid.New().String()
	now := time.Now().Unix()
	ver := version.Version{
		VersionID:   vid,
		CreatedAt:   now,
		SizeBytes:   uint64(len(data)),
		ContentHash: contentHash,
		StorageKey:  contentKey(key, vid),
		CreatedBy:   caller.DID,
	}

	lock := s.lockFor(key)
	lock.Lock()
	meta, evicted, newKey, err := s.commitVersion(caller, key, ver, blob, env, pol)
	lock.Unlock()
	if err != nil {
		return "", err
	}

	s.collector.AddTotalBytes(int64(len(blob)))
	if env != nil {
		s.collector.AddEncryptedBytes(int64(len(blob)))
	}
	if newKey {
		s.collector.AddKeys(1)
		if pol.VersioningEnabled {
			s.collector.AddVersionedKeys(1)
		}
	}
	s.collector.AddVersions(1)
	if pol.VersioningEnabled {
		s.collector.RecordVersionOp()
	}
	if evicted != nil {
		s.collector.AddVersions(-1)
		s.collector.AddTotalBytes(-int64(evicted.SizeBytes))
	}

	if err := s.replicate(ctx, key, vid, blob, pol, meta); err != nil {
		return "", err
	}
	return vid, nil
}

// commitVersion applies the metadata/version-manager mutation for a new
// version under the per-key lock: no replication or other remote I/O
// happens while it runs.
func (s *Store) commitVersion(caller Caller, key string, ver version.Version, blob []byte,
	env *crypto.Envelope, pol *policy.AccessPolicy) (*policy.VersionedFileMetadata, *version.Version, bool, error) {

	if err := s.backend.Put(ver.StorageKey, blob); err != nil {
		return nil, nil, false, err
	}

	meta, err := s.policies.GetMetadata(key)
	newKey := false
	if err != nil {
		if !icnerr.Is(err, icnerr.NotFound) {
			return nil, nil, false, err
		}
		newKey = true
		meta = &policy.VersionedFileMetadata{
			Key:        key,
			Federation: s.federationID,
			PolicyID:   pol.PolicyID,
			Envelopes:  make(map[string]crypto.Envelope),
			Replicas:   make(map[string][]string),
			CreatedAt:  ver.CreatedAt,
			Owner:      caller.DID,
		}
	}
	if meta.Envelopes == nil {
		meta.Envelopes = make(map[string]crypto.Envelope)
	}
	if meta.Replicas == nil {
		meta.Replicas = make(map[string][]string)
	}

	var evicted *version.Version
	if pol.VersioningEnabled {
		if newKey {
			if _, err := s.versions.InitVersioning(key, pol.MaxVersions, ver, blob); err != nil {
				return nil, nil, false, err
			}
		} else {
			_, ev, err := s.versions.CreateVersion(key, ver, blob)
			if err != nil {
				return nil, nil, false, err
			}
			evicted = ev
		}
	} else if meta.CurrentVersionID != "" {
		// unversioned keys keep only the current content
		prev := meta.Version(meta.CurrentVersionID)
		if prev != nil {
			if err := s.backend.Delete(prev.StorageKey); err != nil {
				return nil, nil, false, err
			}
			cp := *prev
			evicted = &cp
		}
	}

	meta.Versions = append(meta.Versions, ver)
	meta.CurrentVersionID = ver.VersionID
	meta.TotalSizeBytes += ver.SizeBytes
	meta.ModifiedAt = ver.CreatedAt
	meta.LastModifiedBy = caller.DID
	meta.PolicyID = pol.PolicyID
	if env != nil {
		meta.Envelopes[ver.VersionID] = *env
		meta.EncryptionKeyID = env.KeyID
	}
	meta.Replicas[ver.VersionID] = []string{s.nodeID}

	if evicted != nil {
		if meta.DropVersion(evicted.VersionID) {
			if meta.TotalSizeBytes >= evicted.SizeBytes {
				meta.TotalSizeBytes -= evicted.SizeBytes
			} else {
				meta.TotalSizeBytes = 0
			}
		}
		if err := s.backend.Delete(contentKey(key, evicted.VersionID)); err != nil && !icnerr.Is(err, icnerr.NotFound) {
			return nil, nil, false, err
		}
	}

	if err := s.policies.PutMetadata(*meta); err != nil {
		return nil, nil, false, err
	}
	return meta, evicted, newKey, nil
}

// replicate pushes blob to a ranked peer set until pol.Redundancy distinct
// nodes (the local node included) hold it. A shortfall queues repair tasks
// and fails InsufficientReplicas.
func (s *Store) replicate(ctx context.Context, key, vid string, blob []byte, pol *policy.AccessPolicy, meta *policy.VersionedFileMetadata) error {
	want := int(pol.Redundancy)
	acks := []string{s.nodeID}
	if want <= 1 {
		return nil
	}

	candidates := s.registry.Live()
	selected := SelectPeers(candidates, pol, s.federationID, key, uint64(len(blob)), want)
	for _, p := range selected {
		if len(acks) >= want {
			break
		}
		if p.NodeID == s.nodeID {
			continue
		}
		release, err := s.registry.AcquireTransfer(p.NodeID, transferAcquireTimeout)
		if err != nil {
			s.logger.WithError(err).WithField("peer", p.NodeID).Warn("storage: transfer slot unavailable")
			continue
		}
		err = s.replicator.Replicate(ctx, p.NodeID, s.federationID, key, vid, blob)
		release()
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"peer": p.NodeID, "key": key}).Warn("storage: replicate failed")
			continue
		}
		s.registry.ReserveSpace(p.NodeID, uint64(len(blob)))
		acks = append(acks, p.NodeID)
	}

	lock := s.lockFor(key)
	lock.Lock()
	meta.Replicas[vid] = acks
	err := s.policies.PutMetadata(*meta)
	lock.Unlock()
	if err != nil {
		return err
	}

	if len(acks) < want {
		s.enqueueRepair(repairTask{kind: repairReplicate, key: key, versionID: vid, missing: want - len(acks)})
		return icnerr.New(icnerr.InsufficientReplicas,
			fmt.Sprintf("replication quorum not met for %q: %d/%d", key, len(acks), want))
	}
	return nil
}

// Get resolves key (optionally a specific version), checks read permission,
// fetches from the best replica, decrypts and verifies. Integrity failures
// roll over to the next replica; exhaustion fails IntegrityError.
func (s *Store) Get(ctx context.Context, caller Caller, key, versionID string) ([]byte, error) {
	start := time.Now()
	data, err := s.get(ctx, caller, key, versionID)
	if err != nil {
		s.collector.RecordFailure()
		return nil, err
	}
	s.collector.RecordGet(time.Since(start))
	return data, nil
}

func (s *Store) get(ctx context.Context, caller Caller, key, versionID string) ([]byte, error) {
	meta, err := s.policies.GetMetadata(key)
	if err != nil {
		return nil, err
	}
	pol, err := s.policies.GetPolicy(meta.Federation, meta.PolicyID)
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return nil, icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("no active policy for %q", key))
		}
		return nil, err
	}
	if !readAllowed(pol, caller.Federations) {
		return nil, icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("caller %s may not read %q", caller.DID, key))
	}

	if versionID == "" {
		versionID = meta.CurrentVersionID
	}
	ver := meta.Version(versionID)
	if ver == nil {
		return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("version %s of %q not found", versionID, key))
	}

	var fedKey []byte
	env, encrypted := meta.Envelopes[versionID]
	if encrypted {
		km, err := s.crypto.GetOrCreateSymmetric(federationKeyID(meta.Federation))
		if err != nil {
			return nil, err
		}
		fedKey = km.Bytes
	}

	sawIntegrityFailure := false
	for _, source := range s.replicaOrder(meta, versionID) {
		blob, err := s.fetchReplica(ctx, source, meta.Federation, key, versionID, ver.StorageKey)
		if err != nil {
			continue
		}
		plaintext := blob
		if encrypted {
			pt, err := s.crypto.DecryptSymmetric(blob, fedKey, env)
			if err != nil {
				sawIntegrityFailure = true
				s.logger.WithFields(logrus.Fields{"key": key, "replica": source}).Warn("storage: replica failed decryption")
				continue
			}
			plaintext = pt
		}
		sum := sha256.Sum256(plaintext)
		if hex.EncodeToString(sum[:]) != ver.ContentHash {
			sawIntegrityFailure = true
			s.logger.WithFields(logrus.Fields{"key": key, "replica": source}).Warn("storage: replica hash mismatch")
			continue
		}
		return plaintext, nil
	}

	if sawIntegrityFailure {
		return nil, icnerr.New(icnerr.IntegrityError, fmt.Sprintf("every replica of %q version %s failed verification", key, versionID))
	}
	return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("no reachable replica of %q version %s", key, versionID))
}

// replicaOrder lists replica node ids to try: local first, then remotes by
// ascending latency.
func (s *Store) replicaOrder(meta *policy.VersionedFileMetadata, versionID string) []string {
	replicas := meta.Replicas[versionID]
	var local bool
	remotes := make([]string, 0, len(replicas))
	for _, id := range replicas {
		if id == s.nodeID {
			local = true
			continue
		}
		remotes = append(remotes, id)
	}
	sort.Slice(remotes, func(i, j int) bool {
		pi, erri := s.registry.Get(remotes[i])
		pj, errj := s.registry.Get(remotes[j])
		if erri != nil || errj != nil {
			return erri == nil
		}
		return pi.LatencyMS < pj.LatencyMS
	})
	if local {
		return append([]string{s.nodeID}, remotes...)
	}
	return remotes
}

func (s *Store) fetchReplica(ctx context.Context, nodeID, federation, key, versionID, storageKey string) ([]byte, error) {
	if nodeID == s.nodeID {
		return s.backend.Get(storageKey)
	}
	return s.replicator.Fetch(ctx, nodeID, federation, key, versionID)
}

// Delete removes key entirely: metadata, every version blob, and replicas
// on every known peer. Requires admin rights; unreachable peers are
// retried by the anti-entropy loop.
func (s *Store) Delete(ctx context.Context, caller Caller, key string) error {
	meta, err := s.policies.GetMetadata(key)
	if err != nil {
		return err
	}
	pol, err := s.policies.GetPolicy(meta.Federation, meta.PolicyID)
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("no active policy for %q", key))
		}
		return err
	}
	if !adminAllowed(pol, caller.Federations) {
		return icnerr.New(icnerr.PermissionDenied, fmt.Sprintf("caller %s may not delete %q", caller.DID, key))
	}

	lock := s.lockFor(key)
	lock.Lock()
	remotes := make(map[string]struct{})
	for _, vid := range sortedVersionIDs(meta) {
		for _, nodeID := range meta.Replicas[vid] {
			if nodeID != s.nodeID {
				remotes[nodeID] = struct{}{}
			}
		}
		if err := s.backend.Delete(contentKey(key, vid)); err != nil && !icnerr.Is(err, icnerr.NotFound) {
			lock.Unlock()
			return err
		}
	}
	if err := s.versions.DeleteAll(key); err != nil {
		lock.Unlock()
		return err
	}
	if err := s.policies.DeleteMetadata(key); err != nil {
		lock.Unlock()
		return err
	}
	lock.Unlock()

	s.collector.RecordDelete()
	s.collector.AddKeys(-1)
	s.collector.AddVersions(-int64(len(meta.Versions)))
	s.collector.AddTotalBytes(-int64(meta.TotalSizeBytes))

	for nodeID := range remotes {
		if err := s.replicator.DeleteRemote(ctx, nodeID, meta.Federation, key); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"peer": nodeID, "key": key}).Warn("storage: remote delete failed, queued for repair")
			s.enqueueRepair(repairTask{kind: repairDelete, key: key, peer: nodeID})
		}
	}
	return nil
}

// History returns up to limit version records for key, newest first.
func (s *Store) History(key string, limit int) ([]version.Version, error) {
	meta, err := s.policies.GetMetadata(key)
	if err != nil {
		return nil, err
	}
	out := append([]version.Version(nil), meta.Versions...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		// same-second writes fall back to list order, newest appended last
		return indexOf(meta.Versions, out[i].VersionID) > indexOf(meta.Versions, out[j].VersionID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func indexOf(vs []version.Version, vid string) int {
	for i := range vs {
		if vs[i].VersionID == vid {
			return i
		}
	}
	return -1
}

// List returns metadata for every key of this federation matching prefix
// that the caller may read.
func (s *Store) List(caller Caller, prefix string) ([]policy.VersionedFileMetadata, error) {
	metas, err := s.policies.ListMetadata(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]policy.VersionedFileMetadata, 0, len(metas))
	for _, m := range metas {
		if m.Federation != s.federationID {
			continue
		}
		pol, err := s.policies.GetPolicy(m.Federation, m.PolicyID)
		if err != nil || !readAllowed(pol, caller.Federations) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func appendUnique(set []string, item string) []string {
	for _, s := range set {
		if s == item {
			return set
		}
	}
	return append(set, item)
}

func sortedVersionIDs(meta *policy.VersionedFileMetadata) []string {
	out := make([]string, 0, len(meta.Versions))
	for i := range meta.Versions {
		out = append(out, meta.Versions[i].VersionID)
	}
	sort.Strings(out)
	return out
}
