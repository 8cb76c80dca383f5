package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

const (
	// DefaultCycleByteBudget bounds how many blob bytes one anti-entropy
	// cycle may move.
	DefaultCycleByteBudget = 64 << 20
	// maxRepairAttempts caps anti-entropy retries per task.
	maxRepairAttempts = 5

	repairBackoffBase = 2 * time.Second
)

type repairKind int

const (
	repairReplicate repairKind = iota
	repairDelete
)

type repairTask struct {
	kind      repairKind
	key       string
	versionID string
	peer      string
	missing   int
	attempts  int
	notBefore time.Time
}

func (s *Store) enqueueRepair(t repairTask) {
	s.repairMu.Lock()
	s.repairs = append(s.repairs, t)
	s.repairMu.Unlock()
}

// handlePeerDrop queues re-replication for every version whose replica set
// includes the dropped peer and now falls below its policy redundancy.
func (s *Store) handlePeerDrop(nodeID string) {
	metas, err := s.policies.ListMetadata("")
	if err != nil {
		s.logger.WithError(err).Warn("storage: peer-drop scan failed")
		return
	}
	for _, meta := range metas {
		if meta.Federation != s.federationID {
			continue
		}
		pol, err := s.policies.GetPolicy(meta.Federation, meta.PolicyID)
		if err != nil {
			continue
		}
		for vid, replicas := range meta.Replicas {
			remaining := 0
			held := false
			for _, id := range replicas {
				if id == nodeID {
					held = true
					continue
				}
				remaining++
			}
			if held && remaining < int(pol.Redundancy) {
				s.enqueueRepair(repairTask{kind: repairReplicate, key: meta.Key, versionID: vid, missing: int(pol.Redundancy) - remaining})
			}
		}
	}
}

// RunAntiEntropy processes the repair queue and reconciles replica sets
// with live peers, bounded by byteBudget per cycle. Returns the number of
// tasks that completed.
func (s *Store) RunAntiEntropy(ctx context.Context, byteBudget int64) int {
	if byteBudget <= 0 {
		byteBudget = DefaultCycleByteBudget
	}

	s.repairMu.Lock()
	pending := s.repairs
	s.repairs = nil
	s.repairMu.Unlock()

	done := 0
	now := time.Now()
	for _, task := range pending {
		if ctx.Err() != nil || byteBudget <= 0 {
			s.enqueueRepair(task)
			continue
		}
		if now.Before(task.notBefore) {
			s.enqueueRepair(task)
			continue
		}
		moved, err := s.runRepair(ctx, &task)
		byteBudget -= moved
		if err != nil {
			task.attempts++
			if task.attempts >= maxRepairAttempts {
				s.logger.WithError(err).WithFields(logrus.Fields{"key": task.key, "version": task.versionID}).
					Error("storage: repair abandoned after max attempts")
				continue
			}
			task.notBefore = time.Now().Add(repairBackoffBase << uint(task.attempts-1))
			s.enqueueRepair(task)
			continue
		}
		done++
	}
	return done
}

// StartAntiEntropy launches the periodic reconciliation loop. Stop it by
// cancelling ctx.
func (s *Store) StartAntiEntropy(ctx context.Context, interval time.Duration, byteBudget int64) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.registry.ExpireStale()
				s.RunAntiEntropy(ctx, byteBudget)
				s.reconcileFingerprints(ctx)
			}
		}
	}()
}

// runRepair executes one repair task, returning blob bytes moved.
func (s *Store) runRepair(ctx context.Context, task *repairTask) (int64, error) {
	switch task.kind {
	case repairDelete:
		return 0, s.replicator.DeleteRemote(ctx, task.peer, s.federationID, task.key)
	case repairReplicate:
		return s.repairReplication(ctx, task)
	default:
		return 0, icnerr.New(icnerr.Internal, fmt.Sprintf("unknown repair kind %d", task.kind))
	}
}

func (s *Store) repairReplication(ctx context.Context, task *repairTask) (int64, error) {
	meta, err := s.policies.GetMetadata(task.key)
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return 0, nil // key deleted since the task was queued
		}
		return 0, err
	}
	ver := meta.Version(task.versionID)
	if ver == nil {
		return 0, nil // version evicted since the task was queued
	}
	pol, err := s.policies.GetPolicy(meta.Federation, meta.PolicyID)
	if err != nil {
		return 0, err
	}
	blob, err := s.backend.Get(ver.StorageKey)
	if err != nil {
		return 0, err
	}

	current := make(map[string]struct{})
	for _, id := range meta.Replicas[task.versionID] {
		current[id] = struct{}{}
	}
	want := int(pol.Redundancy)
	if len(current) >= want {
		return 0, nil
	}

	candidates := s.registry.Live()
	selected := SelectPeers(candidates, pol, s.federationID, task.key, uint64(len(blob)), want+len(current))
	var moved int64
	acks := meta.Replicas[task.versionID]
	for _, p := range selected {
		if len(acks) >= want {
			break
		}
		if _, already := current[p.NodeID]; already || p.NodeID == s.nodeID {
			continue
		}
		release, err := s.registry.AcquireTransfer(p.NodeID, transferAcquireTimeout)
		if err != nil {
			continue
		}
		err = s.replicator.Replicate(ctx, p.NodeID, s.federationID, task.key, task.versionID, blob)
		release()
		if err != nil {
			continue
		}
		s.registry.ReserveSpace(p.NodeID, uint64(len(blob)))
		acks = append(acks, p.NodeID)
		moved += int64(len(blob))
	}

	lock := s.lockFor(task.key)
	lock.Lock()
	fresh, err := s.policies.GetMetadata(task.key)
	if err == nil {
		fresh.Replicas[task.versionID] = acks
		err = s.policies.PutMetadata(*fresh)
	}
	lock.Unlock()
	if err != nil {
		return moved, err
	}

	if len(acks) < want {
		return moved, icnerr.New(icnerr.InsufficientReplicas,
			fmt.Sprintf("repair of %q %s reached %d/%d", task.key, task.versionID, len(acks), want))
	}
	return moved, nil
}

// reconcileFingerprints compares version fingerprints with each replica
// peer and queues repairs for versions a peer no longer holds.
func (s *Store) reconcileFingerprints(ctx context.Context) {
	metas, err := s.policies.ListMetadata("")
	if err != nil {
		return
	}
	for _, meta := range metas {
		if meta.Federation != s.federationID {
			continue
		}
		peerVersions := make(map[string]map[string]struct{})
		for vid, replicas := range meta.Replicas {
			for _, nodeID := range replicas {
				if nodeID == s.nodeID {
					continue
				}
				if _, ok := peerVersions[nodeID]; !ok {
					held, err := s.replicator.Fingerprint(ctx, nodeID, meta.Federation, meta.Key)
					if err != nil {
						continue
					}
					set := make(map[string]struct{}, len(held))
					for _, h := range held {
						set[h] = struct{}{}
					}
					peerVersions[nodeID] = set
				}
				if _, holds := peerVersions[nodeID][vid]; !holds {
					s.enqueueRepair(repairTask{kind: repairReplicate, key: meta.Key, versionID: vid, missing: 1})
					s.dropReplica(meta.Key, vid, nodeID)
				}
			}
		}
	}
}

func (s *Store) dropReplica(key, versionID, nodeID string) {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	meta, err := s.policies.GetMetadata(key)
	if err != nil {
		return
	}
	replicas := meta.Replicas[versionID]
	next := replicas[:0]
	for _, id := range replicas {
		if id != nodeID {
			next = append(next, id)
		}
	}
	meta.Replicas[versionID] = next
	s.policies.PutMetadata(*meta)
}

// Replica-serving side: these answer remote peers asking this node to hold
// or hand back blobs. The federation layer binds them to inbound Resource
// messages so the Storage capability delegates to the real backend.

// StoreReplica persists a blob replicated from a remote owner.
func (s *Store) StoreReplica(key, versionID string, blob []byte) error {
	return s.backend.Put(contentKey(key, versionID), blob)
}

// ReplicaBlob returns a blob this node holds for a remote owner.
func (s *Store) ReplicaBlob(key, versionID string) ([]byte, error) {
	return s.backend.Get(contentKey(key, versionID))
}

// DeleteReplicas removes every version blob of key this node holds.
func (s *Store) DeleteReplicas(key string) error {
	keys, err := s.backend.List(fmt.Sprintf("content:%s:", key))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(k); err != nil && !icnerr.Is(err, icnerr.NotFound) {
			return err
		}
	}
	return nil
}

// ReplicaVersions lists the version ids of key this node holds, the
// fingerprint exchanged during reconciliation.
func (s *Store) ReplicaVersions(key string) ([]string, error) {
	prefix := fmt.Sprintf("content:%s:", key)
	keys, err := s.backend.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(prefix):])
	}
	return out, nil
}
