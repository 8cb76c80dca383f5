// Package storage places encrypted versioned blobs over a pool of storage
// peers: policy-gated writes with replication to a ranked peer set, reads
// with replica failover and integrity verification, a heartbeat-driven
// peer registry, and an anti-entropy loop that repairs replica shortfalls.
package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

// DefaultUptimeWindow is how long a peer stays live after its last
// heartbeat.
const DefaultUptimeWindow = 2 * time.Minute

// DefaultMaxTransfersPerPeer caps concurrent outbound transfers to one
// peer; excess replication requests queue on the semaphore.
const DefaultMaxTransfersPerPeer = 4

// Peer is a storage peer advertisement, matching the data-model record.
type Peer struct {
	NodeID         string   `json:"node_id"`
	Address        string   `json:"address"`
	FederationID   string   `json:"federation_id"`
	TotalCapacity  uint64   `json:"total_capacity"`
	AvailableSpace uint64   `json:"available_space"`
	LatencyMS      float64  `json:"latency_ms"`
	UptimePct      float64  `json:"uptime_pct"`
	Tags           []string `json:"tags,omitempty"`
}

type peerState struct {
	peer      Peer
	lastSeen  time.Time
	transfers chan struct{}
}

// Registry tracks known storage peers, their liveness, and per-peer
// transfer backpressure. Dropped peers are reported through onDrop so the
// anti-entropy loop can queue re-replication.
type Registry struct {
	backend      kvstore.Backend
	logger       *logrus.Logger
	uptimeWindow time.Duration
	maxTransfers int

	mu     sync.RWMutex
	peers  map[string]*peerState
	onDrop []func(nodeID string)
}

// NewRegistry loads any persisted peer records from backend and returns a
// registry with the default uptime window.
func NewRegistry(backend kvstore.Backend, logger *logrus.Logger) (*Registry, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{
		backend:      backend,
		logger:       logger,
		uptimeWindow: DefaultUptimeWindow,
		maxTransfers: DefaultMaxTransfersPerPeer,
		peers:        make(map[string]*peerState),
	}
	keys, err := backend.List("peers:")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		raw, err := backend.Get(k)
		if err != nil {
			continue
		}
		var p Peer
		if err := json.Unmarshal(raw, &p); err != nil {
			logger.WithError(err).WithField("key", k).Warn("registry: skipping corrupt peer record")
			continue
		}
		r.peers[p.NodeID] = r.newState(p)
	}
	return r, nil
}

func (r *Registry) newState(p Peer) *peerState {
	return &peerState{
		peer:      p,
		lastSeen:  time.Now(),
		transfers: make(chan struct{}, r.maxTransfers),
	}
}

func peerKey(nodeID string) string { return fmt.Sprintf("peers:%s", nodeID) }

// Register adds a peer. A second registration for the same node id fails
// Conflict; use Update for refreshes.
func (r *Registry) Register(p Peer) error {
	if p.NodeID == "" {
		return icnerr.New(icnerr.InvalidInput, "peer node_id required")
	}
	r.mu.Lock()
	if _, ok := r.peers[p.NodeID]; ok {
		r.mu.Unlock()
		return icnerr.New(icnerr.Conflict, fmt.Sprintf("peer %s already registered", p.NodeID))
	}
	r.peers[p.NodeID] = r.newState(p)
	r.mu.Unlock()

	raw, err := json.Marshal(p)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode peer", err)
	}
	if err := r.backend.Put(peerKey(p.NodeID), raw); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"node": p.NodeID, "federation": p.FederationID}).Info("registry: peer registered")
	return nil
}

// Update overwrites a peer's advertised record, keeping its liveness.
func (r *Registry) Update(p Peer) error {
	r.mu.Lock()
	st, ok := r.peers[p.NodeID]
	if !ok {
		r.mu.Unlock()
		return icnerr.New(icnerr.NotFound, fmt.Sprintf("peer %s not registered", p.NodeID))
	}
	st.peer = p
	r.mu.Unlock()
	raw, err := json.Marshal(p)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode peer", err)
	}
	return r.backend.Put(peerKey(p.NodeID), raw)
}

// Heartbeat marks a peer as seen now.
func (r *Registry) Heartbeat(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.peers[nodeID]
	if !ok {
		return icnerr.New(icnerr.NotFound, fmt.Sprintf("peer %s not registered", nodeID))
	}
	st.lastSeen = time.Now()
	return nil
}

// Get returns a peer record by node id.
func (r *Registry) Get(nodeID string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.peers[nodeID]
	if !ok {
		return Peer{}, icnerr.New(icnerr.NotFound, fmt.Sprintf("peer %s not registered", nodeID))
	}
	return st.peer, nil
}

// Live returns every peer heard from within the uptime window.
func (r *Registry) Live() []Peer {
	cutoff := time.Now().Add(-r.uptimeWindow)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Peer, 0, len(r.peers))
	for _, st := range r.peers {
		if st.lastSeen.After(cutoff) {
			out = append(out, st.peer)
		}
	}
	return out
}

// OnDrop registers a callback invoked when a peer is removed or expires.
func (r *Registry) OnDrop(fn func(nodeID string)) {
	r.mu.Lock()
	r.onDrop = append(r.onDrop, fn)
	r.mu.Unlock()
}

// Remove deletes a peer and fires the drop callbacks.
func (r *Registry) Remove(nodeID string) error {
	r.mu.Lock()
	_, ok := r.peers[nodeID]
	delete(r.peers, nodeID)
	callbacks := append([]func(string){}, r.onDrop...)
	r.mu.Unlock()
	if !ok {
		return icnerr.New(icnerr.NotFound, fmt.Sprintf("peer %s not registered", nodeID))
	}
	if err := r.backend.Delete(peerKey(nodeID)); err != nil {
		return err
	}
	for _, fn := range callbacks {
		fn(nodeID)
	}
	r.logger.WithField("node", nodeID).Info("registry: peer removed")
	return nil
}

// ExpireStale removes peers whose heartbeat fell outside the uptime
// window, firing drop callbacks for each. Run periodically by the node.
func (r *Registry) ExpireStale() []string {
	cutoff := time.Now().Add(-r.uptimeWindow)
	r.mu.Lock()
	var expired []string
	for id, st := range r.peers {
		if !st.lastSeen.After(cutoff) {
			expired = append(expired, id)
			delete(r.peers, id)
		}
	}
	callbacks := append([]func(string){}, r.onDrop...)
	r.mu.Unlock()
	for _, id := range expired {
		r.backend.Delete(peerKey(id))
		for _, fn := range callbacks {
			fn(id)
		}
		r.logger.WithField("node", id).Warn("registry: peer expired")
	}
	return expired
}

// AcquireTransfer blocks until a transfer slot for nodeID frees up or the
// deadline passes, returning a release func. Slow peers degrade without
// stalling other transfers.
func (r *Registry) AcquireTransfer(nodeID string, timeout time.Duration) (func(), error) {
	r.mu.RLock()
	st, ok := r.peers[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("peer %s not registered", nodeID))
	}
	select {
	case st.transfers <- struct{}{}:
		return func() { <-st.transfers }, nil
	case <-time.After(timeout):
		return nil, icnerr.New(icnerr.Transient, fmt.Sprintf("peer %s transfer queue full", nodeID))
	}
}

// ReserveSpace decrements a peer's advertised available space after a
// placement decision so back-to-back writes see the residual capacity.
func (r *Registry) ReserveSpace(nodeID string, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.peers[nodeID]; ok {
		if st.peer.AvailableSpace >= size {
			st.peer.AvailableSpace -= size
		} else {
			st.peer.AvailableSpace = 0
		}
	}
}
