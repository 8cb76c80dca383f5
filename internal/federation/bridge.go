package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/overlay"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/storage"
)

// busRPC layers request/response correlation over the at-most-once
// message bus: every outbound request carries a fresh id, responses
// complete the matching pending channel, and the context deadline bounds
// the wait. It backs both the storage Replicator and the router's
// RemoteClient.
type busRPC struct {
	bus    *overlay.Bus
	node   *Node
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[string]chan *overlay.ResourceMsg
	govWait map[string]chan *overlay.GovernanceMsg
}

func newBusRPC(bus *overlay.Bus, node *Node, logger *logrus.Logger) *busRPC {
	b := &busRPC{
		bus:     bus,
		node:    node,
		logger:  logger,
		pending: make(map[string]chan *overlay.ResourceMsg),
		govWait: make(map[string]chan *overlay.GovernanceMsg),
	}
	bus.Subscribe(overlay.KindResource, b.handleResource)
	bus.Subscribe(overlay.KindGovernance, b.handleGovernance)
	return b
}

// routedPutRequest is the payload of a cross-federation routed write.
type routedPutRequest struct {
	DataB64 string               `json:"data_b64"`
	Policy  *policy.AccessPolicy `json:"policy"`
	Caller  string               `json:"caller"`
}

type fingerprintResponse struct {
	VersionIDs []string `json:"version_ids"`
}

func (b *busRPC) call(ctx context.Context, peerID string, req *overlay.ResourceMsg) (*overlay.ResourceMsg, error) {
	req.RequestID = uuid.New().String()
	ch := make(chan *overlay.ResourceMsg, 1)
	b.mu.Lock()
	b.pending[req.RequestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
	}()

	if err := b.bus.Publish(peerID, &overlay.Message{Kind: overlay.KindResource, Resource: req}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, icnerr.Wrap(icnerr.Transient, "remote call timed out", ctx.Err())
	case resp := <-ch:
		if resp.Error != "" {
			return nil, decodeRemoteError(resp.Error)
		}
		return resp, nil
	}
}

// callFederation tries each known peer of a federation until one answers.
func (b *busRPC) callFederation(ctx context.Context, federation string, req *overlay.ResourceMsg) (*overlay.ResourceMsg, error) {
	peers, err := b.node.transport.Lookup(federation)
	if err != nil || len(peers) == 0 {
		return nil, icnerr.New(icnerr.FederationUnavailable, fmt.Sprintf("no reachable peers for federation %s", federation))
	}
	var last error
	for _, p := range peers {
		resp, err := b.call(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		last = err
		if !icnerr.Is(err, icnerr.Transient) && !icnerr.Is(err, icnerr.FederationUnavailable) {
			return nil, err
		}
	}
	return nil, last
}

// encodeRemoteError and decodeRemoteError round-trip the taxonomy kind
// across the wire.
func encodeRemoteError(err error) string {
	return fmt.Sprintf("%s|%s", icnerr.KindOf(err), err.Error())
}

func decodeRemoteError(s string) error {
	for k := icnerr.Internal; k <= icnerr.Transient; k++ {
		prefix := k.String() + "|"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return icnerr.New(k, s[len(prefix):])
		}
	}
	return icnerr.New(icnerr.Transient, s)
}

// --- storage.Replicator over the bus ---

func (b *busRPC) Replicate(ctx context.Context, peerID, federation, key, versionID string, blob []byte) error {
	_, err := b.call(ctx, peerID, &overlay.ResourceMsg{
		Operation:  "replicate",
		Federation: federation,
		Key:        key,
		VersionID:  versionID,
		Payload:    blob,
	})
	return err
}

func (b *busRPC) Fetch(ctx context.Context, peerID, federation, key, versionID string) ([]byte, error) {
	resp, err := b.call(ctx, peerID, &overlay.ResourceMsg{
		Operation:  "fetch",
		Federation: federation,
		Key:        key,
		VersionID:  versionID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (b *busRPC) DeleteRemote(ctx context.Context, peerID, federation, key string) error {
	_, err := b.call(ctx, peerID, &overlay.ResourceMsg{
		Operation:  "delete_replicas",
		Federation: federation,
		Key:        key,
	})
	return err
}

func (b *busRPC) Fingerprint(ctx context.Context, peerID, federation, key string) ([]string, error) {
	resp, err := b.call(ctx, peerID, &overlay.ResourceMsg{
		Operation:  "fingerprint",
		Federation: federation,
		Key:        key,
	})
	if err != nil {
		return nil, err
	}
	var fp fingerprintResponse
	if err := json.Unmarshal(resp.Payload, &fp); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode fingerprint", err)
	}
	return fp.VersionIDs, nil
}

// --- router.RemoteClient over the bus ---

func (b *busRPC) RemotePut(ctx context.Context, federation, key string, data []byte, pol *policy.AccessPolicy) (string, error) {
	payload, err := json.Marshal(routedPutRequest{
		DataB64: base64.StdEncoding.EncodeToString(data),
		Policy:  pol,
		Caller:  string(b.node.operatorDID),
	})
	if err != nil {
		return "", icnerr.Wrap(icnerr.Internal, "encode routed put", err)
	}
	resp, err := b.callFederation(ctx, federation, &overlay.ResourceMsg{
		Operation:  "route_put",
		Federation: federation,
		Key:        key,
		Payload:    payload,
	})
	if err != nil {
		return "", err
	}
	return resp.VersionID, nil
}

func (b *busRPC) RemoteGet(ctx context.Context, federation, key, versionID string) ([]byte, error) {
	resp, err := b.callFederation(ctx, federation, &overlay.ResourceMsg{
		Operation:  "route_get",
		Federation: federation,
		Key:        key,
		VersionID:  versionID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

func (b *busRPC) RemoteDelete(ctx context.Context, federation, key string) error {
	_, err := b.callFederation(ctx, federation, &overlay.ResourceMsg{
		Operation:  "route_delete",
		Federation: federation,
		Key:        key,
	})
	return err
}

// --- inbound dispatch ---

func (b *busRPC) handleResource(in overlay.Inbound) {
	msg := in.Message.Resource
	if msg.Response {
		b.mu.Lock()
		ch, ok := b.pending[msg.RequestID]
		b.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	// serve off the dispatch goroutine: a request may itself issue bus
	// calls, and their responses arrive on the loop this handler runs on
	peerID := in.PeerID
	go func() {
		resp := b.serveResource(msg)
		resp.RequestID = msg.RequestID
		resp.Response = true
		if err := b.bus.Publish(peerID, &overlay.Message{Kind: overlay.KindResource, Resource: resp}); err != nil {
			b.logger.WithError(err).WithField("peer", peerID).Warn("bridge: response send failed")
		}
	}()
}

func (b *busRPC) serveResource(msg *overlay.ResourceMsg) *overlay.ResourceMsg {
	out := &overlay.ResourceMsg{Operation: msg.Operation, Federation: msg.Federation, Key: msg.Key}
	fed, err := b.node.federation(msg.Federation)
	if err != nil {
		out.Error = encodeRemoteError(err)
		return out
	}
	switch msg.Operation {
	case "replicate":
		if err := fed.store.StoreReplica(msg.Key, msg.VersionID, msg.Payload); err != nil {
			out.Error = encodeRemoteError(err)
		}
	case "fetch":
		blob, err := fed.store.ReplicaBlob(msg.Key, msg.VersionID)
		if err != nil {
			out.Error = encodeRemoteError(err)
		} else {
			out.Payload = blob
		}
	case "delete_replicas":
		if err := fed.store.DeleteReplicas(msg.Key); err != nil {
			out.Error = encodeRemoteError(err)
		}
	case "fingerprint":
		vids, err := fed.store.ReplicaVersions(msg.Key)
		if err != nil {
			out.Error = encodeRemoteError(err)
		} else {
			out.Payload, _ = json.Marshal(fingerprintResponse{VersionIDs: vids})
		}
	case "route_put":
		var req routedPutRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			out.Error = encodeRemoteError(icnerr.Wrap(icnerr.InvalidInput, "decode routed put", err))
			break
		}
		data, err := base64.StdEncoding.DecodeString(req.DataB64)
		if err != nil {
			out.Error = encodeRemoteError(icnerr.Wrap(icnerr.InvalidInput, "decode routed put data", err))
			break
		}
		caller := storage.Caller{DID: req.Caller, Federations: []string{identity.DID(req.Caller).Federation()}}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		vid, err := fed.store.Put(ctx, caller, msg.Key, data, req.Policy)
		cancel()
		if err != nil {
			out.Error = encodeRemoteError(err)
		} else {
			out.VersionID = vid
		}
	case "route_get":
		caller := storage.Caller{DID: string(b.node.operatorDID), Federations: []string{msg.Federation}}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		data, err := fed.store.Get(ctx, caller, msg.Key, msg.VersionID)
		cancel()
		if err != nil {
			out.Error = encodeRemoteError(err)
		} else {
			out.Payload = data
		}
	case "route_delete":
		caller := storage.Caller{DID: string(b.node.operatorDID), Federations: []string{msg.Federation}}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := fed.store.Delete(ctx, caller, msg.Key)
		cancel()
		if err != nil {
			out.Error = encodeRemoteError(err)
		}
	default:
		out.Error = encodeRemoteError(icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unknown resource operation %q", msg.Operation)))
	}
	return out
}

func (b *busRPC) handleGovernance(in overlay.Inbound) {
	msg := in.Message.Governance
	if msg.Response {
		b.mu.Lock()
		ch, ok := b.govWait[msg.RequestID]
		b.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	switch msg.Operation {
	case "did_resolve":
		peerID := in.PeerID
		go func() {
			resp := &overlay.GovernanceMsg{RequestID: msg.RequestID, Operation: msg.Operation, DID: msg.DID, Response: true}
			did := identity.DID(msg.DID)
			fed, err := b.node.federation(did.Federation())
			if err != nil {
				resp.Error = encodeRemoteError(err)
			} else if doc, err := fed.gate.Resolve(did); err != nil {
				resp.Error = encodeRemoteError(err)
			} else {
				resp.Payload, _ = json.Marshal(doc)
			}
			if err := b.bus.Publish(peerID, &overlay.Message{Kind: overlay.KindGovernance, Governance: resp}); err != nil {
				b.logger.WithError(err).Warn("bridge: did_resolve response failed")
			}
		}()
	case "did_updated":
		// invalidate any cached copy of the updated foreign document
		did := identity.DID(msg.DID)
		b.node.mu.RLock()
		for _, fed := range b.node.federations {
			fed.gate.InvalidateRemote(did)
		}
		b.node.mu.RUnlock()
	default:
		// proposal/vote relays are informational; drop silently
	}
}

// ResolveRemote implements identity.RemoteResolver over the bus.
func (b *busRPC) ResolveRemote(did identity.DID) (*identity.Document, error) {
	federation := did.Federation()
	if federation == "" {
		return nil, icnerr.New(icnerr.InvalidInput, fmt.Sprintf("malformed DID %q", did))
	}
	peers, err := b.node.transport.Lookup(federation)
	if err != nil || len(peers) == 0 {
		return nil, icnerr.New(icnerr.FederationUnavailable, fmt.Sprintf("no reachable peers for federation %s", federation))
	}

	req := &overlay.GovernanceMsg{RequestID: uuid.New().String(), Operation: "did_resolve", DID: string(did)}
	ch := make(chan *overlay.GovernanceMsg, 1)
	b.mu.Lock()
	b.govWait[req.RequestID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.govWait, req.RequestID)
		b.mu.Unlock()
	}()

	if err := b.bus.Publish(peers[0], &overlay.Message{Kind: overlay.KindGovernance, Governance: req}); err != nil {
		return nil, err
	}
	select {
	case <-time.After(10 * time.Second):
		return nil, icnerr.New(icnerr.Transient, fmt.Sprintf("DID resolution for %s timed out", did))
	case resp := <-ch:
		if resp.Error != "" {
			return nil, decodeRemoteError(resp.Error)
		}
		var doc identity.Document
		if err := json.Unmarshal(resp.Payload, &doc); err != nil {
			return nil, icnerr.Wrap(icnerr.IntegrityError, "decode DID document", err)
		}
		return &doc, nil
	}
}

// PublishGovernance implements governance.EventPublisher: lifecycle events
// fan out to the peers of every federation holding an agreement with us.
func (b *busRPC) PublishGovernance(operation, proposalID string, payload []byte) {
	msg := &overlay.Message{Kind: overlay.KindGovernance, Governance: &overlay.GovernanceMsg{
		RequestID:  uuid.New().String(),
		Operation:  operation,
		ProposalID: proposalID,
		Payload:    payload,
	}}
	for _, fedName := range b.node.agreementFederations() {
		if _, err := b.bus.PublishFederation(fedName, msg); err != nil {
			b.logger.WithError(err).WithField("federation", fedName).Debug("bridge: governance broadcast skipped")
		}
	}
}
