// Package overlay is the typed message bus: economic, governance, resource
// and network messages carried over the peer-to-peer overlay in a
// length-prefixed versioned frame. Dispatch is a tagged kind switch;
// unknown or malformed frames are dropped and counted, never propagated.
// Delivery is at-most-once; higher layers add idempotence through their
// own identifiers.
package overlay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

// WireVersion is the only framing version this node speaks. No version
// negotiation takes place; the bus rejects frames carrying any other.
const WireVersion uint8 = 1

// MessageKind selects the OverlayMessage arm.
type MessageKind uint8

const (
	KindEconomic MessageKind = iota + 1
	KindGovernance
	KindResource
	KindNetwork
)

func (k MessageKind) String() string {
	switch k {
	case KindEconomic:
		return "economic"
	case KindGovernance:
		return "governance"
	case KindResource:
		return "resource"
	case KindNetwork:
		return "network"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// EconomicMsg carries a ledger transaction reference between federations.
type EconomicMsg struct {
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	FromDID       string `json:"from_did"`
	ToDID         string `json:"to_did"`
	Amount        int64  `json:"amount"`
	Memo          string `json:"memo,omitempty"`
	Response      bool   `json:"response"`
	Error         string `json:"error,omitempty"`
}

// GovernanceMsg carries proposal/vote traffic and DID document lookups.
type GovernanceMsg struct {
	RequestID  string `json:"request_id"`
	Operation  string `json:"operation"` // proposal, voting_started, vote, finalized, executed, cancelled, did_resolve, did_updated
	ProposalID string `json:"proposal_id,omitempty"`
	DID        string `json:"did,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	Response   bool   `json:"response"`
	Error      string `json:"error,omitempty"`
}

// ResourceMsg carries cross-federation storage requests.
type ResourceMsg struct {
	RequestID  string `json:"request_id"`
	Operation  string `json:"operation"` // replicate, fetch, delete_replicas, fingerprint, route_put, route_get, route_delete
	Federation string `json:"federation"`
	Key        string `json:"key,omitempty"`
	VersionID  string `json:"version_id,omitempty"`
	Payload    []byte `json:"payload,omitempty"`
	Response   bool   `json:"response"`
	Error      string `json:"error,omitempty"`
}

// NetworkMsg carries peer advertisement and heartbeat traffic.
type NetworkMsg struct {
	RequestID string `json:"request_id"`
	Operation string `json:"operation"` // advertise, heartbeat
	NodeID    string `json:"node_id"`
	Payload   []byte `json:"payload,omitempty"`
	Response  bool   `json:"response"`
}

// Message is the tagged union carried by the bus. Exactly one arm matching
// Kind is non-nil.
type Message struct {
	Kind       MessageKind    `json:"kind"`
	Economic   *EconomicMsg   `json:"economic,omitempty"`
	Governance *GovernanceMsg `json:"governance,omitempty"`
	Resource   *ResourceMsg   `json:"resource,omitempty"`
	Network    *NetworkMsg    `json:"network,omitempty"`
}

func (m *Message) validate() error {
	var set int
	if m.Economic != nil {
		set++
	}
	if m.Governance != nil {
		set++
	}
	if m.Resource != nil {
		set++
	}
	if m.Network != nil {
		set++
	}
	if set != 1 {
		return icnerr.New(icnerr.InvalidInput, "message must carry exactly one arm")
	}
	switch m.Kind {
	case KindEconomic:
		if m.Economic == nil {
			return icnerr.New(icnerr.InvalidInput, "kind/arm mismatch")
		}
	case KindGovernance:
		if m.Governance == nil {
			return icnerr.New(icnerr.InvalidInput, "kind/arm mismatch")
		}
	case KindResource:
		if m.Resource == nil {
			return icnerr.New(icnerr.InvalidInput, "kind/arm mismatch")
		}
	case KindNetwork:
		if m.Network == nil {
			return icnerr.New(icnerr.InvalidInput, "kind/arm mismatch")
		}
	default:
		return icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unknown message kind %d", m.Kind))
	}
	return nil
}

// EncodeFrame serialises a message into the wire frame
// {version u8, kind u8, payload_len u32 BE, payload}.
func EncodeFrame(m *Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "encode message payload", err)
	}
	frame := make([]byte, 6+len(payload))
	frame[0] = WireVersion
	frame[1] = byte(m.Kind)
	binary.BigEndian.PutUint32(frame[2:6], uint32(len(payload)))
	copy(frame[6:], payload)
	return frame, nil
}

// DecodeFrame inverts EncodeFrame, rejecting truncated frames, version
// mismatches, and kind bytes that disagree with the decoded payload.
func DecodeFrame(frame []byte) (*Message, error) {
	if len(frame) < 6 {
		return nil, icnerr.New(icnerr.IntegrityError, "frame truncated")
	}
	if frame[0] != WireVersion {
		return nil, icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unsupported wire version %d", frame[0]))
	}
	plen := binary.BigEndian.Uint32(frame[2:6])
	if uint32(len(frame)-6) != plen {
		return nil, icnerr.New(icnerr.IntegrityError, "frame length mismatch")
	}
	var m Message
	if err := json.Unmarshal(frame[6:], &m); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode message payload", err)
	}
	if byte(m.Kind) != frame[1] {
		return nil, icnerr.New(icnerr.IntegrityError, "frame kind disagrees with payload")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Inbound is a decoded message with its sender, as handed to subscribers.
type Inbound struct {
	PeerID  string
	Message *Message
}

// Transport is the capability the out-of-scope DHT layer exposes: peer
// lookup, point-to-point send and an inbound stream. Delivery is
// at-most-once; the bus surfaces send failures and never retries.
type Transport interface {
	Lookup(federation string) ([]string, error)
	Send(peerID string, frame []byte) error
	Receive() <-chan RawInbound
	Close() error
}

// RawInbound is an undecoded frame from the transport.
type RawInbound struct {
	PeerID string
	Frame  []byte
}

// Handler consumes inbound messages of one kind.
type Handler func(Inbound)

// Bus decodes inbound frames and fans them out to per-kind handlers, and
// encodes outbound messages onto the transport.
type Bus struct {
	transport Transport
	logger    *logrus.Logger

	dropped uint64

	mu       sync.RWMutex
	handlers map[MessageKind][]Handler
	closing  chan struct{}
	wg       sync.WaitGroup
}

// NewBus wires a message bus over transport. Call Start to begin
// dispatching.
func NewBus(transport Transport, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{
		transport: transport,
		logger:    logger,
		handlers:  make(map[MessageKind][]Handler),
		closing:   make(chan struct{}),
	}
}

// Subscribe registers a handler for one message kind. Handlers run on the
// dispatch goroutine; slow consumers should hand off internally.
func (b *Bus) Subscribe(kind MessageKind, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// Publish sends a message to one peer. Failures surface to the caller.
func (b *Bus) Publish(peerID string, m *Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	if err := b.transport.Send(peerID, frame); err != nil {
		return icnerr.Wrap(icnerr.Transient, fmt.Sprintf("send to %s", peerID), err)
	}
	return nil
}

// PublishFederation sends a message to every reachable peer of a
// federation, returning the count of successful sends.
func (b *Bus) PublishFederation(federation string, m *Message) (int, error) {
	peers, err := b.transport.Lookup(federation)
	if err != nil {
		return 0, icnerr.Wrap(icnerr.FederationUnavailable, fmt.Sprintf("lookup %s", federation), err)
	}
	if len(peers) == 0 {
		return 0, icnerr.New(icnerr.FederationUnavailable, fmt.Sprintf("no peers for federation %s", federation))
	}
	frame, err := EncodeFrame(m)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, p := range peers {
		if err := b.transport.Send(p, frame); err != nil {
			b.logger.WithError(err).WithField("peer", p).Warn("overlay: send failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// Start launches the dispatch loop.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.dispatchLoop()
}

// Stop terminates dispatching and closes the transport.
func (b *Bus) Stop() error {
	close(b.closing)
	err := b.transport.Close()
	b.wg.Wait()
	return err
}

// Dropped reports how many malformed or unroutable frames were discarded.
func (b *Bus) Dropped() uint64 { return atomic.LoadUint64(&b.dropped) }

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	in := b.transport.Receive()
	for {
		select {
		case <-b.closing:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			m, err := DecodeFrame(raw.Frame)
			if err != nil {
				atomic.AddUint64(&b.dropped, 1)
				b.logger.WithError(err).WithField("peer", raw.PeerID).Debug("overlay: dropped frame")
				continue
			}
			b.mu.RLock()
			hs := append([]Handler(nil), b.handlers[m.Kind]...)
			b.mu.RUnlock()
			if len(hs) == 0 {
				atomic.AddUint64(&b.dropped, 1)
				continue
			}
			for _, h := range hs {
				h(Inbound{PeerID: raw.PeerID, Message: m})
			}
		}
	}
}
