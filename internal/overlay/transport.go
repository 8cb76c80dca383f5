package overlay

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

const (
	// overlayProtocol is the libp2p stream protocol carrying framed messages.
	overlayProtocol = protocol.ID("icn-overlay/1")
	// advertiseTopic is the pubsub topic where nodes announce which
	// federation they serve.
	advertiseTopic = "icn:federation:advertise"

	maxFrameBytes = 1 << 26 // 64 MiB, bounds a single inbound read
	sendTimeout   = 5 * time.Second
)

type advertisement struct {
	Federation string `json:"federation"`
	PeerID     string `json:"peer_id"`
}

// P2PTransport carries overlay frames over libp2p streams, one frame per
// stream, with federation membership learned from pubsub advertisements.
type P2PTransport struct {
	ctx    context.Context
	cancel context.CancelFunc
	host   host.Host
	ps     *pubsub.PubSub
	logger *logrus.Logger

	mu         sync.RWMutex
	federation map[string]map[string]struct{} // federation -> peer ids
	inbound    chan RawInbound
	sub        *pubsub.Subscription
	topic      *pubsub.Topic
}

// NewP2PTransport installs the overlay stream handler on h and begins
// listening for federation advertisements.
func NewP2PTransport(h host.Host, ps *pubsub.PubSub, logger *logrus.Logger) (*P2PTransport, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &P2PTransport{
		ctx:        ctx,
		cancel:     cancel,
		host:       h,
		ps:         ps,
		logger:     logger,
		federation: make(map[string]map[string]struct{}),
		inbound:    make(chan RawInbound, 256),
	}
	h.SetStreamHandler(overlayProtocol, t.handleStream)

	topic, err := ps.Join(advertiseTopic)
	if err != nil {
		cancel()
		return nil, icnerr.Wrap(icnerr.Transient, "join advertise topic", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		cancel()
		return nil, icnerr.Wrap(icnerr.Transient, "subscribe advertise topic", err)
	}
	t.topic = topic
	t.sub = sub
	go t.advertiseLoop()
	return t, nil
}

// Advertise announces that this node serves federation.
func (t *P2PTransport) Advertise(federation string) error {
	ad := advertisement{Federation: federation, PeerID: t.host.ID().String()}
	raw, err := encodeJSON(ad)
	if err != nil {
		return err
	}
	return t.topic.Publish(t.ctx, raw)
}

func (t *P2PTransport) advertiseLoop() {
	for {
		msg, err := t.sub.Next(t.ctx)
		if err != nil {
			return
		}
		var ad advertisement
		if err := decodeJSON(msg.Data, &ad); err != nil {
			continue
		}
		t.mu.Lock()
		if t.federation[ad.Federation] == nil {
			t.federation[ad.Federation] = make(map[string]struct{})
		}
		t.federation[ad.Federation][ad.PeerID] = struct{}{}
		t.mu.Unlock()
	}
}

func (t *P2PTransport) handleStream(s network.Stream) {
	defer s.Close()
	frame, err := io.ReadAll(io.LimitReader(s, maxFrameBytes))
	if err != nil {
		t.logger.WithError(err).Debug("overlay: stream read failed")
		return
	}
	select {
	case t.inbound <- RawInbound{PeerID: s.Conn().RemotePeer().String(), Frame: frame}:
	case <-t.ctx.Done():
	}
}

// Lookup returns the known peer ids serving federation.
func (t *P2PTransport) Lookup(federation string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set, ok := t.federation[federation]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, nil
}

// Send writes one frame to peerID over a fresh stream.
func (t *P2PTransport) Send(peerID string, frame []byte) error {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return icnerr.Wrap(icnerr.InvalidInput, "decode peer id", err)
	}
	ctx, cancel := context.WithTimeout(t.ctx, sendTimeout)
	defer cancel()
	s, err := t.host.NewStream(ctx, pid, overlayProtocol)
	if err != nil {
		return icnerr.Wrap(icnerr.Transient, "open stream", err)
	}
	defer s.Close()
	if _, err := s.Write(frame); err != nil {
		return icnerr.Wrap(icnerr.Transient, "write frame", err)
	}
	return s.CloseWrite()
}

// Receive returns the inbound frame stream.
func (t *P2PTransport) Receive() <-chan RawInbound { return t.inbound }

// Close tears down the subscription and stream handler.
func (t *P2PTransport) Close() error {
	t.cancel()
	t.sub.Cancel()
	t.host.RemoveStreamHandler(overlayProtocol)
	return nil
}

// MemoryTransport links in-process transports through a shared hub. Used by
// tests and by single-process multi-federation nodes.
type MemoryTransport struct {
	id      string
	hub     *MemoryHub
	inbound chan RawInbound
	closed  sync.Once
}

// MemoryHub routes frames between MemoryTransports by id.
type MemoryHub struct {
	mu         sync.RWMutex
	transports map[string]*MemoryTransport
	federation map[string][]string
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		transports: make(map[string]*MemoryTransport),
		federation: make(map[string][]string),
	}
}

// Attach registers a transport with the hub under id, serving federation.
func (h *MemoryHub) Attach(id, federation string) *MemoryTransport {
	t := &MemoryTransport{id: id, hub: h, inbound: make(chan RawInbound, 256)}
	h.mu.Lock()
	h.transports[id] = t
	h.federation[federation] = append(h.federation[federation], id)
	h.mu.Unlock()
	return t
}

func (t *MemoryTransport) Lookup(federation string) ([]string, error) {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	out := make([]string, 0)
	for _, id := range t.hub.federation[federation] {
		if id != t.id {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *MemoryTransport) Send(peerID string, frame []byte) error {
	t.hub.mu.RLock()
	target, ok := t.hub.transports[peerID]
	t.hub.mu.RUnlock()
	if !ok {
		return icnerr.New(icnerr.Transient, "peer not attached")
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case target.inbound <- RawInbound{PeerID: t.id, Frame: cp}:
		return nil
	default:
		return icnerr.New(icnerr.Transient, "peer inbound queue full")
	}
}

func (t *MemoryTransport) Receive() <-chan RawInbound { return t.inbound }

func (t *MemoryTransport) Close() error {
	t.closed.Do(func() {
		t.hub.mu.Lock()
		delete(t.hub.transports, t.id)
		t.hub.mu.Unlock()
		close(t.inbound)
	})
	return nil
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "encode json", err)
	}
	return raw, nil
}

func decodeJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return icnerr.Wrap(icnerr.IntegrityError, "decode json", err)
	}
	return nil
}
