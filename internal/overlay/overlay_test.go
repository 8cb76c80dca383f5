package overlay

import (
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	m := &Message{Kind: KindResource, Resource: &ResourceMsg{
		RequestID:  "r1",
		Operation:  "fetch",
		Federation: "fedA",
		Key:        "doc/readme",
	}}
	frame, err := EncodeFrame(m)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if frame[0] != WireVersion || frame[1] != byte(KindResource) {
		t.Fatalf("frame header wrong: %v", frame[:2])
	}
	decoded, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if decoded.Resource == nil || decoded.Resource.Key != "doc/readme" {
		t.Fatalf("round trip lost payload: %+v", decoded)
	}
}

func TestDecodeFrameRejectsCorruption(t *testing.T) {
	m := &Message{Kind: KindNetwork, Network: &NetworkMsg{RequestID: "r1", Operation: "heartbeat", NodeID: "n1"}}
	frame, err := EncodeFrame(m)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	cases := map[string][]byte{
		"truncated":       frame[:4],
		"bad version":     append([]byte{9}, frame[1:]...),
		"length mismatch": frame[:len(frame)-1],
		"kind disagrees":  func() []byte { cp := append([]byte(nil), frame...); cp[1] = byte(KindEconomic); return cp }(),
	}
	for name, corrupt := range cases {
		if _, err := DecodeFrame(corrupt); err == nil {
			t.Fatalf("%s: decode should fail", name)
		}
	}
}

func TestEncodeFrameRejectsMismatchedArm(t *testing.T) {
	m := &Message{Kind: KindEconomic, Resource: &ResourceMsg{RequestID: "r1"}}
	if _, err := EncodeFrame(m); err == nil {
		t.Fatal("kind/arm mismatch should fail")
	}
}

func TestBusDispatchesByKind(t *testing.T) {
	hub := NewMemoryHub()
	ta := hub.Attach("nodeA", "fedA")
	tb := hub.Attach("nodeB", "fedB")

	busA := NewBus(ta, nil)
	busB := NewBus(tb, nil)
	busA.Start()
	busB.Start()
	defer busA.Stop()
	defer busB.Stop()

	got := make(chan Inbound, 1)
	busB.Subscribe(KindGovernance, func(in Inbound) { got <- in })

	msg := &Message{Kind: KindGovernance, Governance: &GovernanceMsg{RequestID: "r1", Operation: "proposal", ProposalID: "p1"}}
	if err := busA.Publish("nodeB", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case in := <-got:
		if in.PeerID != "nodeA" || in.Message.Governance.ProposalID != "p1" {
			t.Fatalf("wrong delivery: %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestBusDropsMalformedFrames(t *testing.T) {
	hub := NewMemoryHub()
	ta := hub.Attach("nodeA", "fedA")
	tb := hub.Attach("nodeB", "fedA")

	bus := NewBus(tb, nil)
	bus.Start()
	defer bus.Stop()

	if err := ta.Send("nodeB", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("malformed frame was not counted as dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPublishFederationFansOut(t *testing.T) {
	hub := NewMemoryHub()
	ta := hub.Attach("nodeA", "fedA")
	tb := hub.Attach("nodeB", "fedB")
	tc := hub.Attach("nodeC", "fedB")

	busA := NewBus(ta, nil)
	busB := NewBus(tb, nil)
	busC := NewBus(tc, nil)
	for _, b := range []*Bus{busA, busB, busC} {
		b.Start()
		defer b.Stop()
	}

	got := make(chan string, 2)
	handler := func(in Inbound) { got <- in.Message.Network.NodeID }
	busB.Subscribe(KindNetwork, handler)
	busC.Subscribe(KindNetwork, handler)

	msg := &Message{Kind: KindNetwork, Network: &NetworkMsg{RequestID: "r1", Operation: "advertise", NodeID: "nodeA"}}
	sent, err := busA.PublishFederation("fedB", msg)
	if err != nil {
		t.Fatalf("PublishFederation: %v", err)
	}
	if sent != 2 {
		t.Fatalf("sent: got %d, want 2", sent)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("fan-out delivery incomplete")
		}
	}
}

func TestPublishFederationFailsWithoutPeers(t *testing.T) {
	hub := NewMemoryHub()
	ta := hub.Attach("nodeA", "fedA")
	bus := NewBus(ta, nil)
	msg := &Message{Kind: KindNetwork, Network: &NetworkMsg{RequestID: "r1", Operation: "advertise", NodeID: "nodeA"}}
	if _, err := bus.PublishFederation("nowhere", msg); err == nil {
		t.Fatal("publishing to an unknown federation should fail")
	}
}
