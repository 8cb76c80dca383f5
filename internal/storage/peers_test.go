package storage

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r, err := NewRegistry(kvstore.NewMemoryBackend(), logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	p := Peer{NodeID: "n1", FederationID: "fedA", AvailableSpace: 100}
	if err := r.Register(p); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(p); !icnerr.Is(err, icnerr.Conflict) {
		t.Fatalf("duplicate Register: got err %v, want Conflict", err)
	}
}

func TestRegistrySurvivesRestart(t *testing.T) {
	backend := kvstore.NewMemoryBackend()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r1, err := NewRegistry(backend, logger)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := r1.Register(Peer{NodeID: "n1", FederationID: "fedA", AvailableSpace: 100}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	r2, err := NewRegistry(backend, logger)
	if err != nil {
		t.Fatalf("NewRegistry (reload): %v", err)
	}
	if _, err := r2.Get("n1"); err != nil {
		t.Fatalf("peer lost across restart: %v", err)
	}
}

func TestExpireStaleFiresDropCallbacks(t *testing.T) {
	r := newTestRegistry(t)
	r.uptimeWindow = 10 * time.Millisecond
	if err := r.Register(Peer{NodeID: "n1", FederationID: "fedA"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	dropped := make(chan string, 1)
	r.OnDrop(func(id string) { dropped <- id })

	time.Sleep(20 * time.Millisecond)
	expired := r.ExpireStale()
	if len(expired) != 1 || expired[0] != "n1" {
		t.Fatalf("ExpireStale: got %v, want [n1]", expired)
	}
	select {
	case id := <-dropped:
		if id != "n1" {
			t.Fatalf("drop callback: got %s", id)
		}
	default:
		t.Fatal("drop callback never fired")
	}
	if len(r.Live()) != 0 {
		t.Fatal("expired peer still live")
	}
}

func TestHeartbeatKeepsPeerLive(t *testing.T) {
	r := newTestRegistry(t)
	r.uptimeWindow = 50 * time.Millisecond
	if err := r.Register(Peer{NodeID: "n1", FederationID: "fedA"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := r.Heartbeat("n1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if len(r.Live()) != 1 {
		t.Fatal("heartbeated peer should still be live")
	}
}

func TestTransferSlotsApplyBackpressure(t *testing.T) {
	r := newTestRegistry(t)
	r.maxTransfers = 1
	if err := r.Register(Peer{NodeID: "n1", FederationID: "fedA"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	release, err := r.AcquireTransfer("n1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireTransfer #1: %v", err)
	}
	if _, err := r.AcquireTransfer("n1", 10*time.Millisecond); !icnerr.Is(err, icnerr.Transient) {
		t.Fatalf("AcquireTransfer #2 should queue-timeout, got %v", err)
	}
	release()
	release2, err := r.AcquireTransfer("n1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireTransfer after release: %v", err)
	}
	release2()
}

func TestReserveSpaceDecrements(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(Peer{NodeID: "n1", FederationID: "fedA", AvailableSpace: 100}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.ReserveSpace("n1", 60)
	p, err := r.Get("n1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.AvailableSpace != 40 {
		t.Fatalf("AvailableSpace: got %d, want 40", p.AvailableSpace)
	}
	r.ReserveSpace("n1", 1000)
	p, _ = r.Get("n1")
	if p.AvailableSpace != 0 {
		t.Fatalf("AvailableSpace should clamp at 0, got %d", p.AvailableSpace)
	}
}
