package policy

import (
	"testing"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

func newTestStore() *Store {
	return NewStore(kvstore.NewMemoryBackend())
}

func TestValidateRejectsWriteNotSubsetOfRead(t *testing.T) {
	p := AccessPolicy{
		Federation: "fed1",
		ReadFeds:   []string{"fed1"},
		WriteFeds:  []string{"fed1", "fed2"},
		Redundancy: 1,
	}
	if err := p.Validate(); !icnerr.Is(err, icnerr.InvalidInput) {
		t.Fatalf("Validate: got err %v, want InvalidInput", err)
	}
}

func TestValidateRejectsAdminNotSubsetOfWrite(t *testing.T) {
	p := AccessPolicy{
		Federation: "fed1",
		ReadFeds:   []string{"fed1", "fed2"},
		WriteFeds:  []string{"fed1"},
		AdminFeds:  []string{"fed2"},
		Redundancy: 1,
	}
	if err := p.Validate(); !icnerr.Is(err, icnerr.InvalidInput) {
		t.Fatalf("Validate: got err %v, want InvalidInput", err)
	}
}

func TestMatchesPatternBoundaryBehaviour(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"foo*", "foo", true},
		{"foo*", "foobar", true},
		{"foo*", "fo", false},
		{"foo", "foo", true},
		{"foo", "foobar", false},
	}
	for _, c := range cases {
		if got := matchesPattern(c.pattern, c.key); got != c.want {
			t.Errorf("matchesPattern(%q, %q) = %v, want %v", c.pattern, c.key, got, c.want)
		}
	}
}

func TestCheckPermissionDefaultDeny(t *testing.T) {
	s := newTestStore()
	allowed, err := s.CheckPermission([]string{"fed1"}, "file/a", true)
	if err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if allowed {
		t.Fatalf("CheckPermission with no policies registered should deny")
	}
}

func TestCheckPermissionGrantsWriteAndRead(t *testing.T) {
	s := newTestStore()
	_, err := s.CreatePolicy(AccessPolicy{
		Federation:  "fed1",
		PathPattern: "docs/*",
		ReadFeds:    []string{"fed1", "fed2"},
		WriteFeds:   []string{"fed1"},
		Redundancy:  1,
	})
	if err != nil {
		t.Fatalf("CreatePolicy: %v", err)
	}

	if ok, _ := s.CheckPermission([]string{"fed1"}, "docs/readme", true); !ok {
		t.Fatalf("fed1 should be able to write docs/readme")
	}
	if ok, _ := s.CheckPermission([]string{"fed2"}, "docs/readme", true); ok {
		t.Fatalf("fed2 should not be able to write docs/readme")
	}
	if ok, _ := s.CheckPermission([]string{"fed2"}, "docs/readme", false); !ok {
		t.Fatalf("fed2 should be able to read docs/readme")
	}
	if ok, _ := s.CheckPermission([]string{"fed1"}, "other/readme", false); ok {
		t.Fatalf("non-matching path_pattern must not grant access")
	}
}

func TestCheckQuotaMemberPrefersOverFederation(t *testing.T) {
	s := newTestStore()
	if err := s.PutQuota(Quota{Federation: "fed1", MaxBytes: 1000, CurrentUsage: 999}); err != nil {
		t.Fatalf("PutQuota (federation): %v", err)
	}
	if err := s.PutQuota(Quota{Federation: "fed1", Member: "alice", MaxBytes: 100, CurrentUsage: 100}); err != nil {
		t.Fatalf("PutQuota (member): %v", err)
	}

	exceeded, q, err := s.CheckQuota("fed1", "alice")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if !exceeded || q.MaxBytes != 100 {
		t.Fatalf("CheckQuota(alice): got exceeded=%v q=%+v, want member quota exceeded", exceeded, q)
	}

	exceeded, q, err = s.CheckQuota("fed1", "bob")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if exceeded || q.MaxBytes != 1000 {
		t.Fatalf("CheckQuota(bob): got exceeded=%v q=%+v, want federation-wide fallback", exceeded, q)
	}
}

func TestCheckQuotaNoQuotaConfigured(t *testing.T) {
	s := newTestStore()
	exceeded, q, err := s.CheckQuota("fed1", "alice")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if exceeded || q != nil {
		t.Fatalf("CheckQuota with no quota configured: got exceeded=%v q=%+v, want (false, nil)", exceeded, q)
	}
}
