// Package policy holds the metadata layer: federation-scoped access
// policies, versioned-file metadata records, and per-member and
// per-federation quotas, all persisted as JSON through a kvstore.Backend
// behind a mutex-protected cache.
package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/intercoop-network/icn-node/internal/crypto"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/version"
)

// AccessPolicy is the per-key-pattern access control record. Validate
// enforces admin_feds ⊆ write_feds ⊆ read_feds ∪ {managing federation}.
type AccessPolicy struct {
	PolicyID           string   `json:"policy_id"`
	Federation         string   `json:"federation"`
	PathPattern        string   `json:"path_pattern"`
	ReadFeds           []string `json:"read_feds"`
	WriteFeds          []string `json:"write_feds"`
	AdminFeds          []string `json:"admin_feds"`
	EncryptionRequired bool     `json:"encryption_required"`
	Redundancy         uint8    `json:"redundancy"`
	VersioningEnabled  bool     `json:"versioning_enabled"`
	MaxVersions        uint32   `json:"max_versions"`
}

func setOf(items []string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, i := range items {
		s[i] = struct{}{}
	}
	return s
}

func subset(a, b map[string]struct{}) bool {
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Validate enforces admin ⊆ write ⊆ read ∪ {managing federation},
// redundancy ∈ [1,16], and max_versions ∈ [1,4096].
func (p *AccessPolicy) Validate() error {
	if p.Redundancy < 1 || p.Redundancy > 16 {
		return icnerr.New(icnerr.InvalidInput, "redundancy must be in [1,16]")
	}
	if p.VersioningEnabled && (p.MaxVersions < 1 || p.MaxVersions > 4096) {
		return icnerr.New(icnerr.InvalidInput, "max_versions must be in [1,4096]")
	}
	read := setOf(p.ReadFeds)
	read[p.Federation] = struct{}{}
	write := setOf(p.WriteFeds)
	admin := setOf(p.AdminFeds)
	if !subset(write, read) {
		return icnerr.New(icnerr.InvalidInput, "write_feds must be a subset of read_feds ∪ {managing federation}")
	}
	if !subset(admin, write) {
		return icnerr.New(icnerr.InvalidInput, "admin_feds must be a subset of write_feds")
	}
	return nil
}

// VersionedFileMetadata is persisted at meta:<key>. It carries the full
// version list, per-version encryption envelopes, and the replica map the
// distributed layer maintains (version_id -> node ids holding the blob).
type VersionedFileMetadata struct {
	Key              string                     `json:"key"`
	Federation       string                     `json:"federation"`
	PolicyID         string                     `json:"policy_id"`
	Versions         []version.Version          `json:"versions"`
	CurrentVersionID string                     `json:"current_version_id,omitempty"`
	Envelopes        map[string]crypto.Envelope `json:"envelopes,omitempty"`
	Replicas         map[string][]string        `json:"replicas,omitempty"`
	TotalSizeBytes   uint64                     `json:"total_size_bytes"`
	EncryptionKeyID  string                     `json:"encryption_key_id,omitempty"`
	CreatedAt        int64                      `json:"created_at"`
	ModifiedAt       int64                      `json:"modified_at"`
	LastModifiedBy   string                     `json:"last_modified_by"`
	Owner            string                     `json:"owner"`
}

// Version returns the record for versionID, or nil.
func (m *VersionedFileMetadata) Version(versionID string) *version.Version {
	for i := range m.Versions {
		if m.Versions[i].VersionID == versionID {
			return &m.Versions[i]
		}
	}
	return nil
}

// DropVersion removes versionID from the version list, envelope map and
// replica map, returning whether it was present.
func (m *VersionedFileMetadata) DropVersion(versionID string) bool {
	for i := range m.Versions {
		if m.Versions[i].VersionID == versionID {
			m.Versions = append(m.Versions[:i], m.Versions[i+1:]...)
			delete(m.Envelopes, versionID)
			delete(m.Replicas, versionID)
			return true
		}
	}
	return false
}

// Quota bounds cumulative usage for a member or an entire federation (when
// Member is empty, "_fed").
type Quota struct {
	Federation   string `json:"federation"`
	Member       string `json:"member,omitempty"`
	MaxBytes     uint64 `json:"max_bytes"`
	CurrentUsage uint64 `json:"current_usage"`
}

// Store is the Metadata & Policy component.
type Store struct {
	backend kvstore.Backend

	mu       sync.RWMutex
	policies map[string][]AccessPolicy // by federation
}

// NewStore wires a policy store on top of backend.
func NewStore(backend kvstore.Backend) *Store {
	return &Store{backend: backend, policies: make(map[string][]AccessPolicy)}
}

func policyKey(federation, policyID string) string {
	return fmt.Sprintf("policies:%s:%s", federation, policyID)
}

func metaKey(key string) string { return fmt.Sprintf("meta:%s", key) }

func quotaKey(federation, member string) string {
	if member == "" {
		member = "_fed"
	}
	return fmt.Sprintf("quotas:%s:%s", federation, member)
}

// CreatePolicy validates and persists a new policy, assigning a PolicyID if
// absent, and refreshes the in-memory per-federation cache.
func (s *Store) CreatePolicy(p AccessPolicy) (*AccessPolicy, error) {
	if p.PolicyID == "" {
		p.PolicyID = uuid.New().String()
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "encode policy", err)
	}
	if err := s.backend.Put(policyKey(p.Federation, p.PolicyID), raw); err != nil {
		return nil, err
	}
	s.mu.Lock()
	// only extend a warm cache; a cold one repopulates from the backend on
	// the next ListPolicies and picks the new policy up there
	if cached, ok := s.policies[p.Federation]; ok {
		s.policies[p.Federation] = append(cached, p)
	}
	s.mu.Unlock()
	return &p, nil
}

// ListPolicies returns every policy registered for a federation, loading
// from the backend on first access and caching thereafter.
func (s *Store) ListPolicies(federation string) ([]AccessPolicy, error) {
	s.mu.RLock()
	if cached, ok := s.policies[federation]; ok {
		out := append([]AccessPolicy(nil), cached...)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	prefix := fmt.Sprintf("policies:%s:", federation)
	keys, err := s.backend.List(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]AccessPolicy, 0, len(keys))
	for _, k := range keys {
		raw, err := s.backend.Get(k)
		if err != nil {
			continue
		}
		var p AccessPolicy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "decode policy", err)
		}
		out = append(out, p)
	}
	s.mu.Lock()
	s.policies[federation] = append([]AccessPolicy(nil), out...)
	s.mu.Unlock()
	return out, nil
}

// matchesPattern implements exact, "*", and "prefix*" matching:
// "foo*" matches "foo" and "foobar" but not "fo".
func matchesPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

// CheckPermission resolves whether callerFederations may perform a write
// (or read, when write is false) against key, by scanning every stored
// policy whose path_pattern matches key and which names one of the caller's
// federations as its managing federation or in write_feds (read_feds for a
// read). Default is deny.
func (s *Store) CheckPermission(callerFederations []string, key string, write bool) (bool, error) {
	keys, err := s.backend.List("policies:")
	if err != nil {
		return false, err
	}
	seen := make(map[string]struct{})
	for _, k := range keys {
		fed := strings.SplitN(strings.TrimPrefix(k, "policies:"), ":", 2)[0]
		if _, ok := seen[fed]; ok {
			continue
		}
		seen[fed] = struct{}{}
		policies, err := s.ListPolicies(fed)
		if err != nil {
			return false, err
		}
		for _, p := range policies {
			if !matchesPattern(p.PathPattern, key) {
				continue
			}
			owner := containsAny([]string{p.Federation}, callerFederations)
			if write {
				if containsAny(p.WriteFeds, callerFederations) || owner {
					return true, nil
				}
			} else {
				if containsAny(p.ReadFeds, callerFederations) || owner {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

func containsAny(set []string, candidates []string) bool {
	m := setOf(set)
	for _, c := range candidates {
		if _, ok := m[c]; ok {
			return true
		}
	}
	return false
}

// PutMetadata persists a VersionedFileMetadata record at meta:<key>.
func (s *Store) PutMetadata(meta VersionedFileMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode metadata", err)
	}
	return s.backend.Put(metaKey(meta.Key), raw)
}

// GetMetadata reads back a VersionedFileMetadata record.
func (s *Store) GetMetadata(key string) (*VersionedFileMetadata, error) {
	raw, err := s.backend.Get(metaKey(key))
	if err != nil {
		return nil, err
	}
	var m VersionedFileMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "decode metadata", err)
	}
	return &m, nil
}

// DeleteMetadata removes the meta:<key> record.
func (s *Store) DeleteMetadata(key string) error {
	return s.backend.Delete(metaKey(key))
}

// ListMetadata returns the metadata records whose keys start with prefix.
func (s *Store) ListMetadata(prefix string) ([]VersionedFileMetadata, error) {
	keys, err := s.backend.List(metaKey(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]VersionedFileMetadata, 0, len(keys))
	for _, k := range keys {
		raw, err := s.backend.Get(k)
		if err != nil {
			continue
		}
		var m VersionedFileMetadata
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "decode metadata", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetPolicy loads one policy by federation and id.
func (s *Store) GetPolicy(federation, policyID string) (*AccessPolicy, error) {
	policies, err := s.ListPolicies(federation)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if policies[i].PolicyID == policyID {
			return &policies[i], nil
		}
	}
	return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("policy %s/%s not found", federation, policyID))
}

// PutQuota persists or updates a quota record.
func (s *Store) PutQuota(q Quota) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode quota", err)
	}
	return s.backend.Put(quotaKey(q.Federation, q.Member), raw)
}

// CheckQuota prefers a member-scoped quota, falling back to the
// federation-wide quota when none is set for member. exceeded reports
// current_usage >= quota.max_bytes.
func (s *Store) CheckQuota(federation, member string) (exceeded bool, q *Quota, err error) {
	if member != "" {
		raw, getErr := s.backend.Get(quotaKey(federation, member))
		if getErr == nil {
			var mq Quota
			if err := json.Unmarshal(raw, &mq); err != nil {
				return false, nil, icnerr.Wrap(icnerr.Internal, "decode quota", err)
			}
			return mq.CurrentUsage >= mq.MaxBytes, &mq, nil
		}
		if !icnerr.Is(getErr, icnerr.NotFound) {
			return false, nil, getErr
		}
	}

	raw, getErr := s.backend.Get(quotaKey(federation, ""))
	if getErr != nil {
		if icnerr.Is(getErr, icnerr.NotFound) {
			return false, nil, nil
		}
		return false, nil, getErr
	}
	var fq Quota
	if err := json.Unmarshal(raw, &fq); err != nil {
		return false, nil, icnerr.Wrap(icnerr.Internal, "decode quota", err)
	}
	return fq.CurrentUsage >= fq.MaxBytes, &fq, nil
}
