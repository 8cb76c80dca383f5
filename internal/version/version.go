// Package version keeps a per-key ordered history of immutable content
// versions with bounded retention, layered on the kvstore backend. Once a
// history exceeds max_versions, the oldest non-current version is pruned
// along with its blob.
package version

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

// Version is an immutable content version record.
type Version struct {
	VersionID   string `json:"version_id"`
	CreatedAt   int64  `json:"created_at"`
	SizeBytes   uint64 `json:"size_bytes"`
	ContentHash string `json:"content_hash"`
	StorageKey  string `json:"storage_key"`
	CreatedBy   string `json:"created_by"`
	Comment     string `json:"comment,omitempty"`
}

// History is the ordered bounded-retention record for a single key. Order
// tracks insertion sequence so eviction stays deterministic when several
// versions share a created_at second.
type History struct {
	Key              string             `json:"key"`
	Versions         map[string]Version `json:"versions"`
	Order            []string           `json:"order,omitempty"`
	CurrentVersionID string             `json:"current_version_id,omitempty"`
	TotalSizeBytes   uint64             `json:"total_size_bytes"`
	MaxVersions      uint32             `json:"max_versions"`
}

func (h *History) dropFromOrder(versionID string) {
	for i, id := range h.Order {
		if id == versionID {
			h.Order = append(h.Order[:i], h.Order[i+1:]...)
			return
		}
	}
}

// oldestNonCurrent returns the eviction candidate: the earliest-inserted
// version that is not current. Insertion order tracks created_at since
// writes on one key are serialised under a monotone clock.
func (h *History) oldestNonCurrent() string {
	for _, id := range h.Order {
		if id != h.CurrentVersionID {
			return id
		}
	}
	return ""
}

// Manager owns version_history:<key> metadata and versions:<key>:<id>
// content blobs, both stored through a kvstore.Backend.
type Manager struct {
	backend kvstore.Backend

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// NewManager wires a Version Manager on top of backend.
func NewManager(backend kvstore.Backend) *Manager {
	return &Manager{backend: backend, keyLocks: make(map[string]*sync.Mutex)}
}

// lockFor returns the per-key mutex, creating it on first use. All
// mutations on a single key serialise through this lock; cross-key
// operations proceed independently.
func (m *Manager) lockFor(key string) *sync.Mutex {
	m.keyLocksMu.Lock()
	defer m.keyLocksMu.Unlock()
	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}
	return l
}

func historyKey(key string) string   { return fmt.Sprintf("version_history:%s", key) }
func blobKey(key, vid string) string { return fmt.Sprintf("versions:%s:%s", key, vid) }

func (m *Manager) loadHistory(key string) (*History, error) {
	raw, err := m.backend.Get(historyKey(key))
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "decode version history", err)
	}
	return &h, nil
}

func (m *Manager) saveHistory(h *History) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode version history", err)
	}
	return m.backend.Put(historyKey(h.Key), raw)
}

// InitVersioning creates a new history seeded with first, storing content
// at blobKey(key, first.VersionID), and fails AlreadyExists if a history
// already exists for key.
func (m *Manager) InitVersioning(key string, maxVersions uint32, first Version, content []byte) (*History, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if exists, _ := m.backend.Exists(historyKey(key)); exists {
		return nil, icnerr.Wrap(icnerr.AlreadyExists, fmt.Sprintf("version history for %q", key), icnerr.ErrAlreadyExists)
	}
	if maxVersions == 0 {
		maxVersions = 1
	}

	if first.VersionID == "" {
		first.VersionID = uuid.New().String()
	}
	if first.CreatedAt == 0 {
		first.CreatedAt = time.Now().Unix()
	}

	h := &History{
		Key:              key,
		Versions:         map[string]Version{first.VersionID: first},
		Order:            []string{first.VersionID},
		CurrentVersionID: first.VersionID,
		TotalSizeBytes:   first.SizeBytes,
		MaxVersions:      maxVersions,
	}
	if err := m.backend.Put(blobKey(key, first.VersionID), content); err != nil {
		return nil, err
	}
	if err := m.saveHistory(h); err != nil {
		return nil, err
	}
	return h, nil
}

// CreateVersion appends v to key's history, storing content at its blob
// key, and evicts the oldest non-current version if the count now exceeds
// max_versions.
func (m *Manager) CreateVersion(key string, v Version, content []byte) (*History, *Version, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	h, err := m.loadHistory(key)
	if err != nil {
		return nil, nil, err
	}

	if v.VersionID == "" {
		v.VersionID = uuid.New().String()
	}
	if v.CreatedAt == 0 {
		v.CreatedAt = time.Now().Unix()
	}

	if err := m.backend.Put(blobKey(key, v.VersionID), content); err != nil {
		return nil, nil, err
	}

	h.Versions[v.VersionID] = v
	h.Order = append(h.Order, v.VersionID)
	h.TotalSizeBytes += v.SizeBytes
	// the newest write becomes current before eviction runs, so a full
	// history always prunes the previous generation, never the new one
	h.CurrentVersionID = v.VersionID

	var evicted *Version
	if uint32(len(h.Versions)) > h.MaxVersions {
		if oldestID := h.oldestNonCurrent(); oldestID != "" {
			old := h.Versions[oldestID]
			delete(h.Versions, oldestID)
			h.dropFromOrder(oldestID)
			if h.TotalSizeBytes >= old.SizeBytes {
				h.TotalSizeBytes -= old.SizeBytes
			} else {
				h.TotalSizeBytes = 0
			}
			if err := m.backend.Delete(blobKey(key, oldestID)); err != nil {
				return nil, nil, err
			}
			evicted = &old
		}
	}

	if err := m.saveHistory(h); err != nil {
		return nil, nil, err
	}
	return h, evicted, nil
}

// SetCurrent marks version_id as the current version for key.
func (m *Manager) SetCurrent(key, versionID string) (*History, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	h, err := m.loadHistory(key)
	if err != nil {
		return nil, err
	}
	if _, ok := h.Versions[versionID]; !ok {
		return nil, icnerr.New(icnerr.NotFound, "version not found")
	}
	h.CurrentVersionID = versionID
	if err := m.saveHistory(h); err != nil {
		return nil, err
	}
	return h, nil
}

// GetVersion is a read-only lookup of a specific version's record.
func (m *Manager) GetVersion(key, versionID string) (*Version, error) {
	h, err := m.loadHistory(key)
	if err != nil {
		return nil, err
	}
	v, ok := h.Versions[versionID]
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, "version not found")
	}
	return &v, nil
}

// GetContent returns the stored blob for a specific version.
func (m *Manager) GetContent(key, versionID string) ([]byte, error) {
	if _, err := m.GetVersion(key, versionID); err != nil {
		return nil, err
	}
	return m.backend.Get(blobKey(key, versionID))
}

// GetHistory is a read-only lookup of the full history record.
func (m *Manager) GetHistory(key string) (*History, error) {
	return m.loadHistory(key)
}

// DeleteVersion evicts a non-current version and its blob, returning the
// evicted record. Deleting the current version is forbidden.
func (m *Manager) DeleteVersion(key, versionID string) (*Version, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	h, err := m.loadHistory(key)
	if err != nil {
		return nil, err
	}
	if versionID == h.CurrentVersionID {
		return nil, icnerr.New(icnerr.InvalidStateTransition, "cannot delete current version")
	}
	v, ok := h.Versions[versionID]
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, "version not found")
	}
	delete(h.Versions, versionID)
	h.dropFromOrder(versionID)
	if h.TotalSizeBytes >= v.SizeBytes {
		h.TotalSizeBytes -= v.SizeBytes
	} else {
		h.TotalSizeBytes = 0
	}
	if err := m.backend.Delete(blobKey(key, versionID)); err != nil {
		return nil, err
	}
	if err := m.saveHistory(h); err != nil {
		return nil, err
	}
	return &v, nil
}

// DeleteAll purges the history record and every blob it references.
func (m *Manager) DeleteAll(key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	h, err := m.loadHistory(key)
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return nil
		}
		return err
	}
	for id := range h.Versions {
		if err := m.backend.Delete(blobKey(key, id)); err != nil {
			return err
		}
	}
	return m.backend.Delete(historyKey(key))
}
