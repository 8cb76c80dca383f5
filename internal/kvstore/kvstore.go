// Package kvstore provides the byte-blob storage backend: a narrow
// put/get/delete/exists/list(prefix) contract with an in-memory and a
// disk-backed implementation. Backends are constructor-returned values,
// never package-level state, so every federation owns its own store.
package kvstore

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

// Backend is the storage contract every other component depends on.
type Backend interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)
	List(prefix string) ([]string, error)
}

// MemoryBackend is an in-process Backend, useful for tests and for the
// volatile parts of the node (challenge caches, route tables).
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend returns an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, icnerr.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryBackend) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryBackend) List(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.data {
		if bytes.HasPrefix([]byte(k), []byte(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FileBackend persists each key under a CID-derived leaf name inside
// root, with a sidecar .key index file so listings survive restarts.
type FileBackend struct {
	root       string
	syncWrites bool
	mu         sync.Mutex
	keyToLeaf  map[string]string
}

// NewFileBackend creates (if needed) root and returns a Backend rooted
// there. When syncWrites is true, every Put calls fsync before returning,
// trading latency for durability on crash.
func NewFileBackend(root string, syncWrites bool) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "create file backend root", err)
	}
	fb := &FileBackend{root: root, syncWrites: syncWrites, keyToLeaf: make(map[string]string)}
	if err := fb.rebuildIndex(); err != nil {
		return nil, err
	}
	return fb, nil
}

// rebuildIndex re-derives the key->leaf mapping from the on-disk index file
// written alongside each value, so a restarted node recovers its listing
// without re-scanning blob contents.
func (fb *FileBackend) rebuildIndex() error {
	entries, err := os.ReadDir(fb.root)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "read file backend root", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".key" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(fb.root, e.Name()))
		if err != nil {
			continue
		}
		leaf := e.Name()[:len(e.Name())-len(".key")]
		fb.keyToLeaf[string(raw)] = leaf
	}
	return nil
}

// leafFor derives a stable filesystem-safe leaf name for a key by
// content-addressing the key string itself. Keys may contain "/" and ":",
// which cannot appear in a flat leaf name.
func leafFor(key string) (string, error) {
	mh, err := multihash.Sum([]byte(key), multihash.SHA2_256, -1)
	if err != nil {
		return "", icnerr.Wrap(icnerr.Internal, "multihash sum", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	return c.String(), nil
}

func (fb *FileBackend) Put(key string, value []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	leaf, err := leafFor(key)
	if err != nil {
		return err
	}

	blobPath := filepath.Join(fb.root, leaf+".blob")
	f, err := os.OpenFile(blobPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "open blob file", err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return icnerr.Wrap(icnerr.Internal, "write blob file", err)
	}
	if fb.syncWrites {
		if err := f.Sync(); err != nil {
			f.Close()
			return icnerr.Wrap(icnerr.Internal, "fsync blob file", err)
		}
	}
	if err := f.Close(); err != nil {
		return icnerr.Wrap(icnerr.Internal, "close blob file", err)
	}

	keyFilePath := filepath.Join(fb.root, leaf+".key")
	if err := os.WriteFile(keyFilePath, []byte(key), 0o600); err != nil {
		return icnerr.Wrap(icnerr.Internal, "write key index file", err)
	}

	fb.keyToLeaf[key] = leaf
	return nil
}

func (fb *FileBackend) removeLeaf(leaf string) {
	os.Remove(filepath.Join(fb.root, leaf+".blob"))
	os.Remove(filepath.Join(fb.root, leaf+".key"))
}

func (fb *FileBackend) Get(key string) ([]byte, error) {
	fb.mu.Lock()
	leaf, ok := fb.keyToLeaf[key]
	fb.mu.Unlock()
	if !ok {
		return nil, icnerr.ErrNotFound
	}
	raw, err := os.ReadFile(filepath.Join(fb.root, leaf+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, icnerr.ErrNotFound
		}
		return nil, icnerr.Wrap(icnerr.Internal, "read blob file", err)
	}
	return raw, nil
}

func (fb *FileBackend) Delete(key string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	leaf, ok := fb.keyToLeaf[key]
	if !ok {
		return nil
	}
	fb.removeLeaf(leaf)
	delete(fb.keyToLeaf, key)
	return nil
}

func (fb *FileBackend) Exists(key string) (bool, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	_, ok := fb.keyToLeaf[key]
	return ok, nil
}

func (fb *FileBackend) List(prefix string) ([]string, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var keys []string
	for k := range fb.keyToLeaf {
		if bytes.HasPrefix([]byte(k), []byte(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
