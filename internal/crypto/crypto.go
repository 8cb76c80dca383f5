// Package crypto provides the node's envelope encryption: AEAD symmetric
// ciphers, X25519 multi-recipient key wrapping, password-derived keys, and
// a disk-backed key store with one JSON-encoded key file per key id.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/intercoop-network/icn-node/internal/icnerr"
)

// hkdfContext is the fixed HKDF info string for key-encryption keys. Both
// sides must use the same constant or unwrapping fails.
const hkdfContext = "ICN-KEK"

// Algorithm identifies the AEAD / key-agreement scheme used by an Envelope.
type Algorithm string

const (
	AlgoAESGCM           Algorithm = "AES-256-GCM"
	AlgoChaCha20Poly1305 Algorithm = "ChaCha20-Poly1305"
	AlgoX25519WrappedAES Algorithm = "X25519-wrapped-AES-GCM"
)

// KeyKind tags the shape of persisted key material.
type KeyKind string

const (
	KindSymmetric KeyKind = "Symmetric"
	KindPublic    KeyKind = "Public"
	KindPrivate   KeyKind = "Private"
	KindPassword  KeyKind = "Password"
)

// KeyMaterial is the JSON record persisted at <base>/keys/<key_id>.key.
type KeyMaterial struct {
	KeyID string  `json:"key_id"`
	Kind  KeyKind `json:"kind"`
	Bytes []byte  `json:"bytes"`
	Salt  []byte  `json:"salt,omitempty"`
}

// Envelope describes how a ciphertext blob was produced and how to invert
// it.
type Envelope struct {
	Algorithm          Algorithm `json:"algorithm"`
	Nonce              []byte    `json:"nonce"`
	KeyID              string    `json:"key_id,omitempty"`
	EphemeralPublicKey []byte    `json:"ephemeral_public_key,omitempty"`
	AuthenticatedData  []byte    `json:"authenticated_data,omitempty"`
}

type recipientEntry struct {
	PubKeyB64  string `json:"recipient_pubkey_b64"`
	WrappedKey []byte `json:"wrapped_content_key"`
	WrapNonce  []byte `json:"wrap_nonce"`
}

// Service is the Crypto Service handle. One Service is owned per node and
// shared by reference with the storage/identity/governance subsystems that
// need encryption or signing key material.
type Service struct {
	baseDir string
	logger  *logrus.Logger

	mu    sync.Mutex
	cache map[string]*KeyMaterial
}

// NewService wires a Crypto Service rooted at baseDir/keys.
func NewService(baseDir string, logger *logrus.Logger) (*Service, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dir := filepath.Join(baseDir, "keys")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "create key store dir", err)
	}
	return &Service{baseDir: baseDir, logger: logger, cache: make(map[string]*KeyMaterial)}, nil
}

func (s *Service) path(keyID string) string {
	return filepath.Join(s.baseDir, "keys", keyID+".key")
}

func (s *Service) load(keyID string) (*KeyMaterial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if km, ok := s.cache[keyID]; ok {
		return km, nil
	}
	raw, err := os.ReadFile(s.path(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, icnerr.Wrap(icnerr.NotFound, fmt.Sprintf("key %s", keyID), err)
		}
		return nil, icnerr.Wrap(icnerr.Internal, "read key file", err)
	}
	var km KeyMaterial
	if err := json.Unmarshal(raw, &km); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "decode key file", err)
	}
	s.cache[keyID] = &km
	return &km, nil
}

func (s *Service) persist(km *KeyMaterial) error {
	raw, err := json.Marshal(km)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode key file", err)
	}
	if err := os.WriteFile(s.path(km.KeyID), raw, 0o600); err != nil {
		return icnerr.Wrap(icnerr.Internal, "write key file", err)
	}
	s.mu.Lock()
	s.cache[km.KeyID] = km
	s.mu.Unlock()
	s.logger.WithField("key_id", km.KeyID).Debug("crypto: persisted key")
	return nil
}

// GenerateSymmetric creates and persists a random 256-bit key.
func (s *Service) GenerateSymmetric(keyID string) (*KeyMaterial, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "read random", err)
	}
	km := &KeyMaterial{KeyID: keyID, Kind: KindSymmetric, Bytes: buf}
	if err := s.persist(km); err != nil {
		return nil, err
	}
	return km, nil
}

// GetOrCreateSymmetric returns the existing key, generating one on first
// use. Federation keys are minted lazily through this path.
func (s *Service) GetOrCreateSymmetric(keyID string) (*KeyMaterial, error) {
	km, err := s.load(keyID)
	if err == nil {
		return km, nil
	}
	if icnerr.Is(err, icnerr.NotFound) {
		return s.GenerateSymmetric(keyID)
	}
	return nil, err
}

// GenerateKeypair creates an X25519 static keypair, persisting the private
// half at <key_id>_private and the public half at <key_id>_public.
func (s *Service) GenerateKeypair(keyID string) (pub, priv *KeyMaterial, err error) {
	privBytes := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(privBytes); err != nil {
		return nil, nil, icnerr.Wrap(icnerr.Internal, "read random", err)
	}
	pubBytes, err := curve25519.X25519(privBytes, curve25519.Basepoint)
	if err != nil {
		return nil, nil, icnerr.Wrap(icnerr.Internal, "derive public key", err)
	}
	priv = &KeyMaterial{KeyID: keyID + "_private", Kind: KindPrivate, Bytes: privBytes}
	pub = &KeyMaterial{KeyID: keyID + "_public", Kind: KindPublic, Bytes: pubBytes}
	if err := s.persist(priv); err != nil {
		return nil, nil, err
	}
	if err := s.persist(pub); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// DeriveFromPassword runs Argon2id then folds the result to 32 bytes with
// SHA-256, persisting the salt alongside the derived key's metadata so a
// later call with the same salt reproduces the same key.
func (s *Service) DeriveFromPassword(keyID, password string, salt []byte) (*KeyMaterial, error) {
	if len(salt) == 0 {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, icnerr.Wrap(icnerr.Internal, "read random salt", err)
		}
	}
	derived := argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, 32)
	folded := sha256.Sum256(derived)
	km := &KeyMaterial{KeyID: keyID, Kind: KindPassword, Bytes: folded[:], Salt: salt}
	if err := s.persist(km); err != nil {
		return nil, err
	}
	return km, nil
}

// ListKeys returns every persisted key id under the store.
func (s *Service) ListKeys() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "keys"))
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "list key store", err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".key" {
			out = append(out, name[:len(name)-len(".key")])
		}
	}
	return out, nil
}

// DeleteKey removes a key from disk and cache.
func (s *Service) DeleteKey(keyID string) error {
	s.mu.Lock()
	delete(s.cache, keyID)
	s.mu.Unlock()
	if err := os.Remove(s.path(keyID)); err != nil && !os.IsNotExist(err) {
		return icnerr.Wrap(icnerr.Internal, "delete key file", err)
	}
	return nil
}

func aeadFor(alg Algorithm, key []byte) (cipher.AEAD, int, error) {
	switch alg {
	case AlgoAESGCM:
		if len(key) != 32 {
			return nil, 0, icnerr.New(icnerr.InvalidInput, "AES-256-GCM requires a 32 byte key")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, 0, icnerr.Wrap(icnerr.Internal, "aes cipher", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, 0, icnerr.Wrap(icnerr.Internal, "gcm", err)
		}
		return gcm, gcm.NonceSize(), nil
	case AlgoChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, 0, icnerr.Wrap(icnerr.Internal, "chacha20poly1305", err)
		}
		return aead, aead.NonceSize(), nil
	default:
		return nil, 0, icnerr.New(icnerr.InvalidInput, fmt.Sprintf("unknown algorithm %q", alg))
	}
}

// EncryptSymmetric seals data under key using alg, with a fresh 12-byte
// nonce and optional associated data bound into the AEAD tag.
func (s *Service) EncryptSymmetric(data, key []byte, alg Algorithm, aad []byte) ([]byte, Envelope, error) {
	aead, nonceSize, err := aeadFor(alg, key)
	if err != nil {
		return nil, Envelope{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, Envelope{}, icnerr.Wrap(icnerr.Internal, "read random nonce", err)
	}
	ct := aead.Seal(nil, nonce, data, aad)
	env := Envelope{Algorithm: alg, Nonce: nonce, AuthenticatedData: aad}
	return ct, env, nil
}

// DecryptSymmetric inverts EncryptSymmetric. Any tampering with ciphertext,
// nonce, or aad surfaces as icnerr.IntegrityError, never silently as empty
// plaintext.
func (s *Service) DecryptSymmetric(ciphertext, key []byte, env Envelope) ([]byte, error) {
	aead, _, err := aeadFor(env.Algorithm, key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, env.Nonce, ciphertext, env.AuthenticatedData)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "aead open failed", err)
	}
	return pt, nil
}

// EncryptAsymmetric encrypts data once under a random content key
// (AES-GCM) and wraps that content key for every recipient via X25519 +
// HKDF("ICN-KEK"). The returned ciphertext carries a length-tagged
// recipient list prefix: [u32 len BE][recipients JSON][content ciphertext].
func (s *Service) EncryptAsymmetric(data []byte, recipientPubKeys [][]byte, aad []byte) ([]byte, Envelope, error) {
	if len(recipientPubKeys) == 0 {
		return nil, Envelope{}, icnerr.New(icnerr.InvalidInput, "at least one recipient required")
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, Envelope{}, icnerr.Wrap(icnerr.Internal, "read random", err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, Envelope{}, icnerr.Wrap(icnerr.Internal, "derive ephemeral public key", err)
	}

	contentKey := make([]byte, 32)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, Envelope{}, icnerr.Wrap(icnerr.Internal, "read random content key", err)
	}

	contentCiphertext, env, err := s.EncryptSymmetric(data, contentKey, AlgoAESGCM, aad)
	if err != nil {
		return nil, Envelope{}, err
	}
	env.Algorithm = AlgoX25519WrappedAES
	env.EphemeralPublicKey = ephPub

	recipients := make([]recipientEntry, 0, len(recipientPubKeys))
	for _, rpk := range recipientPubKeys {
		kek, err := deriveKEK(ephPriv, rpk)
		if err != nil {
			return nil, Envelope{}, err
		}
		wrapped, wrapEnv, err := s.EncryptSymmetric(contentKey, kek, AlgoAESGCM, nil)
		if err != nil {
			return nil, Envelope{}, err
		}
		recipients = append(recipients, recipientEntry{
			PubKeyB64:  b64(rpk),
			WrappedKey: wrapped,
			WrapNonce:  wrapEnv.Nonce,
		})
	}

	recipientsJSON, err := json.Marshal(recipients)
	if err != nil {
		return nil, Envelope{}, icnerr.Wrap(icnerr.Internal, "encode recipients", err)
	}

	wire := make([]byte, 4+len(recipientsJSON)+len(contentCiphertext))
	binary.BigEndian.PutUint32(wire[0:4], uint32(len(recipientsJSON)))
	copy(wire[4:], recipientsJSON)
	copy(wire[4+len(recipientsJSON):], contentCiphertext)

	return wire, env, nil
}

// DecryptAsymmetric locates the caller's recipient entry by public key,
// unwraps the content key, and decrypts. Returns icnerr.NotFound-tagged
// NoRecipientMatch if the caller's key isn't among the recipients.
func (s *Service) DecryptAsymmetric(wireCiphertext []byte, myPrivateKey []byte, env Envelope) ([]byte, error) {
	if len(wireCiphertext) < 4 {
		return nil, icnerr.New(icnerr.IntegrityError, "envelope truncated")
	}
	rlen := binary.BigEndian.Uint32(wireCiphertext[0:4])
	if uint32(len(wireCiphertext)) < 4+rlen {
		return nil, icnerr.New(icnerr.IntegrityError, "envelope truncated")
	}
	recipientsJSON := wireCiphertext[4 : 4+rlen]
	contentCiphertext := wireCiphertext[4+rlen:]

	var recipients []recipientEntry
	if err := json.Unmarshal(recipientsJSON, &recipients); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode recipients", err)
	}

	myPub, err := curve25519.X25519(myPrivateKey, curve25519.Basepoint)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "derive public key", err)
	}
	myPubB64 := b64(myPub)

	var entry *recipientEntry
	for i := range recipients {
		if recipients[i].PubKeyB64 == myPubB64 {
			entry = &recipients[i]
			break
		}
	}
	if entry == nil {
		return nil, icnerr.New(icnerr.NotFound, "no recipient match")
	}

	kek, err := deriveKEK(myPrivateKey, env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	wrapEnv := Envelope{Algorithm: AlgoAESGCM, Nonce: entry.WrapNonce}
	contentKey, err := s.DecryptSymmetric(entry.WrappedKey, kek, wrapEnv)
	if err != nil {
		return nil, err
	}

	contentEnv := Envelope{Algorithm: AlgoAESGCM, Nonce: env.Nonce, AuthenticatedData: env.AuthenticatedData}
	return s.DecryptSymmetric(contentCiphertext, contentKey, contentEnv)
}

// deriveKEK runs X25519(priv, peerPub) through HKDF-SHA256 with the fixed
// "ICN-KEK" context to produce a 32-byte key-encryption key.
func deriveKEK(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "x25519 agreement", err)
	}
	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfContext))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "hkdf expand", err)
	}
	return kek, nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
