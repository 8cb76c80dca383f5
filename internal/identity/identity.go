// Package identity is the node's identity gate: DID documents, Ed25519
// signature verification, single-use authentication challenges and
// evidence-driven reputation, persisted under a namespaced prefix of the
// storage backend and fronted by an RWMutex cache.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
)

// DefaultChallengeTTL bounds how long an issued authentication challenge
// stays redeemable.
const DefaultChallengeTTL = 5 * time.Minute

// DID is a decentralised identifier did:<method>:<federation>:<local-id>.
type DID string

// Parse splits a DID into its method, federation and local components.
func (d DID) Parse() (method, federation, local string, err error) {
	parts := strings.Split(string(d), ":")
	if len(parts) != 4 || parts[0] != "did" || parts[1] == "" || parts[2] == "" || parts[3] == "" {
		return "", "", "", icnerr.New(icnerr.InvalidInput, fmt.Sprintf("malformed DID %q", d))
	}
	return parts[1], parts[2], parts[3], nil
}

// Federation returns the federation component, or "" for a malformed DID.
func (d DID) Federation() string {
	_, fed, _, err := d.Parse()
	if err != nil {
		return ""
	}
	return fed
}

// VerificationMethod binds a public key to a DID document.
type VerificationMethod struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	PublicKeyB64 string `json:"public_key_b64"`
}

// ServiceEndpoint advertises a service reachable through a DID.
type ServiceEndpoint struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// Document is a DID document. Documents are mutable but monotonic:
// deactivation is terminal.
type Document struct {
	ID                  DID                  `json:"id"`
	VerificationMethods []VerificationMethod `json:"verification_methods"`
	Services            []ServiceEndpoint    `json:"services,omitempty"`
	Deactivated         bool                 `json:"deactivated"`
	UpdatedAt           int64                `json:"updated_at"`
}

func (doc *Document) method(id string) *VerificationMethod {
	for i := range doc.VerificationMethods {
		if doc.VerificationMethods[i].ID == id {
			return &doc.VerificationMethods[i]
		}
	}
	return nil
}

// Challenge is a server-issued authentication nonce bound to a DID.
type Challenge struct {
	Nonce     string `json:"nonce"`
	DID       DID    `json:"did"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"` // unix nanoseconds; expiry itself rejects
}

// Bytes is the canonical byte encoding a response must sign.
func (c *Challenge) Bytes() []byte {
	return []byte(fmt.Sprintf("icn-auth:%s:%s:%d", c.Nonce, c.DID, c.ExpiresAt))
}

// ChallengeResponse is the caller's answer to a Challenge.
type ChallengeResponse struct {
	Nonce                string `json:"nonce"`
	DID                  DID    `json:"did"`
	VerificationMethodID string `json:"verification_method_id"`
	Signature            []byte `json:"signature"`
}

// RemoteResolver fetches a DID document from its owning federation across
// the overlay. The concrete implementation lives with the message bus; the
// gate only depends on this capability.
type RemoteResolver interface {
	ResolveRemote(did DID) (*Document, error)
}

type cachedDoc struct {
	doc       *Document
	fetchedAt time.Time
}

// Gate is the Identity Gate handle.
type Gate struct {
	localFederation string
	backend         kvstore.Backend
	resolver        RemoteResolver
	remoteTTL       time.Duration
	logger          *zap.SugaredLogger

	mu          sync.RWMutex
	docs        map[DID]*Document
	remoteCache map[DID]cachedDoc
	challenges  map[string]Challenge
	signingKeys map[DID]ed25519.PrivateKey
}

// NewGate wires an Identity Gate for localFederation on top of backend.
// resolver may be nil on nodes that never touch foreign DIDs.
func NewGate(localFederation string, backend kvstore.Backend, resolver RemoteResolver, logger *zap.SugaredLogger) *Gate {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Gate{
		localFederation: localFederation,
		backend:         backend,
		resolver:        resolver,
		remoteTTL:       time.Minute,
		logger:          logger,
		docs:            make(map[DID]*Document),
		remoteCache:     make(map[DID]cachedDoc),
		challenges:      make(map[string]Challenge),
		signingKeys:     make(map[DID]ed25519.PrivateKey),
	}
}

func docKey(d DID) string  { return fmt.Sprintf("identity:doc:%s", d) }
func signKey(d DID) string { return fmt.Sprintf("identity:key:%s", d) }
func repKey(d DID) string  { return fmt.Sprintf("identity:reputation:%s", d) }

// CreateIdentity registers a new DID in the local federation, generating an
// Ed25519 signing keypair and a document with one verification method.
func (g *Gate) CreateIdentity(localID string) (*Document, error) {
	did := DID(fmt.Sprintf("did:icn:%s:%s", g.localFederation, localID))
	if _, _, _, err := did.Parse(); err != nil {
		return nil, err
	}
	if exists, _ := g.backend.Exists(docKey(did)); exists {
		return nil, icnerr.Wrap(icnerr.AlreadyExists, fmt.Sprintf("identity %s", did), icnerr.ErrAlreadyExists)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "generate signing key", err)
	}
	doc := &Document{
		ID: did,
		VerificationMethods: []VerificationMethod{{
			ID:           string(did) + "#key-1",
			Type:         "Ed25519VerificationKey2020",
			PublicKeyB64: base64.StdEncoding.EncodeToString(pub),
		}},
		UpdatedAt: time.Now().Unix(),
	}
	if err := g.persistDoc(doc); err != nil {
		return nil, err
	}
	if err := g.backend.Put(signKey(did), priv); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.signingKeys[did] = priv
	g.mu.Unlock()
	g.logger.Infow("identity created", "did", did)
	return doc, nil
}

func (g *Gate) persistDoc(doc *Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode DID document", err)
	}
	if err := g.backend.Put(docKey(doc.ID), raw); err != nil {
		return err
	}
	g.mu.Lock()
	g.docs[doc.ID] = doc
	g.mu.Unlock()
	return nil
}

// Resolve returns the document for did, delegating to the remote resolver
// (with a TTL cache) when the DID belongs to a foreign federation.
func (g *Gate) Resolve(did DID) (*Document, error) {
	_, fed, _, err := did.Parse()
	if err != nil {
		return nil, err
	}
	if fed != g.localFederation {
		return g.resolveRemote(did)
	}

	g.mu.RLock()
	if doc, ok := g.docs[did]; ok {
		g.mu.RUnlock()
		return doc, nil
	}
	g.mu.RUnlock()

	raw, err := g.backend.Get(docKey(did))
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("DID %s not found", did))
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode DID document", err)
	}
	g.mu.Lock()
	g.docs[did] = &doc
	g.mu.Unlock()
	return &doc, nil
}

func (g *Gate) resolveRemote(did DID) (*Document, error) {
	g.mu.RLock()
	cached, ok := g.remoteCache[did]
	g.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < g.remoteTTL {
		return cached.doc, nil
	}
	if g.resolver == nil {
		return nil, icnerr.New(icnerr.FederationUnavailable, fmt.Sprintf("no resolver for foreign DID %s", did))
	}
	doc, err := g.resolver.ResolveRemote(did)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.remoteCache[did] = cachedDoc{doc: doc, fetchedAt: time.Now()}
	g.mu.Unlock()
	return doc, nil
}

// InvalidateRemote drops a cached foreign document. Called when a document
// update for did is observed over the bus.
func (g *Gate) InvalidateRemote(did DID) {
	g.mu.Lock()
	delete(g.remoteCache, did)
	g.mu.Unlock()
}

// UpdateDocument replaces the mutable parts of a document. Deactivated
// documents cannot be revived.
func (g *Gate) UpdateDocument(did DID, mutate func(*Document) error) (*Document, error) {
	doc, err := g.Resolve(did)
	if err != nil {
		return nil, err
	}
	if doc.Deactivated {
		return nil, icnerr.New(icnerr.InvalidStateTransition, fmt.Sprintf("DID %s is deactivated", did))
	}
	next := *doc
	next.VerificationMethods = append([]VerificationMethod(nil), doc.VerificationMethods...)
	next.Services = append([]ServiceEndpoint(nil), doc.Services...)
	if err := mutate(&next); err != nil {
		return nil, err
	}
	next.Deactivated = doc.Deactivated // monotonic: mutate cannot flip it
	next.UpdatedAt = time.Now().Unix()
	if err := g.persistDoc(&next); err != nil {
		return nil, err
	}
	return &next, nil
}

// Deactivate marks a DID terminal.
func (g *Gate) Deactivate(did DID) error {
	doc, err := g.Resolve(did)
	if err != nil {
		return err
	}
	if doc.Deactivated {
		return nil
	}
	next := *doc
	next.Deactivated = true
	next.UpdatedAt = time.Now().Unix()
	if err := g.persistDoc(&next); err != nil {
		return err
	}
	g.logger.Infow("identity deactivated", "did", did)
	return nil
}

// IssueChallenge mints a single-use authentication nonce for did with the
// given TTL; a TTL that is zero, negative or longer than
// DefaultChallengeTTL is replaced by DefaultChallengeTTL.
func (g *Gate) IssueChallenge(did DID, ttl time.Duration) (*Challenge, error) {
	if _, _, _, err := did.Parse(); err != nil {
		return nil, err
	}
	if ttl <= 0 || ttl > DefaultChallengeTTL {
		ttl = DefaultChallengeTTL
	}
	now := time.Now()
	ch := Challenge{
		Nonce:     uuid.New().String(),
		DID:       did,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).UnixNano(),
	}
	g.mu.Lock()
	g.challenges[ch.Nonce] = ch
	g.mu.Unlock()
	return &ch, nil
}

// VerifyAuthentication checks a challenge response: the challenge must be
// known, unexpired (rejection happens exactly at expiry), addressed to the
// responding DID, and signed by a verification method of an active
// document. Success consumes the challenge.
func (g *Gate) VerifyAuthentication(resp ChallengeResponse) error {
	g.mu.RLock()
	ch, ok := g.challenges[resp.Nonce]
	g.mu.RUnlock()
	if !ok {
		return icnerr.New(icnerr.Unauthenticated, "challenge unknown")
	}
	if time.Now().UnixNano() >= ch.ExpiresAt {
		g.mu.Lock()
		delete(g.challenges, resp.Nonce)
		g.mu.Unlock()
		return icnerr.New(icnerr.Unauthenticated, "challenge expired")
	}
	if ch.DID != resp.DID {
		return icnerr.New(icnerr.Unauthenticated, "challenge issued for a different DID")
	}

	doc, err := g.Resolve(resp.DID)
	if err != nil {
		if icnerr.Is(err, icnerr.NotFound) {
			return icnerr.Wrap(icnerr.Unauthenticated, "DID not found", err)
		}
		return err
	}
	if doc.Deactivated {
		return icnerr.New(icnerr.Unauthenticated, fmt.Sprintf("DID %s is deactivated", resp.DID))
	}
	vm := doc.method(resp.VerificationMethodID)
	if vm == nil {
		return icnerr.New(icnerr.Unauthenticated, fmt.Sprintf("unknown verification method %s", resp.VerificationMethodID))
	}
	pub, err := base64.StdEncoding.DecodeString(vm.PublicKeyB64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return icnerr.New(icnerr.Unauthenticated, "malformed verification key")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), ch.Bytes(), resp.Signature) {
		return icnerr.New(icnerr.Unauthenticated, "signature invalid")
	}

	g.mu.Lock()
	delete(g.challenges, resp.Nonce)
	g.mu.Unlock()
	g.logger.Debugw("authentication verified", "did", resp.DID)
	return nil
}

// PruneChallenges drops expired challenges. Run periodically by the node.
func (g *Gate) PruneChallenges() {
	now := time.Now().UnixNano()
	g.mu.Lock()
	for nonce, ch := range g.challenges {
		if now >= ch.ExpiresAt {
			delete(g.challenges, nonce)
		}
	}
	g.mu.Unlock()
}

// Sign signs payload with did's local Ed25519 key. Only DIDs created on
// this node can sign.
func (g *Gate) Sign(did DID, payload []byte) ([]byte, error) {
	g.mu.RLock()
	priv, ok := g.signingKeys[did]
	g.mu.RUnlock()
	if !ok {
		raw, err := g.backend.Get(signKey(did))
		if err != nil {
			return nil, icnerr.New(icnerr.Unauthenticated, fmt.Sprintf("no signing key for %s", did))
		}
		priv = ed25519.PrivateKey(raw)
		g.mu.Lock()
		g.signingKeys[did] = priv
		g.mu.Unlock()
	}
	return ed25519.Sign(priv, payload), nil
}

// VerifySignature checks payload against sig using any verification method
// of did's document.
func (g *Gate) VerifySignature(did DID, payload, sig []byte) error {
	doc, err := g.Resolve(did)
	if err != nil {
		return err
	}
	if doc.Deactivated {
		return icnerr.New(icnerr.Unauthenticated, fmt.Sprintf("DID %s is deactivated", did))
	}
	for _, vm := range doc.VerificationMethods {
		pub, err := base64.StdEncoding.DecodeString(vm.PublicKeyB64)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			continue
		}
		if ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
			return nil
		}
	}
	return icnerr.New(icnerr.Unauthenticated, "signature invalid")
}

// Members lists the non-deactivated DIDs registered in the local
// federation. Governance uses this as its eligibility roster.
func (g *Gate) Members() ([]DID, error) {
	keys, err := g.backend.List("identity:doc:")
	if err != nil {
		return nil, err
	}
	out := make([]DID, 0, len(keys))
	for _, k := range keys {
		did := DID(strings.TrimPrefix(k, "identity:doc:"))
		doc, err := g.Resolve(did)
		if err != nil || doc.Deactivated {
			continue
		}
		out = append(out, did)
	}
	return out, nil
}
