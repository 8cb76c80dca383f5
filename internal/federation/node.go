// Package federation assembles the core subsystems into a running node:
// per-federation storage partitions under one base directory, the
// federations.json bookkeeping, governance/identity wiring, and the
// external Storage and Governance API surfaces. Concrete cross-subsystem
// wiring happens only here; the subsystems themselves exchange capability
// interfaces.
package federation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/intercoop-network/icn-node/internal/crypto"
	"github.com/intercoop-network/icn-node/internal/governance"
	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/identity"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/metrics"
	"github.com/intercoop-network/icn-node/internal/overlay"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/router"
	"github.com/intercoop-network/icn-node/internal/storage"
	"github.com/intercoop-network/icn-node/internal/version"
)

var federationNameRE = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// FederationConfig is one entry of <base>/federations.json.
type FederationConfig struct {
	Name      string `json:"name"`
	Encrypted bool   `json:"encrypted"`
	CreatedAt int64  `json:"created_at"`
}

// Options configures a Node.
type Options struct {
	BaseDir    string
	NodeID     string
	OperatorID string // local id of the node operator's DID
	SyncWrites bool
	Governance governance.Config
	LedgerHook LedgerHook
	Logger     *logrus.Logger
	ZapLogger  *zap.SugaredLogger
}

// LedgerHook is the mutual-credit ledger capability invoked by the
// ResourceAlloc executor. The ledger itself is an external collaborator.
type LedgerHook interface {
	CreateTransaction(from, to string, amount int64, memo string) (string, error)
}

// Federation bundles one federation's subsystem instances.
type Federation struct {
	name     string
	config   FederationConfig
	backend  kvstore.Backend
	policies *policy.Store
	versions *version.Manager
	registry *storage.Registry
	store    *storage.Store
	gate     *identity.Gate
	gov      *governance.Engine
	router   *router.Router
}

// Store exposes the federation's distributed store.
func (f *Federation) Store() *storage.Store { return f.store }

// Gate exposes the federation's identity gate.
func (f *Federation) Gate() *identity.Gate { return f.gate }

// Governance exposes the federation's governance engine.
func (f *Federation) Governance() *governance.Engine { return f.gov }

// Policies exposes the federation's policy store.
func (f *Federation) Policies() *policy.Store { return f.policies }

// Registry exposes the federation's peer registry.
func (f *Federation) Registry() *storage.Registry { return f.registry }

// Router exposes the federation's route table.
func (f *Federation) Router() *router.Router { return f.router }

// Node is a federated infrastructure node participating in zero or more
// federations.
type Node struct {
	opts        Options
	baseDir     string
	nodeID      string
	operatorDID identity.DID
	crypto      *crypto.Service
	transport   overlay.Transport
	bus         *overlay.Bus
	rpc         *busRPC
	logger      *logrus.Logger
	zlog        *zap.SugaredLogger

	mu          sync.RWMutex
	federations map[string]*Federation
	agreements  map[string]*router.Agreement
}

// NewNode opens (or creates) the node state under opts.BaseDir, restores
// every federation listed in federations.json, and binds the message bus.
func NewNode(opts Options, transport overlay.Transport) (*Node, error) {
	if opts.BaseDir == "" {
		return nil, icnerr.New(icnerr.InvalidInput, "base dir required")
	}
	if opts.NodeID == "" {
		return nil, icnerr.New(icnerr.InvalidInput, "node id required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ZapLogger == nil {
		opts.ZapLogger = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(opts.BaseDir, 0o700); err != nil {
		return nil, icnerr.Wrap(icnerr.Internal, "create base dir", err)
	}

	cs, err := crypto.NewService(opts.BaseDir, opts.Logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		opts:        opts,
		baseDir:     opts.BaseDir,
		nodeID:      opts.NodeID,
		crypto:      cs,
		transport:   transport,
		logger:      opts.Logger,
		zlog:        opts.ZapLogger,
		federations: make(map[string]*Federation),
		agreements:  make(map[string]*router.Agreement),
	}
	n.bus = overlay.NewBus(transport, opts.Logger)
	n.rpc = newBusRPC(n.bus, n, opts.Logger)
	n.bus.Start()

	configs, err := n.loadFederationConfigs()
	if err != nil {
		return nil, err
	}
	for _, fc := range configs {
		if _, err := n.openFederation(fc); err != nil {
			return nil, err
		}
	}
	if err := n.loadAgreements(); err != nil {
		return nil, err
	}
	return n, nil
}

// Close stops the bus and transport.
func (n *Node) Close() error {
	return n.bus.Stop()
}

func (n *Node) federationsPath() string {
	return filepath.Join(n.baseDir, "federations.json")
}

func (n *Node) loadFederationConfigs() ([]FederationConfig, error) {
	raw, err := os.ReadFile(n.federationsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, icnerr.Wrap(icnerr.Internal, "read federations.json", err)
	}
	var configs []FederationConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, icnerr.Wrap(icnerr.IntegrityError, "decode federations.json", err)
	}
	return configs, nil
}

func (n *Node) saveFederationConfigs() error {
	n.mu.RLock()
	configs := make([]FederationConfig, 0, len(n.federations))
	for _, f := range n.federations {
		configs = append(configs, f.config)
	}
	n.mu.RUnlock()
	raw, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode federations.json", err)
	}
	if err := os.WriteFile(n.federationsPath(), raw, 0o600); err != nil {
		return icnerr.Wrap(icnerr.Internal, "write federations.json", err)
	}
	return nil
}

// InitFederation creates a new federation partition. Names are
// [a-z0-9_-]{1,64}; re-creating an existing federation fails
// AlreadyExists. When encrypted, the federation key is minted eagerly so
// encryption_required policies always find it.
func (n *Node) InitFederation(name string, encrypted bool) (*Federation, error) {
	if !federationNameRE.MatchString(name) {
		return nil, icnerr.New(icnerr.InvalidInput, fmt.Sprintf("invalid federation name %q", name))
	}
	n.mu.RLock()
	_, exists := n.federations[name]
	n.mu.RUnlock()
	if exists {
		return nil, icnerr.New(icnerr.AlreadyExists, fmt.Sprintf("federation %s already initialised", name))
	}

	fc := FederationConfig{Name: name, Encrypted: encrypted, CreatedAt: time.Now().Unix()}
	fed, err := n.openFederation(fc)
	if err != nil {
		return nil, err
	}
	if encrypted {
		if _, err := n.crypto.GetOrCreateSymmetric(fmt.Sprintf("federation_%s", name)); err != nil {
			return nil, err
		}
	}
	if err := n.saveFederationConfigs(); err != nil {
		return nil, err
	}

	if p2p, ok := n.transport.(*overlay.P2PTransport); ok {
		if err := p2p.Advertise(name); err != nil {
			n.logger.WithError(err).WithField("federation", name).Warn("node: federation advertisement failed")
		}
	}
	n.logger.WithFields(logrus.Fields{"federation": name, "encrypted": encrypted}).Info("node: federation initialised")
	return fed, nil
}

func (n *Node) openFederation(fc FederationConfig) (*Federation, error) {
	backend, err := kvstore.NewFileBackend(filepath.Join(n.baseDir, fc.Name), n.opts.SyncWrites)
	if err != nil {
		return nil, err
	}

	policies := policy.NewStore(backend)
	versions := version.NewManager(backend)
	registry, err := storage.NewRegistry(backend, n.logger)
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(n.logger)
	gate := identity.NewGate(fc.Name, backend, n.rpc, n.zlog)
	store := storage.NewStore(n.nodeID, fc.Name, backend, n.crypto, policies, versions, registry, n.rpc, collector, n.logger)

	gov := governance.NewEngine(backend, gate, &rosterAdapter{gate: gate}, n.rpc, n.opts.Governance, n.zlog)
	fed := &Federation{
		name:     fc.Name,
		config:   fc,
		backend:  backend,
		policies: policies,
		versions: versions,
		registry: registry,
		store:    store,
		gate:     gate,
		gov:      gov,
	}
	n.registerExecutors(fed)

	rt, err := router.NewRouter(backend, store, n.rpc, n, n.zlog)
	if err != nil {
		return nil, err
	}
	fed.router = rt

	n.mu.Lock()
	n.federations[fc.Name] = fed
	n.mu.Unlock()

	// ensure the node operator can sign governance actions in this federation
	if n.opts.OperatorID != "" {
		did := identity.DID(fmt.Sprintf("did:icn:%s:%s", fc.Name, n.opts.OperatorID))
		if _, err := gate.Resolve(did); icnerr.Is(err, icnerr.NotFound) {
			if doc, err := gate.CreateIdentity(n.opts.OperatorID); err == nil {
				n.operatorDID = doc.ID
			}
		} else if err == nil {
			n.operatorDID = did
		}
	}
	return fed, nil
}

func (n *Node) federation(name string) (*Federation, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	fed, ok := n.federations[name]
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("federation %s not initialised", name))
	}
	return fed, nil
}

// Federation returns the handle for one federation.
func (n *Node) Federation(name string) (*Federation, error) { return n.federation(name) }

// Federations lists the initialised federation names.
func (n *Node) Federations() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.federations))
	for name := range n.federations {
		out = append(out, name)
	}
	return out
}

// rosterAdapter answers governance eligibility from the identity gate's
// member listing. Deactivation is terminal, so enumerating at finalize
// time never over-counts members who were ineligible when voting closed.
type rosterAdapter struct {
	gate *identity.Gate
}

func (r *rosterAdapter) EligibleAt(time.Time) ([]identity.DID, error) {
	return r.gate.Members()
}

// --- agreements (produced externally, consumed by the router) ---

func agreementKey(remote string) string { return fmt.Sprintf("agreements:%s", remote) }

func (n *Node) loadAgreements() error {
	// agreements live in the first federation backend that exists; a node
	// with no federations has none to load
	n.mu.RLock()
	var backend kvstore.Backend
	for _, f := range n.federations {
		backend = f.backend
		break
	}
	n.mu.RUnlock()
	if backend == nil {
		return nil
	}
	keys, err := backend.List("agreements:")
	if err != nil {
		return err
	}
	for _, k := range keys {
		raw, err := backend.Get(k)
		if err != nil {
			continue
		}
		var ag router.Agreement
		if err := json.Unmarshal(raw, &ag); err != nil {
			return icnerr.Wrap(icnerr.IntegrityError, "decode agreement", err)
		}
		n.mu.Lock()
		n.agreements[ag.RemoteFederation] = &ag
		n.mu.Unlock()
	}
	return nil
}

// RegisterAgreement records an externally negotiated federation agreement.
func (n *Node) RegisterAgreement(ag router.Agreement) error {
	if ag.RemoteFederation == "" {
		return icnerr.New(icnerr.InvalidInput, "agreement remote federation required")
	}
	n.mu.Lock()
	n.agreements[ag.RemoteFederation] = &ag
	var backend kvstore.Backend
	for _, f := range n.federations {
		backend = f.backend
		break
	}
	n.mu.Unlock()
	if backend != nil {
		raw, err := json.Marshal(ag)
		if err != nil {
			return icnerr.Wrap(icnerr.Internal, "encode agreement", err)
		}
		return backend.Put(agreementKey(ag.RemoteFederation), raw)
	}
	return nil
}

// AgreementWith implements router.AgreementProvider.
func (n *Node) AgreementWith(remote string) (*router.Agreement, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ag, ok := n.agreements[remote]
	if !ok {
		return nil, icnerr.New(icnerr.NotFound, fmt.Sprintf("no agreement with %s", remote))
	}
	return ag, nil
}

func (n *Node) agreementFederations() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.agreements))
	for name, ag := range n.agreements {
		if ag.Active() {
			out = append(out, name)
		}
	}
	return out
}
