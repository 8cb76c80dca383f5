// Package router maps keys to federations through a prefix-route
// table, with cross-federation
// read/write fan-out, failover between replicas, and agreement-gated
// transport. Remote calls ride the message bus behind a RemoteClient
// capability; agreements come from an external coordinator behind an
// AgreementProvider capability, so the router never holds concrete
// cross-subsystem types.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/intercoop-network/icn-node/internal/icnerr"
	"github.com/intercoop-network/icn-node/internal/kvstore"
	"github.com/intercoop-network/icn-node/internal/policy"
	"github.com/intercoop-network/icn-node/internal/storage"
)

const (
	// DefaultRemoteDeadline bounds one remote federation attempt.
	DefaultRemoteDeadline = 10 * time.Second
	// remoteAttempts caps retries per federation for cross-federation calls.
	remoteAttempts = 3
)

// Route maps a key prefix to one or more target federations.
type Route struct {
	KeyPrefix         string              `json:"key_prefix"`
	TargetFederations []string            `json:"target_federations"`
	PriorityOrder     bool                `json:"priority_order"`
	ReplicateAcross   bool                `json:"replicate_across"`
	AccessPolicy      policy.AccessPolicy `json:"access_policy"`
}

// Agreement is the out-of-band contract authorising cross-federation
// storage, produced by the external coordinator and consumed read-only.
type Agreement struct {
	LocalFederation  string   `json:"local_federation"`
	RemoteFederation string   `json:"remote_federation"`
	GrantedRights    []string `json:"granted_rights"`
	ExpiresAt        int64    `json:"expires_at"`
}

// Active reports whether the agreement is currently in force.
func (a *Agreement) Active() bool {
	return a.ExpiresAt == 0 || time.Now().Unix() < a.ExpiresAt
}

// AgreementProvider resolves the agreement covering a remote federation.
type AgreementProvider interface {
	AgreementWith(remoteFederation string) (*Agreement, error)
}

// RemoteClient performs storage operations against a remote federation
// over the authenticated overlay channel.
type RemoteClient interface {
	RemotePut(ctx context.Context, federation, key string, data []byte, pol *policy.AccessPolicy) (string, error)
	RemoteGet(ctx context.Context, federation, key, versionID string) ([]byte, error)
	RemoteDelete(ctx context.Context, federation, key string) error
}

// LocalStore is the slice of the local distributed store the router
// delegates to.
type LocalStore interface {
	Put(ctx context.Context, caller storage.Caller, key string, data []byte, pol *policy.AccessPolicy) (string, error)
	Get(ctx context.Context, caller storage.Caller, key, versionID string) ([]byte, error)
	Delete(ctx context.Context, caller storage.Caller, key string) error
	FederationID() string
}

// RepairFunc receives a failed cross-federation write for later retry.
type RepairFunc func(federation, key string)

// Router is the Federation Router handle.
type Router struct {
	backend    kvstore.Backend
	local      LocalStore
	remote     RemoteClient
	agreements AgreementProvider
	logger     *zap.SugaredLogger
	deadline   time.Duration
	onRepair   RepairFunc

	mu     sync.RWMutex
	routes []Route
}

// NewRouter loads any persisted route table from backend.
func NewRouter(backend kvstore.Backend, local LocalStore, remote RemoteClient,
	agreements AgreementProvider, logger *zap.SugaredLogger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Router{
		backend:    backend,
		local:      local,
		remote:     remote,
		agreements: agreements,
		logger:     logger,
		deadline:   DefaultRemoteDeadline,
	}
	raw, err := backend.Get("routes:table")
	if err == nil {
		if err := json.Unmarshal(raw, &r.routes); err != nil {
			return nil, icnerr.Wrap(icnerr.IntegrityError, "decode route table", err)
		}
	} else if !icnerr.Is(err, icnerr.NotFound) {
		return nil, err
	}
	return r, nil
}

// OnRepair registers the sink for failed cross-federation writes.
func (r *Router) OnRepair(fn RepairFunc) {
	r.mu.Lock()
	r.onRepair = fn
	r.mu.Unlock()
}

// AddRoute validates and persists a route.
func (r *Router) AddRoute(route Route) error {
	if route.KeyPrefix == "" {
		return icnerr.New(icnerr.InvalidInput, "route key_prefix required")
	}
	if len(route.TargetFederations) == 0 {
		return icnerr.New(icnerr.InvalidInput, "route needs at least one target federation")
	}
	if err := route.AccessPolicy.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].KeyPrefix == route.KeyPrefix {
			r.routes[i] = route
			return r.persistLocked()
		}
	}
	r.routes = append(r.routes, route)
	return r.persistLocked()
}

// RemoveRoute deletes the route for prefix.
func (r *Router) RemoveRoute(prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].KeyPrefix == prefix {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return r.persistLocked()
		}
	}
	return icnerr.New(icnerr.NotFound, fmt.Sprintf("no route for prefix %q", prefix))
}

// Routes returns a copy of the route table.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

func (r *Router) persistLocked() error {
	raw, err := json.Marshal(r.routes)
	if err != nil {
		return icnerr.Wrap(icnerr.Internal, "encode route table", err)
	}
	return r.backend.Put("routes:table", raw)
}

// Match returns the route for key: the longest matching prefix, ties
// broken by lexicographically smaller prefix. Nil means local placement.
func (r *Router) Match(key string) *Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Route
	for i := range r.routes {
		rt := &r.routes[i]
		if !strings.HasPrefix(key, rt.KeyPrefix) {
			continue
		}
		if best == nil ||
			len(rt.KeyPrefix) > len(best.KeyPrefix) ||
			(len(rt.KeyPrefix) == len(best.KeyPrefix) && rt.KeyPrefix < best.KeyPrefix) {
			best = rt
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (r *Router) localOnly(route *Route) bool {
	for _, f := range route.TargetFederations {
		if f != r.local.FederationID() {
			return false
		}
	}
	return true
}

// checkAgreement fails FederationUnavailable unless an active agreement
// covers federation.
func (r *Router) checkAgreement(federation string) error {
	if federation == r.local.FederationID() {
		return nil
	}
	ag, err := r.agreements.AgreementWith(federation)
	if err != nil || ag == nil || !ag.Active() {
		return icnerr.New(icnerr.FederationUnavailable,
			fmt.Sprintf("no active agreement with federation %s", federation))
	}
	return nil
}

// attemptRemote runs op against one federation with the per-federation
// deadline and bounded retries; only Transient failures retry.
func (r *Router) attemptRemote(ctx context.Context, federation string, op func(context.Context) error) error {
	if err := r.checkAgreement(federation); err != nil {
		return err
	}
	var last error
	for attempt := 0; attempt < remoteAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.deadline)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		last = err
		if !icnerr.Is(err, icnerr.Transient) {
			return err
		}
		select {
		case <-ctx.Done():
			return icnerr.Wrap(icnerr.Transient, "routing cancelled", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}
	return last
}

// Put routes a write. Local-target routes (and unrouted keys) delegate to
// the local store. Replicated routes fan out to every target and succeed only when the
// policy's redundancy count of federations confirm; a shortfall queues a
// repair and fails InsufficientReplicas.
func (r *Router) Put(ctx context.Context, caller storage.Caller, key string, data []byte, pol *policy.AccessPolicy) (string, error) {
	route := r.Match(key)
	if route == nil || r.localOnly(route) {
		return r.local.Put(ctx, caller, key, data, pol)
	}
	if route.AccessPolicy.PolicyID != "" {
		pol = &route.AccessPolicy
	}

	if !route.ReplicateAcross {
		// single-home write: first target that accepts it wins
		var last error
		for _, fed := range route.TargetFederations {
			if fed == r.local.FederationID() {
				if vid, err := r.local.Put(ctx, caller, key, data, pol); err == nil {
					return vid, nil
				} else {
					last = err
				}
				continue
			}
			var vid string
			err := r.attemptRemote(ctx, fed, func(c context.Context) error {
				v, err := r.remote.RemotePut(c, fed, key, data, pol)
				vid = v
				return err
			})
			if err == nil {
				return vid, nil
			}
			last = err
			r.logger.Warnw("routed put failed, trying next target", "key", key, "federation", fed, "err", err)
		}
		if last == nil {
			last = icnerr.New(icnerr.FederationUnavailable, fmt.Sprintf("no target accepted %q", key))
		}
		return "", last
	}

	type result struct {
		fed string
		vid string
		err error
	}
	results := make(chan result, len(route.TargetFederations))
	for _, fed := range route.TargetFederations {
		fed := fed
		go func() {
			if fed == r.local.FederationID() {
				vid, err := r.local.Put(ctx, caller, key, data, pol)
				results <- result{fed: fed, vid: vid, err: err}
				return
			}
			var vid string
			err := r.attemptRemote(ctx, fed, func(c context.Context) error {
				v, err := r.remote.RemotePut(c, fed, key, data, pol)
				vid = v
				return err
			})
			results <- result{fed: fed, vid: vid, err: err}
		}()
	}

	need := int(pol.Redundancy)
	if need > len(route.TargetFederations) {
		need = len(route.TargetFederations)
	}
	confirmations := 0
	var versionID string
	var failed []string
	for range route.TargetFederations {
		res := <-results
		if res.err != nil {
			failed = append(failed, res.fed)
			r.logger.Warnw("cross-federation replica failed", "key", key, "federation", res.fed, "err", res.err)
			continue
		}
		confirmations++
		if versionID == "" {
			versionID = res.vid
		}
	}

	if confirmations < need {
		r.queueRepair(failed, key)
		return "", icnerr.New(icnerr.InsufficientReplicas,
			fmt.Sprintf("cross-federation write of %q confirmed by %d/%d federations", key, confirmations, need))
	}
	if len(failed) > 0 {
		r.queueRepair(failed, key)
	}
	return versionID, nil
}

func (r *Router) queueRepair(federations []string, key string) {
	r.mu.RLock()
	fn := r.onRepair
	r.mu.RUnlock()
	if fn == nil {
		return
	}
	for _, fed := range federations {
		fn(fed, key)
	}
}

// Get routes a read: sequential target order when the route demands
// priority, otherwise parallel first-success.
func (r *Router) Get(ctx context.Context, caller storage.Caller, key, versionID string) ([]byte, error) {
	route := r.Match(key)
	if route == nil || r.localOnly(route) {
		return r.local.Get(ctx, caller, key, versionID)
	}

	fetch := func(c context.Context, fed string) ([]byte, error) {
		if fed == r.local.FederationID() {
			return r.local.Get(c, caller, key, versionID)
		}
		var data []byte
		err := r.attemptRemote(c, fed, func(ac context.Context) error {
			d, err := r.remote.RemoteGet(ac, fed, key, versionID)
			data = d
			return err
		})
		return data, err
	}

	if route.PriorityOrder {
		var last error
		for _, fed := range route.TargetFederations {
			data, err := fetch(ctx, fed)
			if err == nil {
				return data, nil
			}
			last = err
		}
		if last == nil {
			last = icnerr.New(icnerr.NotFound, fmt.Sprintf("%q not found on any target", key))
		}
		return nil, last
	}

	type result struct {
		data []byte
		err  error
	}
	results := make(chan result, len(route.TargetFederations))
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, fed := range route.TargetFederations {
		fed := fed
		go func() {
			data, err := fetch(fetchCtx, fed)
			results <- result{data: data, err: err}
		}()
	}
	var last error
	for range route.TargetFederations {
		res := <-results
		if res.err == nil {
			return res.data, nil
		}
		last = res.err
	}
	return nil, last
}

// Delete routes a delete to every target federation in sorted order.
// NotFound targets are skipped and other failures do not stop the
// remaining targets; the last failure is returned only when no target
// deleted the key.
func (r *Router) Delete(ctx context.Context, caller storage.Caller, key string) error {
	route := r.Match(key)
	if route == nil || r.localOnly(route) {
		return r.local.Delete(ctx, caller, key)
	}
	feds := append([]string(nil), route.TargetFederations...)
	sort.Strings(feds)
	var last error
	deleted := 0
	for _, fed := range feds {
		var err error
		if fed == r.local.FederationID() {
			err = r.local.Delete(ctx, caller, key)
		} else {
			err = r.attemptRemote(ctx, fed, func(c context.Context) error {
				return r.remote.RemoteDelete(c, fed, key)
			})
		}
		if err != nil {
			if icnerr.Is(err, icnerr.NotFound) {
				continue
			}
			last = err
			continue
		}
		deleted++
	}
	if deleted == 0 && last != nil {
		return last
	}
	return nil
}
