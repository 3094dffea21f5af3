/*
 *
 * Copyright 2017 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package base defines a balancer scaffolding that every address-list-driven
// policy (round robin, deterministic subsetting's child) shares: it tracks one SubConn per resolved address,
// aggregates their connectivity states, and asks a PickerBuilder for a new
// Picker whenever the aggregate state could have changed.
package base

import (
	"sync"
	"time"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/grpclog"
	"github.com/chalvern/grpc-go/resolver"
)

// subConnCacheTTL bounds how long a SubConn whose address dropped out of a
// resolver update is kept around, idle but not shut down, before it is torn
// down for good. Address churn that heals within this window reuses the
// existing SubConn (and its last-known connectivity state) instead of
// paying for a fresh dial.
const subConnCacheTTL = 10 * time.Second

// cacheEntry is one SubConn sitting in the pool, past the point its address
// stopped being reported by the resolver but not yet past its cool-down.
type cacheEntry struct {
	sc    balancer.SubConn
	timer *time.Timer
}

// PickerBuilder creates a balancer.Picker from the set of currently READY
// SubConns (keyed by the resolver.Address they were built from).
type PickerBuilder interface {
	Build(info PickerBuildInfo) balancer.Picker
}

// PickerBuildInfo contains information needed by the PickerBuilder to
// create a Picker.
type PickerBuildInfo struct {
	// ReadySCs is a map from a ready SubConn to the address it was
	// created with, in no particular order.
	ReadySCs map[balancer.SubConn]SubConnInfo
}

// SubConnInfo contains information about a SubConn, to be passed to a
// PickerBuilder.
type SubConnInfo struct {
	Address resolver.Address
}

// NewBalancerBuilder returns a balancer.Builder that builds balancers
// using pb for the Picker and name for Builder.Name(). If
// emptyAddrsDisallowed is set, an empty resolved-address list fails
// UpdateClientConnState; both policies in this module (round_robin and
// deterministic_subsetting) pass false.
func NewBalancerBuilder(name string, pb PickerBuilder, emptyAddrsDisallowed bool) balancer.Builder {
	return &builder{name: name, pb: pb, emptyAddrsDisallowed: emptyAddrsDisallowed}
}

type builder struct {
	name                 string
	pb                   PickerBuilder
	emptyAddrsDisallowed bool
}

func (b *builder) Name() string { return b.name }

func (b *builder) Build(cc balancer.ClientConn, opt balancer.BuildOptions) balancer.Balancer {
	return &baseBalancer{
		cc:                   cc,
		pb:                   b.pb,
		emptyAddrsDisallowed: b.emptyAddrsDisallowed,
		subConns:             make(map[resolver.Address]balancer.SubConn),
		scStates:             make(map[balancer.SubConn]connectivity.State),
		cache:                make(map[resolver.Address]*cacheEntry),
		cacheTTL:             subConnCacheTTL,
		state:                connectivity.Connecting,
	}
}

// baseBalancer implements balancer.Balancer on top of a PickerBuilder,
// per-address SubConn bookkeeping, and the aggregation rule:
// publish READY if any SubConn is READY, else CONNECTING if any is
// CONNECTING or IDLE, else TRANSIENT_FAILURE if any is TRANSIENT_FAILURE,
// else (no SubConns at all) CONNECTING.
type baseBalancer struct {
	cc balancer.ClientConn
	pb PickerBuilder

	emptyAddrsDisallowed bool

	subConns map[resolver.Address]balancer.SubConn
	scStates map[balancer.SubConn]connectivity.State
	state    connectivity.State

	// cacheMu guards cache; everything else here is only ever touched from
	// the ClientConn's single balancer goroutine, but a cache entry's
	// eviction timer fires on its own goroutine.
	cacheMu  sync.Mutex
	cache    map[resolver.Address]*cacheEntry
	cacheTTL time.Duration

	resolverErr error
	connErr     error
}

func (b *baseBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	var addrs []resolver.Address
	for _, a := range s.ResolverState.Addresses {
		addrs = append(addrs, a.Addresses...)
	}
	if len(addrs) == 0 && b.emptyAddrsDisallowed {
		b.ResolverError(balancer.ErrBadResolverState)
		return balancer.ErrBadResolverState
	}

	addrsSet := make(map[resolver.Address]struct{}, len(addrs))
	revived := false
	for _, a := range addrs {
		addrsSet[a] = struct{}{}
		if _, ok := b.subConns[a]; ok {
			continue
		}
		if entry, ok := b.pop(a); ok {
			// Address churned out and back in within the cool-down window:
			// reuse the cached SubConn rather than dialing again. scStates
			// was never cleared for it, so its last-observed connectivity
			// state is replayed into the next picker below.
			entry.timer.Stop()
			b.subConns[a] = entry.sc
			revived = true
			continue
		}
		sc, err := b.cc.NewSubConn([]resolver.Address{a}, balancer.NewSubConnOptions{})
		if err != nil {
			grpclog.Warningf("base balancer: failed to create SubConn for address %v: %v", a, err)
			continue
		}
		b.subConns[a] = sc
		b.scStates[sc] = connectivity.Idle
		sc.Connect()
	}
	for a, sc := range b.subConns {
		if _, ok := addrsSet[a]; ok {
			continue
		}
		delete(b.subConns, a)
		b.cacheSubConn(a, sc)
	}

	// If no address remains, pushing an empty picker keeps new RPCs
	// blocked (delayed transport) rather than routed nowhere.
	if len(b.subConns) == 0 || revived {
		b.regeneratePicker()
	}
	return nil
}

// cacheSubConn parks sc in the pool instead of shutting it down immediately,
// so transient resolver churn (the same address disappearing and
// reappearing across a couple of updates) doesn't force a fresh dial. It is
// shut down for real only if it outlives cacheTTL without being reclaimed.
func (b *baseBalancer) cacheSubConn(a resolver.Address, sc balancer.SubConn) {
	entry := &cacheEntry{sc: sc}
	entry.timer = time.AfterFunc(b.cacheTTL, func() {
		b.cacheMu.Lock()
		cur, ok := b.cache[a]
		if ok && cur == entry {
			delete(b.cache, a)
		}
		b.cacheMu.Unlock()
		if ok {
			sc.Shutdown()
		}
	})
	b.cacheMu.Lock()
	b.cache[a] = entry
	b.cacheMu.Unlock()
}

// pop removes and returns the cached entry for a, if one is still pending
// eviction.
func (b *baseBalancer) pop(a resolver.Address) (*cacheEntry, bool) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	entry, ok := b.cache[a]
	if ok {
		delete(b.cache, a)
	}
	return entry, ok
}

// clear empties the pool immediately, shutting down every cached SubConn
// without waiting out its cool-down; called when the balancer itself is
// torn down.
func (b *baseBalancer) clear() {
	b.cacheMu.Lock()
	cache := b.cache
	b.cache = make(map[resolver.Address]*cacheEntry)
	b.cacheMu.Unlock()
	for _, entry := range cache {
		entry.timer.Stop()
		entry.sc.Shutdown()
	}
}

func (b *baseBalancer) ResolverError(err error) {
	b.resolverErr = err
	if len(b.subConns) == 0 {
		b.state = connectivity.TransientFailure
		b.cc.UpdateState(balancer.State{
			ConnectivityState: connectivity.TransientFailure,
			Picker:            &errPicker{err: b.pickErr()},
		})
	}
}

func (b *baseBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	old, ok := b.scStates[sc]
	if !ok {
		return
	}
	b.scStates[sc] = s.ConnectivityState
	if s.ConnectivityState == connectivity.TransientFailure {
		b.connErr = s.ConnectionError
	}
	if s.ConnectivityState == connectivity.Shutdown {
		delete(b.scStates, sc)
	}

	switch s.ConnectivityState {
	case connectivity.TransientFailure, connectivity.Idle:
		// A freshly-failed or idled SubConn should attempt to reconnect
		// if it won't otherwise be driven by Connect() again; real
		// pick-first-per-address reconnection is handled by the
		// subchannel itself (its own backoff loop), so nothing to do here.
	}
	if old == s.ConnectivityState {
		return
	}
	b.regeneratePicker()
}

// aggregate derives the overall connectivity state from only the SubConns
// currently address-routed; a SubConn sitting in the cache is deliberately
// excluded so a cooling-down connection can't make the channel look READY
// for addresses the picker no longer routes to.
func (b *baseBalancer) aggregate() connectivity.State {
	var numConnecting, numTF int
	for _, sc := range b.subConns {
		switch b.scStates[sc] {
		case connectivity.Ready:
			return connectivity.Ready
		case connectivity.Connecting, connectivity.Idle:
			numConnecting++
		case connectivity.TransientFailure:
			numTF++
		}
	}
	if numConnecting > 0 {
		return connectivity.Connecting
	}
	if numTF > 0 {
		return connectivity.TransientFailure
	}
	return connectivity.Connecting
}

func (b *baseBalancer) regeneratePicker() {
	agg := b.aggregate()
	b.state = agg

	if agg == connectivity.TransientFailure {
		b.cc.UpdateState(balancer.State{
			ConnectivityState: agg,
			Picker:            &errPicker{err: b.pickErr()},
		})
		return
	}

	readySCs := make(map[balancer.SubConn]SubConnInfo)
	for a, sc := range b.subConns {
		if b.scStates[sc] == connectivity.Ready {
			readySCs[sc] = SubConnInfo{Address: a}
		}
	}
	b.cc.UpdateState(balancer.State{
		ConnectivityState: agg,
		Picker:            b.pb.Build(PickerBuildInfo{ReadySCs: readySCs}),
	})
}

func (b *baseBalancer) pickErr() error {
	if b.connErr != nil {
		return b.connErr
	}
	if b.resolverErr != nil {
		return b.resolverErr
	}
	return balancer.ErrTransientFailure
}

func (b *baseBalancer) Close() {
	b.clear()
}

type errPicker struct{ err error }

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
