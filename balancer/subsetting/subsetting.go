/*
 *
 * Copyright 2023 gRPC authors.
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

// Package subsetting implements deterministic subsetting: instead of every
// client connecting to every backend behind a resolver, each client picks a
// fixed-size, reproducible subset of the full backend list, then delegates
// picking within that subset to an inner round-robin balancer. Clients that
// agree on clientIndex and subsetSize converge on the same subset for the
// same backend list, bounding the number of connections any one backend
// sees without a central coordinator.
package subsetting

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/balancer/base"
	"github.com/chalvern/grpc-go/resolver"
)

// Name is the name of the deterministic_subsetting balancer policy.
const Name = "deterministic_subsetting"

func init() {
	balancer.Register(&builder{})
}

// LBConfig is the JSON-parsed form of this policy's service config entry.
type LBConfig struct {
	ClientIndex int `json:"clientIndex"`
	SubsetSize  int `json:"subsetSize"`
}

type builder struct{}

func (*builder) Name() string { return Name }

func (*builder) ParseConfig(j []byte) (interface{}, error) {
	var cfg LBConfig
	if err := json.Unmarshal(j, &cfg); err != nil {
		return nil, fmt.Errorf("subsetting: invalid config: %w", err)
	}
	if cfg.SubsetSize <= 0 {
		return nil, fmt.Errorf("subsetting: subsetSize must be positive, got %d", cfg.SubsetSize)
	}
	return cfg, nil
}

func (b *builder) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	inner := base.NewBalancerBuilder(Name, &subsetPickerBuilder{}, false).Build(cc, opts)
	return &subsettingBalancer{cc: cc, inner: inner}
}

// subsettingBalancer computes the backend subset on every resolver update
// and forwards a resolver.State carrying only that subset to an inner
// round-robin balancer, which owns SubConn lifecycle and picking.
type subsettingBalancer struct {
	cc    balancer.ClientConn
	inner balancer.Balancer
	cfg   LBConfig
}

func (sb *subsettingBalancer) UpdateClientConnState(s balancer.ClientConnState) error {
	cfg, _ := s.BalancerConfig.(LBConfig)
	if cfg.SubsetSize > 0 {
		sb.cfg = cfg
	}

	var all []resolver.Address
	for _, eag := range s.ResolverState.Addresses {
		all = append(all, eag.Addresses...)
	}

	subset := ConstructSubset(all, sb.cfg.ClientIndex, sb.cfg.SubsetSize)

	return sb.inner.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{
			Addresses:     []resolver.EquivalentAddressGroup{{Addresses: subset}},
			ServiceConfig: s.ResolverState.ServiceConfig,
			Attributes:    s.ResolverState.Attributes,
		},
	})
}

func (sb *subsettingBalancer) ResolverError(err error) { sb.inner.ResolverError(err) }

func (sb *subsettingBalancer) UpdateSubConnState(sc balancer.SubConn, s balancer.SubConnState) {
	sb.inner.UpdateSubConnState(sc, s)
}

func (sb *subsettingBalancer) Close() { sb.inner.Close() }

// ConstructSubset deterministically selects subsetSize addresses out of
// backends for the client identified by clientIndex.
//
// The full list is first sorted by a byte-level FNV-1a hash of each
// address's canonical "addr|serverName" string, not by pointer/object
// identity: the same backend list hashes to the same order regardless of
// which process computed it or what order the resolver happened to return
// addresses in, including across languages. Clients are grouped into
// rounds of size len(backends)/subsetSize; every client in the same round
// shuffles the hash-sorted list the same way (the shuffle is seeded from
// the round number) and then takes a disjoint subsetSize-sized slice of
// it, so within a round every backend is covered evenly and no client
// needs to know about any other client to agree on the split.
func ConstructSubset(backends []resolver.Address, clientIndex, subsetSize int) []resolver.Address {
	n := len(backends)
	if subsetSize <= 0 || n <= subsetSize {
		return backends
	}

	sorted := make([]resolver.Address, n)
	copy(sorted, backends)
	sort.Slice(sorted, func(i, j int) bool {
		hi, hj := canonicalHash(sorted[i]), canonicalHash(sorted[j])
		if hi != hj {
			return hi < hj
		}
		return addrKey(sorted[i]) < addrKey(sorted[j])
	})

	backendsPerRound := n / subsetSize
	round := clientIndex / backendsPerRound
	excluded := n % subsetSize

	shuffled := deterministicShuffle(sorted, round)
	// Drop the trailing `excluded` backends so the remainder divides
	// evenly by subsetSize; which backends are excluded rotates with the
	// round via the shuffle itself, so no backend is permanently excluded.
	usable := shuffled[:n-excluded]

	start := (clientIndex % backendsPerRound) * subsetSize
	return usable[start : start+subsetSize]
}

func deterministicShuffle(addrs []resolver.Address, round int) []resolver.Address {
	out := make([]resolver.Address, len(addrs))
	copy(out, addrs)
	rnd := rand.New(rand.NewSource(int64(round)))
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func canonicalHash(a resolver.Address) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(addrKey(a)))
	return h.Sum64()
}

func addrKey(a resolver.Address) string { return a.Addr + "|" + a.ServerName }

// subsetPickerBuilder round-robins over whatever SubConns the inner
// balancer currently has ready, which is already just this client's
// subset since UpdateClientConnState only ever forwards subset addresses.
type subsetPickerBuilder struct{}

func (*subsetPickerBuilder) Build(info base.PickerBuildInfo) balancer.Picker {
	scs := make([]balancer.SubConn, 0, len(info.ReadySCs))
	for sc := range info.ReadySCs {
		scs = append(scs, sc)
	}
	if len(scs) == 0 {
		return noSubConnPicker{}
	}
	return &subsetPicker{subConns: scs}
}

type subsetPicker struct {
	subConns []balancer.SubConn
	next     uint64
}

func (p *subsetPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	p.next++
	sc := p.subConns[(p.next-1)%uint64(len(p.subConns))]
	return balancer.PickResult{SubConn: sc}, nil
}

type noSubConnPicker struct{}

func (noSubConnPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, balancer.ErrNoSubConnAvailable
}
