/*
 *
 * Copyright 2019 gRPC authors.
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

package grpc

import (
	"sync"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/balancer/roundrobin"
	"github.com/chalvern/grpc-go/internal/grpcsync"
	"github.com/chalvern/grpc-go/resolver"
)

// ccBalancerWrapper sits between a ClientConn and the balancer.Balancer it
// picked, serializing every callback into the balancer (so it never has to
// worry about concurrent UpdateClientConnState/UpdateSubConnState/Close
// calls) via a CallbackSerializer.
type ccBalancerWrapper struct {
	cc  *ClientConn
	cfg *grpcsync.CallbackSerializer

	mu      sync.Mutex
	bal     balancer.Balancer
	balName string
}

func newCCBalancerWrapper(cc *ClientConn) *ccBalancerWrapper {
	return &ccBalancerWrapper{
		cc:  cc,
		cfg: grpcsync.NewCallbackSerializer(),
	}
}

// builderForState picks the balancer.Builder for a resolver update: an
// explicit WithBalancerName override always wins, then the resolved
// service config's LB name, falling back to round_robin when neither
// names one (there is no separate pick-first balancer in this build;
// round_robin against a single READY SubConn behaves identically).
func (ccb *ccBalancerWrapper) builderForState(s balancer.ClientConnState) balancer.Builder {
	name := ccb.cc.dopts.balancerBuilderName
	if name == "" {
		if sc, ok := s.BalancerConfig.(ServiceConfig); ok && sc.LB != nil && *sc.LB != "" {
			name = *sc.LB
		}
	}
	if name == "" {
		name = roundrobin.Name
	}
	if b := balancer.Get(name); b != nil {
		return b
	}
	return balancer.Get(roundrobin.Name)
}

func (ccb *ccBalancerWrapper) updateClientConnState(s balancer.ClientConnState) error {
	errCh := make(chan error, 1)
	ok := ccb.cfg.Schedule(func() {
		ccb.mu.Lock()
		if ccb.bal == nil {
			b := ccb.builderForState(s)
			ccb.bal = b.Build(ccb, balancer.BuildOptions{
				DialCreds: ccb.cc.dopts.copts.TransportCredentials,
				Dialer:    ccb.cc.dopts.copts.Dialer,
				Target:    ccb.cc.parsedTarget,
			})
			ccb.balName = b.Name()
		}
		bal := ccb.bal
		ccb.mu.Unlock()
		errCh <- bal.UpdateClientConnState(s)
	})
	if !ok {
		return nil
	}
	return <-errCh
}

func (ccb *ccBalancerWrapper) resolverError(err error) {
	ccb.cfg.Schedule(func() {
		ccb.mu.Lock()
		bal := ccb.bal
		ccb.mu.Unlock()
		if bal != nil {
			bal.ResolverError(err)
		}
	})
}

func (ccb *ccBalancerWrapper) close() {
	ccb.cfg.Schedule(func() {
		ccb.mu.Lock()
		bal := ccb.bal
		ccb.mu.Unlock()
		if bal != nil {
			bal.Close()
		}
	})
	ccb.cfg.Close()
}

// NewSubConn implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	ac := ccb.cc.newAddrConn(addrs, opts)
	return ac, nil
}

// RemoveSubConn implements balancer.ClientConn.
//
// Deprecated: balancers should call SubConn.Shutdown instead.
func (ccb *ccBalancerWrapper) RemoveSubConn(sc balancer.SubConn) {
	if ac, ok := sc.(*addrConn); ok {
		ac.Shutdown()
	}
}

// UpdateAddresses implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) UpdateAddresses(sc balancer.SubConn, addrs []resolver.Address) {
	if ac, ok := sc.(*addrConn); ok {
		ac.UpdateAddresses(addrs)
	}
}

// UpdateState implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) UpdateState(s balancer.State) {
	ccb.cc.csMgr.updateState(s.ConnectivityState)
	ccb.cc.pickerWrapper.updatePicker(s.Picker)
}

// ResolveNow implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) ResolveNow(o resolver.ResolveNowOptions) {
	ccb.cc.resolveNow(o)
}

// Target implements balancer.ClientConn.
func (ccb *ccBalancerWrapper) Target() string {
	return ccb.cc.target
}
