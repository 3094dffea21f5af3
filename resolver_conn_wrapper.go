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

package grpc

import (
	"sync"

	"github.com/chalvern/grpc-go/grpclog"
	"github.com/chalvern/grpc-go/resolver"
)

// ccResolverWrapper adapts the resolver.ClientConn contract a
// resolver.Resolver is built against onto the owning ClientConn,
// guaranteeing updates are forwarded in the order the resolver issued
// them even though UpdateState/ReportError/NewAddress/NewServiceConfig
// may all be called from the resolver's own goroutine.
type ccResolverWrapper struct {
	cc *ClientConn

	mu       sync.Mutex
	resolver resolver.Resolver
	closed   bool
}

func newCCResolverWrapper(cc *ClientConn, rb resolver.Builder) (*ccResolverWrapper, error) {
	ccr := &ccResolverWrapper{cc: cc}

	r, err := rb.Build(cc.parsedTarget, ccr, resolver.BuildOptions{})
	if err != nil {
		return nil, err
	}
	ccr.mu.Lock()
	ccr.resolver = r
	ccr.mu.Unlock()
	return ccr, nil
}

func (ccr *ccResolverWrapper) resolveNow(o resolver.ResolveNowOptions) {
	ccr.mu.Lock()
	r := ccr.resolver
	ccr.mu.Unlock()
	if r != nil {
		r.ResolveNow(o)
	}
}

func (ccr *ccResolverWrapper) close() {
	ccr.mu.Lock()
	ccr.closed = true
	r := ccr.resolver
	ccr.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// UpdateState implements resolver.ClientConn. It is the preferred path
// over the legacy NewAddress/NewServiceConfig pair since it delivers both
// address and service-config updates atomically.
func (ccr *ccResolverWrapper) UpdateState(s resolver.State) error {
	ccr.mu.Lock()
	closed := ccr.closed
	ccr.mu.Unlock()
	if closed {
		return nil
	}
	grpclog.Infof("ccResolverWrapper: got new resolver state with %d address(es)", len(s.Addresses))
	return ccr.cc.updateResolverState(s, nil)
}

// ReportError implements resolver.ClientConn.
func (ccr *ccResolverWrapper) ReportError(err error) {
	ccr.mu.Lock()
	closed := ccr.closed
	ccr.mu.Unlock()
	if closed {
		return
	}
	grpclog.Warningf("ccResolverWrapper: resolver reported error: %v", err)
	ccr.cc.updateResolverState(resolver.State{}, err)
}

// NewAddress implements resolver.ClientConn for resolvers built before
// UpdateState existed.
func (ccr *ccResolverWrapper) NewAddress(addrs []resolver.Address) {
	ccr.UpdateState(resolver.State{Addresses: addrs})
}

// NewServiceConfig implements resolver.ClientConn for resolvers built
// before UpdateState existed.
func (ccr *ccResolverWrapper) NewServiceConfig(sc string) {
	cfg, err := parseServiceConfig(sc)
	if err != nil {
		grpclog.Warningf("ccResolverWrapper: error parsing service config %q: %v", sc, err)
		return
	}
	ccr.UpdateState(resolver.State{
		ServiceConfig: &resolver.ServiceConfigState{Raw: sc, Config: cfg},
	})
}
