/*
 *
 * Copyright 2014 gRPC authors.
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
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/resolver"
)

// Dial creates a ClientConn to target, returning immediately; the
// connection and its balancer/resolver run in the background until the
// returned ClientConn is closed. Use DialContext and WithBlock to wait for
// the initial connection.
func Dial(target string, opts ...DialOption) (*ClientConn, error) {
	return DialContext(context.Background(), target, opts...)
}

// DialContext creates a ClientConn to target. If WithBlock is among opts,
// it blocks until the underlying connection reaches READY, ctx expires, or
// a non-transient error (such as a bad target) occurs.
func DialContext(ctx context.Context, target string, opts ...DialOption) (*ClientConn, error) {
	cc := &ClientConn{
		target: target,
		dopts:  defaultDialOptions(),
	}
	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	cc.csMgr = &connectivityStateManager{}
	cc.pickerWrapper = newPickerWrapper()

	for _, opt := range opts {
		opt.apply(&cc.dopts)
	}

	if cc.dopts.defaultServiceConfig != "" {
		sc, err := parseServiceConfig(cc.dopts.defaultServiceConfig)
		if err != nil {
			cc.cancel()
			return nil, fmt.Errorf("grpc: invalid default service config: %v", err)
		}
		cc.sc = &sc
	}

	cc.parsedTarget = parseTarget(target)

	resolverBuilder := cc.dopts.resolverBuilder
	if resolverBuilder == nil {
		resolverBuilder = resolver.Get(cc.parsedTarget.Scheme)
		if resolverBuilder == nil {
			cc.parsedTarget = resolver.Target{Scheme: resolver.GetDefaultScheme(), Endpoint: target}
			resolverBuilder = resolver.Get(cc.parsedTarget.Scheme)
		}
	}
	if resolverBuilder == nil {
		cc.cancel()
		return nil, fmt.Errorf("grpc: no resolver registered for scheme %q", cc.parsedTarget.Scheme)
	}

	creds := cc.dopts.copts.TransportCredentials
	if cc.dopts.copts.Authority != "" {
		cc.authority = cc.dopts.copts.Authority
	} else if creds != nil && creds.Info().ServerName != "" {
		cc.authority = creds.Info().ServerName
	} else if cc.parsedTarget.Endpoint != "" {
		cc.authority = cc.parsedTarget.Endpoint
	} else {
		cc.authority = target
	}

	cc.balancerWrapper = newCCBalancerWrapper(cc)

	rw, err := newCCResolverWrapper(cc, resolverBuilder)
	if err != nil {
		cc.cancel()
		return nil, fmt.Errorf("grpc: failed to build resolver: %v", err)
	}
	cc.resolverWrapper = rw

	if cc.dopts.block {
		for {
			s := cc.GetState()
			if s == connectivity.Ready {
				break
			}
			if !cc.WaitForStateChange(ctx, s) {
				return nil, ctx.Err()
			}
		}
	}

	return cc, nil
}

// ClientConn represents a virtual connection to a logical backend,
// consisting of one or more actual connections balanced across a dynamic
// set of addresses supplied by a name resolver.
type ClientConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	target       string
	parsedTarget resolver.Target
	authority    string

	dopts dialOptions

	csMgr           *connectivityStateManager
	pickerWrapper   *pickerWrapper
	balancerWrapper *ccBalancerWrapper
	resolverWrapper *ccResolverWrapper

	mu sync.RWMutex
	sc *ServiceConfig

	mcMu           sync.Mutex
	callsStarted   int64
	callsFailed    int64
	callsSucceeded int64
}

// connectivityStateManager tracks the ClientConn's aggregate state and
// lets callers block until it changes, using a close-and-replace channel
// so WaitForStateChange never misses a transition.
type connectivityStateManager struct {
	mu         sync.Mutex
	state      connectivity.State
	notifyChan chan struct{}
}

func (csm *connectivityStateManager) updateState(s connectivity.State) {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	if csm.state == connectivity.Shutdown {
		return
	}
	if csm.state == s {
		return
	}
	csm.state = s
	if csm.notifyChan != nil {
		close(csm.notifyChan)
		csm.notifyChan = nil
	}
}

func (csm *connectivityStateManager) getState() connectivity.State {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	return csm.state
}

func (csm *connectivityStateManager) getNotifyChan() chan struct{} {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	if csm.notifyChan == nil {
		csm.notifyChan = make(chan struct{})
	}
	return csm.notifyChan
}

// GetState returns the ClientConn's current connectivity state.
func (cc *ClientConn) GetState() connectivity.State {
	return cc.csMgr.getState()
}

// WaitForStateChange blocks until the connectivity state differs from
// sourceState or ctx expires, returning false in the latter case.
func (cc *ClientConn) WaitForStateChange(ctx context.Context, sourceState connectivity.State) bool {
	ch := cc.csMgr.getNotifyChan()
	if cc.csMgr.getState() != sourceState {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

// getTransport picks a READY transport for one RPC attempt, blocking until
// one is available, ctx expires, or the pick fails permanently.
func (cc *ClientConn) getTransport(ctx context.Context, failFast bool) (transport.ClientTransport, func(balancer.DoneInfo), error) {
	return cc.pickerWrapper.pick(ctx, failFast, balancer.PickInfo{Ctx: ctx})
}

// GetMethodConfig returns the MethodConfig for method: an exact match on
// the full method name wins, then the service-level default
// ("/service/"), then the global default ("").
func (cc *ClientConn) GetMethodConfig(method string) MethodConfig {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	if cc.sc == nil {
		return MethodConfig{}
	}
	if mc, ok := cc.sc.Methods[method]; ok {
		return mc
	}
	if i := strings.LastIndex(method, "/"); i >= 0 {
		if mc, ok := cc.sc.Methods[method[:i+1]]; ok {
			return mc
		}
	}
	return cc.sc.Methods[""]
}

// resolveNow asks the active resolver to refresh its addresses early.
func (cc *ClientConn) resolveNow(o resolver.ResolveNowOptions) {
	if cc.resolverWrapper != nil {
		cc.resolverWrapper.resolveNow(o)
	}
}

// updateResolverState is called by the resolver wrapper with each new
// resolver.State (or error); it updates the cached service config and
// forwards to the balancer.
func (cc *ClientConn) updateResolverState(s resolver.State, err error) error {
	if err != nil {
		cc.balancerWrapper.resolverError(err)
		return nil
	}

	var bcfg interface{}
	if s.ServiceConfig != nil && s.ServiceConfig.Err == nil {
		if sc, ok := s.ServiceConfig.Config.(ServiceConfig); ok {
			cc.mu.Lock()
			cc.sc = &sc
			cc.mu.Unlock()
			bcfg = sc
		}
	}

	return cc.balancerWrapper.updateClientConnState(balancer.ClientConnState{
		ResolverState:  s,
		BalancerConfig: bcfg,
	})
}

func (cc *ClientConn) incrCallsStarted() {
	cc.mcMu.Lock()
	cc.callsStarted++
	cc.mcMu.Unlock()
}

func (cc *ClientConn) incrCallsFailed() {
	cc.mcMu.Lock()
	cc.callsFailed++
	cc.mcMu.Unlock()
}

func (cc *ClientConn) incrCallsSucceeded() {
	cc.mcMu.Lock()
	cc.callsSucceeded++
	cc.mcMu.Unlock()
}

// Close tears down the ClientConn: its resolver, balancer, and every
// subchannel are stopped, and any RPC blocked in getTransport fails with
// ErrClientConnClosing.
func (cc *ClientConn) Close() error {
	cc.cancel()
	cc.csMgr.updateState(connectivity.Shutdown)
	cc.pickerWrapper.close()
	if cc.resolverWrapper != nil {
		cc.resolverWrapper.close()
	}
	if cc.balancerWrapper != nil {
		cc.balancerWrapper.close()
	}
	return nil
}

// parseTarget splits a dial target of the form "scheme://authority/endpoint"
// into its parts; inputs without a "scheme://" prefix are treated as a bare
// endpoint on the default scheme.
func parseTarget(target string) resolver.Target {
	i := strings.Index(target, "://")
	if i < 0 {
		return resolver.Target{Endpoint: target}
	}
	scheme := target[:i]
	rest := target[i+3:]
	if j := strings.Index(rest, "/"); j >= 0 {
		return resolver.Target{Scheme: scheme, Authority: rest[:j], Endpoint: rest[j+1:]}
	}
	return resolver.Target{Scheme: scheme, Endpoint: rest}
}
