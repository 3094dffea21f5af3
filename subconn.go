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
	"time"

	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/grpclog"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/resolver"
)

// addrConn is the SubConn implementation: one logical connection to one of
// the addresses a balancer was given, reconnected with backoff for as long
// as the SubConn is not shut down.
type addrConn struct {
	cc *ClientConn

	mu        sync.Mutex
	addrs     []resolver.Address
	state     connectivity.State
	transport transport.ClientTransport
	cancel    context.CancelFunc
	tearDown  bool

	listener func(balancer.SubConnState)

	backoffIdx int
}

func (cc *ClientConn) newAddrConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) *addrConn {
	ac := &addrConn{
		cc:       cc,
		addrs:    addrs,
		state:    connectivity.Idle,
		listener: opts.StateListener,
	}
	return ac
}

// Connect starts (or restarts) this SubConn's dial loop.
func (ac *addrConn) Connect() {
	ac.mu.Lock()
	if ac.tearDown {
		ac.mu.Unlock()
		return
	}
	if ac.cancel != nil {
		ac.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ac.cc.ctx)
	ac.cancel = cancel
	ac.mu.Unlock()
	go ac.resetTransport(ctx)
}

// UpdateAddresses replaces the set of addresses this SubConn may connect
// to and resets the backoff. The new set is used from the next connection
// attempt; an existing connection is kept even if its address is no
// longer in the set.
func (ac *addrConn) UpdateAddresses(addrs []resolver.Address) {
	ac.mu.Lock()
	ac.addrs = addrs
	ac.backoffIdx = 0
	ac.mu.Unlock()
}

// Shutdown tears the SubConn down permanently; it is never reused after
// this call.
func (ac *addrConn) Shutdown() {
	ac.mu.Lock()
	if ac.tearDown {
		ac.mu.Unlock()
		return
	}
	ac.tearDown = true
	cancel := ac.cancel
	t := ac.transport
	ac.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if t != nil {
		t.Close(ErrClientConnClosing)
	}
	ac.updateState(connectivity.Shutdown, nil)
}

func (ac *addrConn) updateState(s connectivity.State, err error) {
	ac.mu.Lock()
	ac.state = s
	listener := ac.listener
	ac.mu.Unlock()
	if listener != nil {
		listener(balancer.SubConnState{ConnectivityState: s, ConnectionError: err})
	}
}

// getReadyTransport returns the live transport if this SubConn is currently
// READY, or nil otherwise.
func (ac *addrConn) getReadyTransport() transport.ClientTransport {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if ac.state != connectivity.Ready {
		return nil
	}
	return ac.transport
}

// resetTransport dials each address in turn, backing off between full
// passes over the address list, until ctx is cancelled (Shutdown) or a
// connection succeeds; on success it blocks until the transport goes
// unhealthy, then loops to reconnect.
func (ac *addrConn) resetTransport(ctx context.Context) {
	for {
		ac.mu.Lock()
		addrs := ac.addrs
		ac.mu.Unlock()
		if len(addrs) == 0 {
			return
		}

		ac.updateState(connectivity.Connecting, nil)

		var (
			t   transport.ClientTransport
			err error
		)
		for _, a := range addrs {
			t, err = transport.NewClientTransport(ctx, a.Addr, ac.cc.dopts.copts)
			if err == nil {
				break
			}
			grpclog.Warningf("grpc: addrConn to %s failed to connect: %v", a.Addr, err)
		}

		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ac.updateState(connectivity.TransientFailure, err)
			bo := ac.cc.dopts.bs.Backoff(ac.backoffIdx)
			ac.backoffIdx++
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo):
			}
			continue
		}

		ac.backoffIdx = 0
		ac.mu.Lock()
		ac.transport = t
		ac.mu.Unlock()
		ac.updateState(connectivity.Ready, nil)

		select {
		case <-ctx.Done():
			t.Close(ErrClientConnClosing)
			return
		case <-t.Error():
		case <-t.GoAway():
		}

		ac.mu.Lock()
		ac.transport = nil
		ac.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		default:
		}
		ac.updateState(connectivity.TransientFailure, nil)
	}
}
