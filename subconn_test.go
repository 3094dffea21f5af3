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
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/resolver"
)

// fastBackoff never makes a test wait between redial attempts.
type fastBackoff struct{}

func (fastBackoff) Backoff(int) time.Duration { return time.Millisecond }

var errDialRefused = errors.New("dial refused")

func alwaysFailingDialer(context.Context, string) (net.Conn, error) {
	return nil, errDialRefused
}

func newTestClientConnForSubConn(dial func(context.Context, string) (net.Conn, error)) *ClientConn {
	cc := &ClientConn{dopts: defaultDialOptions()}
	cc.dopts.bs = fastBackoff{}
	cc.dopts.copts.Dialer = dial
	cc.ctx, cc.cancel = context.WithCancel(context.Background())
	return cc
}

func TestAddrConnStartsIdleUntilConnect(t *testing.T) {
	cc := newTestClientConnForSubConn(alwaysFailingDialer)
	ac := cc.newAddrConn([]resolver.Address{{Addr: "127.0.0.1:1"}}, balancer.NewSubConnOptions{})
	assert.Equal(t, connectivity.Idle, ac.state)
	assert.Nil(t, ac.getReadyTransport())
}

func TestAddrConnReportsTransientFailureOnDialError(t *testing.T) {
	cc := newTestClientConnForSubConn(alwaysFailingDialer)

	var mu chanState
	mu.ch = make(chan connectivity.State, 8)
	ac := cc.newAddrConn([]resolver.Address{{Addr: "127.0.0.1:1"}}, balancer.NewSubConnOptions{
		StateListener: func(s balancer.SubConnState) { mu.push(s.ConnectivityState) },
	})

	ac.Connect()
	defer ac.Shutdown()

	require.Eventually(t, func() bool {
		return mu.contains(connectivity.TransientFailure)
	}, time.Second, 5*time.Millisecond)
}

func TestAddrConnShutdownIsTerminal(t *testing.T) {
	cc := newTestClientConnForSubConn(alwaysFailingDialer)
	ac := cc.newAddrConn([]resolver.Address{{Addr: "127.0.0.1:1"}}, balancer.NewSubConnOptions{})

	ac.Shutdown()
	assert.Equal(t, connectivity.Shutdown, ac.state)

	// Connect after Shutdown must not resurrect the dial loop.
	ac.Connect()
	assert.Nil(t, ac.cancel)
}

func TestAddrConnUpdateAddressesResetsBackoff(t *testing.T) {
	cc := newTestClientConnForSubConn(alwaysFailingDialer)
	ac := cc.newAddrConn([]resolver.Address{{Addr: "127.0.0.1:1"}}, balancer.NewSubConnOptions{})
	ac.backoffIdx = 3

	ac.UpdateAddresses([]resolver.Address{{Addr: "127.0.0.1:2"}})
	assert.Equal(t, 0, ac.backoffIdx)
	assert.Equal(t, "127.0.0.1:2", ac.addrs[0].Addr)
}

// chanState is a tiny thread-safe set of observed states, avoiding a data
// race between the listener goroutine and the assertions above.
type chanState struct {
	ch chan connectivity.State
}

func (c *chanState) push(s connectivity.State) {
	select {
	case c.ch <- s:
	default:
	}
}

func (c *chanState) contains(want connectivity.State) bool {
	for {
		select {
		case s := <-c.ch:
			if s == want {
				return true
			}
		default:
			return false
		}
	}
}
