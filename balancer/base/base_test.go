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

package base

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/resolver"
)

type fakeSubConn struct {
	addr     resolver.Address
	shutdown int32
}

func (*fakeSubConn) UpdateAddresses([]resolver.Address) {}
func (*fakeSubConn) Connect()                           {}
func (s *fakeSubConn) Shutdown()                        { atomic.StoreInt32(&s.shutdown, 1) }
func (s *fakeSubConn) isShutdown() bool                 { return atomic.LoadInt32(&s.shutdown) == 1 }

type fakeClientConn struct {
	subConns        map[resolver.Address]*fakeSubConn
	states          []balancer.State
	newSubConnCalls int
}

func newFakeClientConn() *fakeClientConn {
	return &fakeClientConn{subConns: make(map[resolver.Address]*fakeSubConn)}
}

func (f *fakeClientConn) NewSubConn(addrs []resolver.Address, _ balancer.NewSubConnOptions) (balancer.SubConn, error) {
	f.newSubConnCalls++
	sc := &fakeSubConn{addr: addrs[0]}
	f.subConns[addrs[0]] = sc
	return sc, nil
}
func (f *fakeClientConn) RemoveSubConn(balancer.SubConn)                       {}
func (f *fakeClientConn) UpdateAddresses(balancer.SubConn, []resolver.Address) {}
func (f *fakeClientConn) UpdateState(s balancer.State)                         { f.states = append(f.states, s) }
func (f *fakeClientConn) ResolveNow(resolver.ResolveNowOptions)                {}
func (f *fakeClientConn) Target() string                                       { return "fake" }

func (f *fakeClientConn) lastState() balancer.State {
	return f.states[len(f.states)-1]
}

type countingPickerBuilder struct{ calls int }

func (p *countingPickerBuilder) Build(info PickerBuildInfo) balancer.Picker {
	p.calls++
	return &constPicker{n: len(info.ReadySCs)}
}

type constPicker struct{ n int }

func (p *constPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, nil
}

func addr(s string) resolver.Address { return resolver.Address{Addr: s} }

func TestUpdateClientConnStateCreatesOneSubConnPerAddress(t *testing.T) {
	cc := newFakeClientConn()
	pb := &countingPickerBuilder{}
	bal := NewBalancerBuilder("test", pb, true).Build(cc, balancer.BuildOptions{})

	err := bal.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a"), addr("b")}}}},
	})
	require.NoError(t, err)
	assert.Len(t, cc.subConns, 2)
}

func TestUpdateClientConnStateRejectsEmptyWhenDisallowed(t *testing.T) {
	cc := newFakeClientConn()
	bal := NewBalancerBuilder("test", &countingPickerBuilder{}, true).Build(cc, balancer.BuildOptions{})

	err := bal.UpdateClientConnState(balancer.ClientConnState{})
	assert.Equal(t, balancer.ErrBadResolverState, err)
}

func TestUpdateClientConnStateAllowsEmptyWhenPermitted(t *testing.T) {
	cc := newFakeClientConn()
	bal := NewBalancerBuilder("test", &countingPickerBuilder{}, false).Build(cc, balancer.BuildOptions{})

	err := bal.UpdateClientConnState(balancer.ClientConnState{})
	assert.NoError(t, err)
}

func TestUpdateSubConnStateRegeneratesPickerOnlyOnChange(t *testing.T) {
	cc := newFakeClientConn()
	pb := &countingPickerBuilder{}
	b := NewBalancerBuilder("test", pb, true).Build(cc, balancer.BuildOptions{}).(*baseBalancer)

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))
	var sc balancer.SubConn
	for _, v := range cc.subConns {
		sc = v
	}

	callsBefore := pb.calls
	b.UpdateSubConnState(sc, balancer.SubConnState{ConnectivityState: connectivity.Ready})
	assert.Greater(t, pb.calls, callsBefore, "transitioning to Ready must regenerate the picker")

	callsAfterReady := pb.calls
	b.UpdateSubConnState(sc, balancer.SubConnState{ConnectivityState: connectivity.Ready})
	assert.Equal(t, callsAfterReady, pb.calls, "no state change must not regenerate the picker")
}

func TestAggregateReturnsReadyIfAnySubConnReady(t *testing.T) {
	sc1, sc2 := &fakeSubConn{}, &fakeSubConn{}
	b := &baseBalancer{
		subConns: map[resolver.Address]balancer.SubConn{addr("a"): sc1, addr("b"): sc2},
		scStates: map[balancer.SubConn]connectivity.State{
			sc1: connectivity.TransientFailure,
			sc2: connectivity.Ready,
		},
	}
	assert.Equal(t, connectivity.Ready, b.aggregate())
}

func TestAggregatePrefersConnectingOverTransientFailure(t *testing.T) {
	sc1, sc2 := &fakeSubConn{}, &fakeSubConn{}
	b := &baseBalancer{
		subConns: map[resolver.Address]balancer.SubConn{addr("a"): sc1, addr("b"): sc2},
		scStates: map[balancer.SubConn]connectivity.State{
			sc1: connectivity.TransientFailure,
			sc2: connectivity.Connecting,
		},
	}
	assert.Equal(t, connectivity.Connecting, b.aggregate())
}

func TestAggregateAllTransientFailure(t *testing.T) {
	sc1 := &fakeSubConn{}
	b := &baseBalancer{
		subConns: map[resolver.Address]balancer.SubConn{addr("a"): sc1},
		scStates: map[balancer.SubConn]connectivity.State{
			sc1: connectivity.TransientFailure,
		},
	}
	assert.Equal(t, connectivity.TransientFailure, b.aggregate())
}

// TestAggregateExcludesCachedSubConns asserts a SubConn cooling down in the
// pool (no longer address-routed) can't make the channel look READY for
// addresses the picker no longer serves.
func TestAggregateExcludesCachedSubConns(t *testing.T) {
	cached := &fakeSubConn{}
	b := &baseBalancer{
		subConns: map[resolver.Address]balancer.SubConn{},
		scStates: map[balancer.SubConn]connectivity.State{
			cached: connectivity.Ready,
		},
	}
	assert.Equal(t, connectivity.Connecting, b.aggregate())
}

func TestRegeneratePickerPublishesErrPickerOnTransientFailure(t *testing.T) {
	cc := newFakeClientConn()
	sc := &fakeSubConn{}
	b := &baseBalancer{cc: cc, pb: &countingPickerBuilder{}, scStates: map[balancer.SubConn]connectivity.State{
		sc: connectivity.TransientFailure,
	}, subConns: map[resolver.Address]balancer.SubConn{addr("a"): sc}}

	b.regeneratePicker()

	last := cc.lastState()
	assert.Equal(t, connectivity.TransientFailure, last.ConnectivityState)
	_, err := last.Picker.Pick(balancer.PickInfo{})
	assert.Equal(t, balancer.ErrTransientFailure, err)
}

func TestPickErrPrefersConnErrorOverResolverError(t *testing.T) {
	b := &baseBalancer{connErr: assert.AnError}
	assert.Equal(t, assert.AnError, b.pickErr())
}

func TestResolverErrorPublishesTransientFailureWhenNoSubConns(t *testing.T) {
	cc := newFakeClientConn()
	b := NewBalancerBuilder("test", &countingPickerBuilder{}, true).Build(cc, balancer.BuildOptions{}).(*baseBalancer)

	b.ResolverError(assert.AnError)

	last := cc.lastState()
	assert.Equal(t, connectivity.TransientFailure, last.ConnectivityState)
}

func TestDroppedAddressIsCachedNotShutDownImmediately(t *testing.T) {
	cc := newFakeClientConn()
	b := NewBalancerBuilder("test", &countingPickerBuilder{}, false).Build(cc, balancer.BuildOptions{}).(*baseBalancer)
	b.cacheTTL = time.Hour

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a"), addr("b")}}}},
	}))
	scB := cc.subConns[addr("b")]
	require.NotNil(t, scB)

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))

	assert.False(t, scB.isShutdown(), "a dropped address must cool down in the pool, not shut down immediately")
	_, cached := b.cache[addr("b")]
	assert.True(t, cached)
	assert.NotContains(t, b.subConns, addr("b"))
}

func TestAddressRevivedWithinCooldownReusesCachedSubConn(t *testing.T) {
	cc := newFakeClientConn()
	b := NewBalancerBuilder("test", &countingPickerBuilder{}, false).Build(cc, balancer.BuildOptions{}).(*baseBalancer)
	b.cacheTTL = time.Hour

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a"), addr("b")}}}},
	}))
	scB := cc.subConns[addr("b")]
	callsAfterFirstUpdate := cc.newSubConnCalls

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))
	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a"), addr("b")}}}},
	}))

	assert.Equal(t, callsAfterFirstUpdate, cc.newSubConnCalls, "reviving a cached address must not dial a fresh SubConn")
	assert.Same(t, balancer.SubConn(scB), b.subConns[addr("b")])
	assert.False(t, scB.isShutdown())
	_, stillCached := b.cache[addr("b")]
	assert.False(t, stillCached)
}

func TestCachedSubConnRevivalReplaysLastKnownStateIntoPicker(t *testing.T) {
	cc := newFakeClientConn()
	pb := &countingPickerBuilder{}
	b := NewBalancerBuilder("test", pb, false).Build(cc, balancer.BuildOptions{}).(*baseBalancer)
	b.cacheTTL = time.Hour

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))
	sc := cc.subConns[addr("a")]
	b.UpdateSubConnState(sc, balancer.SubConnState{ConnectivityState: connectivity.Ready})

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{}))
	callsBeforeRevival := pb.calls

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))

	assert.Greater(t, pb.calls, callsBeforeRevival, "reviving a previously-READY SubConn must regenerate the picker")
	last := cc.lastState()
	assert.Equal(t, connectivity.Ready, last.ConnectivityState)
}

func TestCachedSubConnShutDownAfterCooldownExpires(t *testing.T) {
	cc := newFakeClientConn()
	b := NewBalancerBuilder("test", &countingPickerBuilder{}, false).Build(cc, balancer.BuildOptions{}).(*baseBalancer)
	b.cacheTTL = 5 * time.Millisecond

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))
	sc := cc.subConns[addr("a")]

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{}))

	require.Eventually(t, sc.isShutdown, time.Second, 2*time.Millisecond, "a cached SubConn must be shut down once its cool-down expires")
	b.cacheMu.Lock()
	_, stillCached := b.cache[addr("a")]
	b.cacheMu.Unlock()
	assert.False(t, stillCached)
}

func TestCloseShutsDownCachedSubConnsImmediately(t *testing.T) {
	cc := newFakeClientConn()
	b := NewBalancerBuilder("test", &countingPickerBuilder{}, false).Build(cc, balancer.BuildOptions{}).(*baseBalancer)
	b.cacheTTL = time.Hour

	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState: resolver.State{Addresses: []resolver.EquivalentAddressGroup{{Addresses: []resolver.Address{addr("a")}}}},
	}))
	sc := cc.subConns[addr("a")]
	require.NoError(t, b.UpdateClientConnState(balancer.ClientConnState{}))
	require.False(t, sc.isShutdown())

	b.Close()

	assert.True(t, sc.isShutdown())
	assert.Empty(t, b.cache)
}
