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
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/balancer"
	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/internal/transport"
)

// fakePicker returns a fixed result/error pair from every Pick call.
type fakePicker struct {
	result balancer.PickResult
	err    error
}

func (p *fakePicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return p.result, p.err
}

// fakeClientTransport is a no-op transport.ClientTransport stand-in, just
// enough to be distinguishable as "the transport pick() returned".
type fakeClientTransport struct {
	transport.ClientTransport
}

func readyAddrConn(cc *ClientConn) *addrConn {
	ac := cc.newAddrConn(nil, balancer.NewSubConnOptions{})
	ac.transport = &fakeClientTransport{}
	ac.state = connectivity.Ready
	return ac
}

func TestPickerWrapperBlocksUntilPickerAvailable(t *testing.T) {
	pw := newPickerWrapper()
	cc := &ClientConn{}
	ac := readyAddrConn(cc)

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, _, gotErr = pw.pick(context.Background(), true, balancer.PickInfo{})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("pick returned before a picker was ever published")
	case <-time.After(20 * time.Millisecond):
	}

	pw.updatePicker(&fakePicker{result: balancer.PickResult{SubConn: ac}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pick did not unblock after updatePicker")
	}
	require.NoError(t, gotErr)
}

func TestPickerWrapperReturnsReadyTransport(t *testing.T) {
	pw := newPickerWrapper()
	cc := &ClientConn{}
	ac := readyAddrConn(cc)
	pw.updatePicker(&fakePicker{result: balancer.PickResult{SubConn: ac}})

	tr, done, err := pw.pick(context.Background(), true, balancer.PickInfo{})
	require.NoError(t, err)
	assert.Same(t, ac.transport, tr)
	assert.Nil(t, done)
}

func TestPickerWrapperFailFastTransientFailure(t *testing.T) {
	pw := newPickerWrapper()
	pw.updatePicker(&fakePicker{err: balancer.ErrTransientFailure})

	_, _, err := pw.pick(context.Background(), true, balancer.PickInfo{})
	require.Error(t, err)
}

func TestPickerWrapperContextCancelUnblocks(t *testing.T) {
	pw := newPickerWrapper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := pw.pick(ctx, true, balancer.PickInfo{})
	require.Error(t, err)
}

func TestPickerWrapperCloseUnblocksWaiters(t *testing.T) {
	pw := newPickerWrapper()

	done := make(chan error, 1)
	go func() {
		_, _, err := pw.pick(context.Background(), true, balancer.PickInfo{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	pw.close()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, ErrClientConnClosing, err)
	case <-time.After(time.Second):
		t.Fatal("pick did not unblock after close")
	}
}
