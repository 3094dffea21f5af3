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

package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/keepalive"
	"github.com/chalvern/grpc-go/status"
)

// fakeClientConn is a net.Conn double that records writes and tracks
// whether Close was called, so the keepalive loop can run against a real
// *http2.Framer without a socket.
type fakeClientConn struct {
	net.Conn
	mu     sync.Mutex
	writes bytes.Buffer
	closed int32
}

func (f *fakeClientConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakeClientConn) Close() error {
	atomic.StoreInt32(&f.closed, 1)
	return nil
}

func (f *fakeClientConn) isClosed() bool {
	return atomic.LoadInt32(&f.closed) == 1
}

func newTestHTTP2Client(kp keepalive.ClientParameters) (*http2Client, *fakeClientConn) {
	fc := &fakeClientConn{}
	t := &http2Client{
		conn:    fc,
		framer:  http2.NewFramer(fc, fc),
		streams: make(map[uint32]*Stream),
		errCh:   make(chan struct{}),
		kp:      kp,
	}
	atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())
	return t, fc
}

func TestClientKeepaliveClosesOnPingTimeout(t *testing.T) {
	c, fc := newTestHTTP2Client(keepalive.ClientParameters{
		Time:                2 * time.Millisecond,
		Timeout:             10 * time.Millisecond,
		PermitWithoutStream: true,
	})

	go c.keepalive()

	require.Eventually(t, fc.isClosed, time.Second, 5*time.Millisecond)
}

func TestClientKeepaliveSkipsPingWithoutStreamsWhenNotPermitted(t *testing.T) {
	c, fc := newTestHTTP2Client(keepalive.ClientParameters{
		Time:                2 * time.Millisecond,
		Timeout:             10 * time.Millisecond,
		PermitWithoutStream: false,
	})

	go c.keepalive()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fc.isClosed(), "no active streams and PermitWithoutStream=false must not ping or close")
}

func TestClientKeepaliveReturnsImmediatelyWhenAlreadyClosed(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{Time: time.Hour, Timeout: time.Hour})
	close(c.errCh)

	done := make(chan struct{})
	go func() {
		c.keepalive()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive did not return promptly once errCh was already closed")
	}
}

func TestClientKeepaliveResetsOnRecentActivity(t *testing.T) {
	c, fc := newTestHTTP2Client(keepalive.ClientParameters{
		Time:                5 * time.Millisecond,
		Timeout:             200 * time.Millisecond,
		PermitWithoutStream: true,
	})
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
				time.Sleep(time.Millisecond)
			}
		}
	}()
	defer close(stop)

	go c.keepalive()

	time.Sleep(40 * time.Millisecond)
	assert.False(t, fc.isClosed(), "continuous activity must keep resetting the idle window and never trip the ping timeout")
}

// newMetaHeadersFrame encodes fields through a real hpack encoder and back
// through a real hpack decoder over a net.Pipe, so tests exercise the same
// *http2.MetaHeadersFrame shape the reader loop hands to handleHeaders.
func newMetaHeadersFrame(t *testing.T, streamID uint32, endStream bool, fields []hpack.HeaderField) *http2.MetaHeadersFrame {
	t.Helper()
	srvSide, cliSide := net.Pipe()
	defer srvSide.Close()
	defer cliSide.Close()

	encFramer := http2.NewFramer(srvSide, srvSide)
	decFramer := http2.NewFramer(io.Discard, cliSide)
	decFramer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)

	var hbuf bytes.Buffer
	henc := hpack.NewEncoder(&hbuf)
	for _, f := range fields {
		require.NoError(t, henc.WriteField(f))
	}

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- encFramer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      streamID,
			BlockFragment: hbuf.Bytes(),
			EndHeaders:    true,
			EndStream:     endStream,
		})
	}()

	frame, err := decFramer.ReadFrame()
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	mf, ok := frame.(*http2.MetaHeadersFrame)
	require.True(t, ok)
	return mf
}

func newTestStreamClient(id uint32) *Stream {
	return NewClientStream(context.Background(), id, "/service/Method")
}

func TestHandleHeadersRejectsNonGRPCContentType(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	s := newTestStreamClient(1)
	c.streams[1] = s

	mf := newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/html"},
	})
	c.handleHeaders(mf)

	_, err := s.Header()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "text/html")
	assert.Nil(t, c.getStream(1), "a rejected response must end the stream")
}

func TestHandleHeadersRejectsMissingStatus(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	s := newTestStreamClient(1)
	c.streams[1] = s

	mf := newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: "content-type", Value: "application/grpc"},
	})
	c.handleHeaders(mf)

	_, err := s.Header()
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "missing HTTP status")
}

func TestHandleHeadersSkipsInformational1xxThenAcceptsRealHeaders(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	s := newTestStreamClient(1)
	c.streams[1] = s

	c.handleHeaders(newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: ":status", Value: "100"},
	}))
	assert.False(t, s.headerReceived(), "a 1xx informational response must not be treated as the final headers")

	c.handleHeaders(newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-encoding", Value: "gzip"},
	}))

	md, err := s.Header()
	require.NoError(t, err)
	assert.Equal(t, "gzip", s.RecvCompress())
	assert.NotNil(t, md)
}

func TestHandleHeadersRejectsSecondNonInformationalHeaders(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	s := newTestStreamClient(1)
	c.streams[1] = s

	c.handleHeaders(newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
	}))
	require.True(t, s.headerReceived())

	c.handleHeaders(newMetaHeadersFrame(t, 1, false, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
	}))

	assert.Equal(t, codes.Internal, s.Status().Code())
	assert.Contains(t, s.Status().Message(), "twice")
	assert.Nil(t, c.getStream(1))
}

func TestHandleHeadersTrailersOnlyFailureIncludesHTTPStatus(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	s := newTestStreamClient(1)
	c.streams[1] = s

	mf := newMetaHeadersFrame(t, 1, true, []hpack.HeaderField{
		{Name: ":status", Value: "401"},
	})
	c.handleHeaders(mf)

	assert.Equal(t, codes.Unauthenticated, s.Status().Code())
	assert.Contains(t, s.Status().Message(), "401")
}

func TestHandleDataEndStreamWithoutTrailersClosesInternal(t *testing.T) {
	c, _ := newTestHTTP2Client(keepalive.ClientParameters{})
	c.fc = newInFlowController(defaultWindowSize)
	s := newTestStreamClient(1)
	c.streams[1] = s

	payload := []byte("oops")
	var buf bytes.Buffer
	wfr := http2.NewFramer(&buf, nil)
	require.NoError(t, wfr.WriteData(1, true, payload))
	rfr := http2.NewFramer(io.Discard, &buf)
	frame, err := rfr.ReadFrame()
	require.NoError(t, err)
	dataFrame, ok := frame.(*http2.DataFrame)
	require.True(t, ok)

	c.handleData(dataFrame)

	assert.Equal(t, codes.Internal, s.Status().Code())
	assert.Contains(t, s.Status().Message(), "without sending trailers")
	assert.Nil(t, c.getStream(1))
}
