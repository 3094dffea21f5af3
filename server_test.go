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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/metadata"
	"github.com/chalvern/grpc-go/status"
)

// fakeServerTransport records the final status written for each stream, so
// tests can assert on dispatch outcomes without a real HTTP/2 connection.
type fakeServerTransport struct {
	transport.ServerTransport
	lastStatus *status.Status
}

func (f *fakeServerTransport) WriteStatus(s *transport.Stream, st *status.Status) error {
	f.lastStatus = st
	return nil
}

func (f *fakeServerTransport) Write(s *transport.Stream, hdr, data []byte, opts *transport.Options) error {
	return nil
}

type pingService interface {
	Ping(ctx context.Context) error
}

type pingImpl struct{}

func (pingImpl) Ping(ctx context.Context) error { return nil }

var pingServiceDesc = &ServiceDesc{
	ServiceName: "test.Ping",
	HandlerType: (*pingService)(nil),
	Methods: []MethodDesc{
		{
			MethodName: "Ping",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor UnaryServerInterceptor) (interface{}, error) {
				return nil, srv.(pingService).Ping(ctx)
			},
		},
	},
}

func TestRegisterServiceRecordsServiceByName(t *testing.T) {
	s := NewServer()
	s.RegisterService(pingServiceDesc, pingImpl{})

	s.mu.Lock()
	_, ok := s.services["test.Ping"]
	s.mu.Unlock()
	require.True(t, ok)
}

func TestHandleStreamUnknownService(t *testing.T) {
	s := NewServer()
	ft := &fakeServerTransport{}
	stream := transport.NewServerStream(context.Background(), 1, "/no.such.Service/Method", metadata.MD{})

	s.handleStream(ft, stream)

	require.NotNil(t, ft.lastStatus)
	assert.Equal(t, codes.Unimplemented, ft.lastStatus.Code())
}

func TestHandleStreamUnknownMethod(t *testing.T) {
	s := NewServer()
	s.RegisterService(pingServiceDesc, pingImpl{})
	ft := &fakeServerTransport{}
	stream := transport.NewServerStream(context.Background(), 1, "/test.Ping/DoesNotExist", metadata.MD{})

	s.handleStream(ft, stream)

	require.NotNil(t, ft.lastStatus)
	assert.Equal(t, codes.Unimplemented, ft.lastStatus.Code())
}

func TestHandleStreamMalformedMethod(t *testing.T) {
	s := NewServer()
	ft := &fakeServerTransport{}
	stream := transport.NewServerStream(context.Background(), 1, "noSlashes", metadata.MD{})

	s.handleStream(ft, stream)

	require.NotNil(t, ft.lastStatus)
	assert.Equal(t, codes.Unimplemented, ft.lastStatus.Code())
}

func TestGrpcSyncEventFireIsIdempotentAndBroadcasts(t *testing.T) {
	e := newGrpcSyncEvent()

	select {
	case <-e.Done():
		t.Fatal("event fired before Fire was called")
	default:
	}

	e.Fire()
	e.Fire() // must not panic or block on a second close

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel did not close after Fire")
	}
}

func TestServerStopFiresQuitAndDone(t *testing.T) {
	s := NewServer()
	s.Stop()

	select {
	case <-s.quit.Done():
	default:
		t.Fatal("Stop did not fire quit")
	}
	select {
	case <-s.done.Done():
	default:
		t.Fatal("Stop did not fire done")
	}
}
