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
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/encoding"
	"github.com/chalvern/grpc-go/encoding/proto"
	"github.com/chalvern/grpc-go/grpclog"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/status"
)

// methodHandler is implemented by generated code for a unary method; dec
// unmarshals the request into the concrete type the generated handler
// expects.
type methodHandler func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor UnaryServerInterceptor) (interface{}, error)

// MethodDesc represents one unary RPC method of a service.
type MethodDesc struct {
	MethodName string
	Handler    methodHandler
}

// ServiceDesc represents an RPC service's specification, as produced by
// protoc-gen-go-grpc for every service defined in a .proto file.
type ServiceDesc struct {
	ServiceName string
	HandlerType interface{}
	Methods     []MethodDesc
	Streams     []StreamDesc
	Metadata    interface{}
}

type serviceInfo struct {
	serviceImpl interface{}
	methods     map[string]MethodDesc
	streams     map[string]StreamDesc
}

// Server is a gRPC server serving one or more registered services over any
// number of accepted listeners.
type Server struct {
	opts serverOptions

	mu       sync.Mutex
	services map[string]*serviceInfo
	lis      map[net.Listener]bool
	conns    map[transport.ServerTransport]bool
	serve    bool
	drain    bool
	quit     *grpcSyncEvent
	done     *grpcSyncEvent
	cv       *sync.Cond
}

// grpcSyncEvent is a once-only broadcast signal; Fire is idempotent and
// HasFired/Done report whether it has happened.
type grpcSyncEvent struct {
	fired chan struct{}
	once  sync.Once
}

func newGrpcSyncEvent() *grpcSyncEvent {
	return &grpcSyncEvent{fired: make(chan struct{})}
}

func (e *grpcSyncEvent) Fire() {
	e.once.Do(func() { close(e.fired) })
}

func (e *grpcSyncEvent) Done() <-chan struct{} {
	return e.fired
}

// NewServer creates a Server that is not yet serving any connection; call
// RegisterService for each service before Serve.
func NewServer(opts ...ServerOption) *Server {
	o := defaultServerOptions()
	for _, opt := range opts {
		opt.apply(&o)
	}
	s := &Server{
		opts:     o,
		services: make(map[string]*serviceInfo),
		lis:      make(map[net.Listener]bool),
		conns:    make(map[transport.ServerTransport]bool),
		quit:     newGrpcSyncEvent(),
		done:     newGrpcSyncEvent(),
	}
	s.cv = sync.NewCond(&s.mu)
	return s
}

// RegisterService registers a service implementation and its method
// descriptors with s. Called from a generated RegisterXxxServer function;
// must happen before Serve.
func (s *Server) RegisterService(sd *ServiceDesc, ss interface{}) {
	if ss != nil {
		ht := reflect.TypeOf(sd.HandlerType).Elem()
		st := reflect.TypeOf(ss)
		if !st.Implements(ht) {
			grpclog.Fatalf("grpc: Server.RegisterService found the handler of type %v that does not satisfy %v", st, ht)
		}
	}
	s.register(sd, ss)
}

func (s *Server) register(sd *ServiceDesc, ss interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serve {
		grpclog.Fatalf("grpc: Server.RegisterService after Server.Serve for %q", sd.ServiceName)
	}
	if _, ok := s.services[sd.ServiceName]; ok {
		grpclog.Fatalf("grpc: Server.RegisterService found duplicate service registration for %q", sd.ServiceName)
	}
	info := &serviceInfo{
		serviceImpl: ss,
		methods:     make(map[string]MethodDesc),
		streams:     make(map[string]StreamDesc),
	}
	for _, m := range sd.Methods {
		info.methods[m.MethodName] = m
	}
	for _, st := range sd.Streams {
		info.streams[st.StreamName] = st
	}
	s.services[sd.ServiceName] = info
}

// Serve accepts connections on lis, dispatching each to its own goroutine,
// until lis.Accept fails or Stop/GracefulStop is called; it blocks until
// then, returning nil if the stop was intentional.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.serve = true
	s.lis[lis] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.lis != nil && s.lis[lis] {
			lis.Close()
			delete(s.lis, lis)
		}
		s.mu.Unlock()
	}()

	var tempDelay time.Duration
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := time.Second; tempDelay > max {
					tempDelay = max
				}
				grpclog.Warningf("grpc: Server.Serve failed to accept connection: %v; retrying in %v", err, tempDelay)
				timer := time.NewTimer(tempDelay)
				select {
				case <-timer.C:
				case <-s.quit.Done():
					timer.Stop()
					return nil
				}
				continue
			}
			select {
			case <-s.quit.Done():
				return nil
			default:
			}
			return err
		}
		tempDelay = 0
		go s.handleRawConn(conn)
	}
}

// handleRawConn upgrades conn to an HTTP/2 server transport in its own
// goroutine so Serve's accept loop is never blocked by a slow handshake.
func (s *Server) handleRawConn(conn net.Conn) {
	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.mu.Unlock()

	st, err := transport.NewServerTransport(conn, s.opts.transportConfig())
	if err != nil {
		conn.Close()
		grpclog.Warningf("grpc: Server.Serve failed to complete the HTTP/2 handshake: %v", err)
		return
	}

	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		st.Close(nil)
		return
	}
	s.conns[st] = true
	s.mu.Unlock()

	go func() {
		s.serveStreams(st)
		s.mu.Lock()
		delete(s.conns, st)
		s.cv.Broadcast()
		s.mu.Unlock()
	}()
}

func (s *Server) serveStreams(st transport.ServerTransport) {
	defer st.Close(nil)
	var wg sync.WaitGroup
	st.HandleStreams(func(stream *transport.Stream) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleStream(st, stream)
		}()
	})
	wg.Wait()
}

func (s *Server) handleStream(t transport.ServerTransport, stream *transport.Stream) {
	sm := stream.Method()
	if sm != "" && sm[0] == '/' {
		sm = sm[1:]
	}
	pos := -1
	for i := len(sm) - 1; i >= 0; i-- {
		if sm[i] == '/' {
			pos = i
			break
		}
	}
	if pos < 0 {
		s.replyWithStatus(t, stream, status.New(codes.Unimplemented, fmt.Sprintf("malformed method name: %q", stream.Method())))
		return
	}
	service, method := sm[:pos], sm[pos+1:]

	s.mu.Lock()
	info, ok := s.services[service]
	s.mu.Unlock()
	if !ok {
		s.replyWithStatus(t, stream, status.New(codes.Unimplemented, fmt.Sprintf("unknown service %v", service)))
		return
	}
	if md, ok := info.methods[method]; ok {
		s.processUnaryRPC(t, stream, info, md)
		return
	}
	if sd, ok := info.streams[method]; ok {
		s.processStreamingRPC(t, stream, info, sd)
		return
	}
	s.replyWithStatus(t, stream, status.New(codes.Unimplemented, fmt.Sprintf("unknown method %v for service %v", method, service)))
}

func (s *Server) replyWithStatus(t transport.ServerTransport, stream *transport.Stream, st *status.Status) {
	t.WriteStatus(stream, st)
}

func (s *Server) processUnaryRPC(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, md MethodDesc) {
	ctx := newContextWithStream(stream.Context(), stream)

	codec := encoding.GetCodec(proto.Name)
	p := &parser{r: stream}

	df := func(v interface{}) error {
		if err := recv(p, codec, stream, s.opts.dc, v, s.opts.maxReceiveMessageSize, nil, nil); err != nil {
			return err
		}
		return nil
	}

	reply, appErr := md.Handler(info.serviceImpl, ctx, df, s.opts.unaryInt)
	if appErr != nil {
		st, _ := status.FromError(appErr)
		t.WriteStatus(stream, st)
		return
	}

	data, err := encode(codec, reply)
	if err != nil {
		t.WriteStatus(stream, status.New(codes.Internal, err.Error()))
		return
	}
	compData, err := compress(data, s.opts.cp, nil)
	if err != nil {
		t.WriteStatus(stream, status.New(codes.Internal, err.Error()))
		return
	}
	hdr, payload := msgHeader(data, compData)
	if len(payload) > s.opts.maxSendMessageSize {
		t.WriteStatus(stream, status.New(codes.ResourceExhausted, fmt.Sprintf("trying to send message larger than max (%d vs. %d)", len(payload), s.opts.maxSendMessageSize)))
		return
	}
	if err := t.Write(stream, hdr, payload, &transport.Options{Last: true}); err != nil {
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

func (s *Server) processStreamingRPC(t transport.ServerTransport, stream *transport.Stream, info *serviceInfo, sd StreamDesc) {
	ss := &serverStream{
		ctx:                   newContextWithStream(stream.Context(), stream),
		t:                     t,
		s:                     stream,
		p:                     &parser{r: stream},
		codec:                 encoding.GetCodec(proto.Name),
		cp:                    s.opts.cp,
		dc:                    s.opts.dc,
		maxReceiveMessageSize: s.opts.maxReceiveMessageSize,
		maxSendMessageSize:    s.opts.maxSendMessageSize,
		statsHandler:          s.opts.statsHandler,
	}

	var appErr error
	if s.opts.streamInt != nil {
		info2 := &StreamServerInfo{
			FullMethod:     stream.Method(),
			IsClientStream: sd.ClientStreams,
			IsServerStream: sd.ServerStreams,
		}
		appErr = s.opts.streamInt(info.serviceImpl, ss, info2, sd.Handler)
	} else {
		appErr = sd.Handler(info.serviceImpl, ss)
	}
	if appErr != nil && appErr != io.EOF {
		st, _ := status.FromError(appErr)
		t.WriteStatus(stream, st)
		return
	}
	t.WriteStatus(stream, status.New(codes.OK, ""))
}

// GracefulStop stops accepting new connections and RPCs on every listener,
// sends GOAWAY to every connected client, and blocks until every
// outstanding RPC finishes.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	if s.drain {
		s.mu.Unlock()
		return
	}
	s.drain = true
	s.quit.Fire()
	for lis := range s.lis {
		lis.Close()
	}
	s.lis = nil
	for st := range s.conns {
		st.Drain("graceful_stop")
	}
	for len(s.conns) != 0 {
		s.cv.Wait()
	}
	s.mu.Unlock()
	s.done.Fire()
}

// Stop stops accepting new connections, closes every existing connection
// (abandoning in-flight RPCs), and returns once cleanup finishes.
func (s *Server) Stop() {
	s.quit.Fire()

	s.mu.Lock()
	listeners := s.lis
	s.lis = nil
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for lis := range listeners {
		lis.Close()
	}
	for st := range conns {
		st.Close(nil)
	}

	s.done.Fire()
}
