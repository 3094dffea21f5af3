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

// Package transport implements the HTTP/2 stream multiplexing layer gRPC
// runs its call pipeline over: header and trailer framing, per-stream
// receive buffering, and the per-stream state machine driving a Stream
// from header send through to status receipt. The length-prefixed message
// parser is not here; it lives in the grpc package (rpc_util.go).
package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/metadata"
	"github.com/chalvern/grpc-go/status"
)

// CallHdr carries the metadata needed to open a new stream on a
// ClientTransport, derived from a CallOption-applied CallInfo plus the
// ClientConn's dial-time configuration.
type CallHdr struct {
	// Host is the value to send in the :authority header.
	Host string
	// Method is the full RPC method name, sent as :path.
	Method string
	// SendCompress is the content-coding to set on grpc-encoding, if any.
	SendCompress string
	// Creds are optional per-call credentials layered on top of the
	// channel's transport credentials.
	Creds credentials.PerRPCCredentials
	// ContentSubtype is set in the content-type header as
	// "application/grpc+<ContentSubtype>", or bare "application/grpc" if
	// empty.
	ContentSubtype string
	// Flush indicates the transport should flush the header frame
	// immediately rather than waiting to coalesce it with the first data
	// frame (client-streaming RPCs may not send data right away).
	Flush bool
	// PreviousAttempts counts retries already made for this RPC, sent via
	// the grpc-previous-rpc-attempts header.
	PreviousAttempts int
}

// Options carries per-Write parameters.
type Options struct {
	// Last indicates this is the last message the caller will send.
	Last bool
}

// streamState is the lifecycle state machine a Stream moves through as its
// owning transport delivers HEADERS, DATA, and trailing HEADERS frames.
type streamState uint32

const (
	streamActive streamState = iota
	streamWriteDone
	streamDone
)

// Stream represents an RPC in the transport layer, independent of whether
// it is driven by the client or server side.
type Stream struct {
	id     uint32
	ctx    context.Context
	cancel context.CancelFunc
	method string

	buf *recvBuffer
	fc  *inFlowController

	recvCompress string
	sendCompress string

	mu         sync.Mutex
	state      streamState
	headerChan chan struct{}
	headerDone bool
	header     metadata.MD
	trailer    metadata.MD

	status *status.Status

	bytesReceived bool
	bytesSent     bool
	unprocessed   bool

	// wq is created with a defaultWindowSize quota. Neither transport
	// replenishes it from WINDOW_UPDATE frames or waits on it before
	// writing.
	wq *writeQuota
}

// NewServerStream constructs a Stream for server-side use, pre-populated
// with request headers and already in the active state (headers are
// already known, unlike the client side which must wait for them).
func NewServerStream(ctx context.Context, id uint32, method string, reqHeader metadata.MD) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		method:     method,
		buf:        newRecvBuffer(),
		headerChan: closedChan,
		headerDone: true,
		header:     reqHeader,
		wq:         newWriteQuota(defaultWindowSize),
	}
}

// NewClientStream constructs a Stream for client-side use; its header
// channel is closed only once the server's response headers (or
// trailers-only status) arrive.
func NewClientStream(ctx context.Context, id uint32, method string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	return &Stream{
		id:         id,
		ctx:        ctx,
		cancel:     cancel,
		method:     method,
		buf:        newRecvBuffer(),
		headerChan: make(chan struct{}),
		wq:         newWriteQuota(defaultWindowSize),
	}
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// ID returns the HTTP/2 stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// Context returns the stream's context, canceled when the stream ends.
func (s *Stream) Context() context.Context { return s.ctx }

// Method returns the full method name this stream serves.
func (s *Stream) Method() string { return s.method }

// RecvCompress returns the grpc-encoding the peer declared for its
// messages, blocking until headers arrive if necessary.
func (s *Stream) RecvCompress() string {
	<-s.headerChan
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCompress
}

// SetSendCompress records the grpc-encoding this side will use; must be
// called before any header is sent.
func (s *Stream) SetSendCompress(name string) { s.sendCompress = name }

// Header blocks until response headers (or a trailers-only status) are
// available, then returns them.
func (s *Stream) Header() (metadata.MD, error) {
	<-s.headerChan
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != nil && s.status.Code() != codes.OK {
		return nil, s.status.Err()
	}
	return s.header.Copy(), nil
}

// Trailer returns the trailer metadata received with the final status;
// only meaningful after the stream has ended.
func (s *Stream) Trailer() metadata.MD {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailer.Copy()
}

// SetHeader appends to the headers a server stream will send (before the
// first WriteHeader/Write call closes header-sending).
func (s *Stream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerDone {
		return errIllegalHeaderWrite
	}
	s.header = metadata.Join(s.header, md)
	return nil
}

// SetTrailer appends to the trailer metadata a server stream will send
// with its final status.
func (s *Stream) SetTrailer(md metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailer = metadata.Join(s.trailer, md)
}

// BytesReceived reports whether any message bytes were read from the peer
// on this stream.
func (s *Stream) BytesReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesReceived
}

// Unprocessed reports whether the transport can guarantee the server never
// began processing this RPC, making it safe for a non-fail-fast caller to
// transparently retry on a fresh stream.
func (s *Stream) Unprocessed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unprocessed
}

// setUnprocessed marks the stream unprocessed; called by the owning
// transport when it knows the peer never acted on it (refused via
// RST_STREAM, or dropped via GOAWAY before this stream's ID was reached).
func (s *Stream) setUnprocessed() {
	s.mu.Lock()
	s.unprocessed = true
	s.mu.Unlock()
}

// Status returns the final RPC status for this stream, valid once the
// stream has ended.
func (s *Stream) Status() *status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return status.New(codes.OK, "")
	}
	return s.status
}

// Read implements io.Reader by pulling frames off the stream's
// recvBuffer, used by the *parser that decodes gRPC messages.
func (s *Stream) Read(p []byte) (int, error) {
	r := &recvBufferReader{ctxDone: s.ctx.Done(), recv: s.buf}
	n, err := r.Read(p)
	if n > 0 {
		s.mu.Lock()
		s.bytesReceived = true
		s.mu.Unlock()
	}
	return n, err
}

// headerReceived reports whether transportHeadersReceived or
// transportTrailersReceived has already unblocked Header() for this stream.
func (s *Stream) headerReceived() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headerDone
}

// transportHeadersReceived is called by the owning transport's read loop
// when a HEADERS frame (non-trailing) arrives: it records peer-declared
// headers and unblocks Header()/RecvCompress().
func (s *Stream) transportHeadersReceived(md metadata.MD, recvCompress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headerDone {
		return
	}
	s.header = md
	s.recvCompress = recvCompress
	s.headerDone = true
	close(s.headerChan)
}

// transportTrailersReceived is called when the closing HEADERS frame (with
// END_STREAM) arrives, carrying grpc-status/grpc-message/trailer metadata,
// or when a non-2xx :status is translated directly to a Status by the
// transport. It always ends the stream.
func (s *Stream) transportTrailersReceived(st *status.Status, trailer metadata.MD) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.headerDone {
		// Trailers-only response: no separate header frame ever arrived.
		s.headerDone = true
		close(s.headerChan)
	}
	s.status = st
	s.trailer = metadata.Join(s.trailer, trailer)
	s.state = streamDone
	s.buf.put(recvMsg{err: io.EOF})
}

// transportDataReceived is called for every DATA frame payload; the bytes
// are handed to the parser via the stream's recvBuffer.
func (s *Stream) transportDataReceived(b *Buffer) {
	s.buf.put(recvMsg{buffer: b})
}

// ClientTransport is the client-facing side of one HTTP/2 connection to a
// single server address, shared by every stream multiplexed over it.
type ClientTransport interface {
	// Close tears down the connection and fails every active stream with
	// err.
	Close(err error) error
	// GracefulClose sends a GOAWAY frame to the peer. It does not refuse
	// later NewStream calls and does not close the transport.
	GracefulClose()
	// Write sends a data frame for s; if opts.Last, it also half-closes
	// the stream's send side.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// NewStream creates and returns a new Stream for an RPC.
	NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error)
	// CloseStream tells the peer to abandon the stream via RST_STREAM,
	// clears it from the transport's active set and cancels its context;
	// err is not used.
	CloseStream(s *Stream, err error)
	// Error returns a channel that's closed when the transport goes
	// unhealthy; callers select on it to notice a broken connection
	// without a failed write.
	Error() <-chan struct{}
	// GoAway returns a channel closed when the peer has sent a GOAWAY.
	GoAway() <-chan struct{}
	// IncrMsgSent/IncrMsgRecv are per-message hooks; both transports in
	// this package implement them as no-ops and keep no count.
	IncrMsgSent()
	IncrMsgRecv()
}

// ServerTransport is the server-facing side of one HTTP/2 connection from
// a single client, shared by every stream multiplexed over it.
type ServerTransport interface {
	// HandleStreams blocks processing the connection's streams, calling
	// handle for each new one, until the connection closes.
	HandleStreams(handle func(*Stream))
	// WriteHeader sends the response headers for s; may be called at
	// most once.
	WriteHeader(s *Stream, md metadata.MD) error
	// Write sends a data frame for s.
	Write(s *Stream, hdr []byte, data []byte, opts *Options) error
	// WriteStatus sends the final status (and any set trailer) for s,
	// ending it.
	WriteStatus(s *Stream, st *status.Status) error
	// Close tears down the connection.
	Close(err error) error
	// RemoteAddr returns the address of the connected peer.
	RemoteAddr() string
	// Drain tells the client to stop issuing new RPCs on this connection
	// (via GOAWAY), for use during graceful server shutdown.
	Drain(debugData string)
	IncrMsgSent()
	IncrMsgRecv()
}

// ConnectionError indicates a transport-level failure not tied to any one
// stream (e.g. a dropped TCP connection); it carries the status a pending
// RPC on this transport should report.
type ConnectionError struct {
	Desc string
	Err  error
}

func (e ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error: desc = %q, err = %v", e.Desc, e.Err)
	}
	return fmt.Sprintf("connection error: desc = %q", e.Desc)
}

func (e ConnectionError) Unwrap() error { return e.Err }

// StreamError is a stream-scoped failure, convertible directly to a
// Status via its Code/Desc.
type StreamError struct {
	Code codes.Code
	Desc string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("stream error: code = %s desc = %q", e.Code, e.Desc)
}
