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
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/keepalive"
	"github.com/chalvern/grpc-go/metadata"
	"github.com/chalvern/grpc-go/stats"
	"github.com/chalvern/grpc-go/status"
)

// ConnectOptions bundles the parameters a subchannel uses to dial and
// upgrade a single address to an HTTP/2 ClientTransport.
type ConnectOptions struct {
	TransportCredentials credentials.TransportCredentials
	Authority            string
	UserAgent            string
	Dialer               func(context.Context, string) (net.Conn, error)
	KeepaliveParams      keepalive.ClientParameters
	StatsHandler         stats.Handler
}

// http2Client implements ClientTransport over one net.Conn running the
// HTTP/2 framing layer.
type http2Client struct {
	conn   net.Conn
	framer *http2.Framer

	authority string
	userAgent string

	nextID uint32

	mu      sync.Mutex
	streams map[uint32]*Stream
	closed  bool
	goAway  bool

	hEnc *hpack.Encoder
	hBuf *bufEncoder

	writeMu sync.Mutex

	errCh      chan struct{}
	errOnce    sync.Once
	goAwayCh   chan struct{}
	goAwayOnce sync.Once

	fc *inFlowController

	kp         keepalive.ClientParameters
	lastActive int64 // unix nanos, updated on every received frame
}

type bufEncoder struct{ b []byte }

func (b *bufEncoder) Write(p []byte) (int, error) {
	b.b = append(b.b, p...)
	return len(p), nil
}

// NewClientTransport dials addr and performs the HTTP/2 client preface
// handshake, returning a ready-to-use ClientTransport.
func NewClientTransport(ctx context.Context, addr string, opts ConnectOptions) (ClientTransport, error) {
	dial := opts.Dialer
	if dial == nil {
		dial = func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	conn, err := dial(ctx, addr)
	if err != nil {
		return nil, ConnectionError{Desc: "transport: error while dialing", Err: err}
	}
	if creds := opts.TransportCredentials; creds != nil {
		authority := opts.Authority
		if authority == "" {
			authority = addr
		}
		cc, _, err := creds.ClientHandshake(ctx, authority, conn)
		if err != nil {
			conn.Close()
			return nil, ConnectionError{Desc: "transport: authentication handshake failed", Err: err}
		}
		conn = cc
	}

	if _, err := conn.Write([]byte(http2.ClientPreface)); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "transport: failed to write client preface", Err: err}
	}

	t := &http2Client{
		conn:      conn,
		framer:    http2.NewFramer(conn, conn),
		authority: opts.Authority,
		userAgent: opts.UserAgent,
		nextID:    1,
		streams:   make(map[uint32]*Stream),
		errCh:     make(chan struct{}),
		goAwayCh:  make(chan struct{}),
		fc:        newInFlowController(defaultWindowSize),
		hBuf:      &bufEncoder{},
		kp:        opts.KeepaliveParams,
	}
	t.hEnc = hpack.NewEncoder(t.hBuf)
	t.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	if t.kp.Timeout == 0 {
		t.kp.Timeout = 20 * time.Second
	}
	atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())

	if err := t.framer.WriteSettings(); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "transport: failed to write initial settings", Err: err}
	}
	if err := t.framer.WriteWindowUpdate(0, defaultWindowSize); err != nil {
		conn.Close()
		return nil, ConnectionError{Desc: "transport: failed to write initial window update", Err: err}
	}

	go t.reader()
	if t.kp.Time > 0 && t.kp.Time != time.Duration(1<<63-1) {
		go t.keepalive()
	}
	return t, nil
}

// keepalive sends a PING whenever the connection has been idle for kp.Time
// and closes the transport if no frame (including the PING's own ack)
// arrives within the following kp.Timeout.
func (t *http2Client) keepalive() {
	timer := time.NewTimer(t.kp.Time)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-t.errCh:
			return
		}
		t.mu.Lock()
		closed := t.closed
		numStreams := len(t.streams)
		t.mu.Unlock()
		if closed {
			return
		}
		if numStreams == 0 && !t.kp.PermitWithoutStream {
			timer.Reset(t.kp.Time)
			continue
		}
		idle := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&t.lastActive))
		if idle < t.kp.Time {
			timer.Reset(t.kp.Time - idle)
			continue
		}
		t.writeMu.Lock()
		err := t.framer.WritePing(false, [8]byte{})
		t.writeMu.Unlock()
		if err != nil {
			t.Close(ConnectionError{Desc: "transport: failed to write keepalive ping", Err: err})
			return
		}
		sentAt := atomic.LoadInt64(&t.lastActive)
		select {
		case <-time.After(t.kp.Timeout):
			if atomic.LoadInt64(&t.lastActive) == sentAt {
				t.Close(ConnectionError{Desc: "transport: keepalive ping timeout"})
				return
			}
		case <-t.errCh:
			return
		}
		timer.Reset(t.kp.Time)
	}
}

func (t *http2Client) reader() {
	defer t.Close(ConnectionError{Desc: "transport: connection closed by reader"})
	for {
		frame, err := t.framer.ReadFrame()
		if err != nil {
			return
		}
		atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			t.handleHeaders(f)
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.GoAwayFrame:
			t.handleGoAway(f)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(f)
		case *http2.SettingsFrame, *http2.PingFrame, *http2.WindowUpdateFrame:
			// Neither acknowledged nor acted on; receiving one only
			// refreshes lastActive.
		}
	}
}

func (t *http2Client) getStream(id uint32) *Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streams[id]
}

func (t *http2Client) handleHeaders(f *http2.MetaHeadersFrame) {
	s := t.getStream(f.StreamID)
	if s == nil {
		return
	}
	md, httpStatus, httpStatusPresent, contentType, grpcStatus, grpcMessage := parseHeaderFields(f.Fields)

	if f.StreamEnded() {
		st := statusFromTrailer(httpStatus, httpStatusPresent, grpcStatus, grpcMessage)
		s.transportTrailersReceived(st, md)
		t.removeStream(s.id)
		return
	}

	// 1xx informational headers may precede the real response (e.g. from an
	// intermediary) and carry no gRPC semantics of their own.
	if httpStatusPresent && httpStatus >= 100 && httpStatus < 200 {
		return
	}

	if s.headerReceived() {
		s.transportTrailersReceived(status.New(codes.Internal, "protocol error: headers frame received twice"), nil)
		t.removeStream(s.id)
		return
	}

	if !httpStatusPresent {
		s.transportTrailersReceived(status.New(codes.Internal, "malformed response: missing HTTP status"), nil)
		t.removeStream(s.id)
		return
	}

	if _, ok := contentSubtype(contentType); !ok {
		st := status.Newf(HTTPStatusToGRPCCode(httpStatus), "transport: received unexpected content-type %q", contentType)
		s.transportTrailersReceived(st, md)
		t.removeStream(s.id)
		return
	}

	var recvCompress string
	if vs := md.Get("grpc-encoding"); len(vs) > 0 {
		recvCompress = vs[0]
	}
	s.transportHeadersReceived(md, recvCompress)
}

func (t *http2Client) handleData(f *http2.DataFrame) {
	s := t.getStream(f.StreamID)
	if s == nil {
		return
	}
	size := len(f.Data())
	if size > 0 {
		buf := make([]byte, size)
		copy(buf, f.Data())
		s.transportDataReceived(NewBuffer(buf, nil))
		if up := t.fc.onData(uint32(size)); up > 0 {
			t.writeMu.Lock()
			t.framer.WriteWindowUpdate(0, up)
			t.framer.WriteWindowUpdate(f.StreamID, up)
			t.writeMu.Unlock()
		}
	}
	if f.StreamEnded() {
		// A DATA frame carrying END_STREAM means the peer closed the
		// stream without ever sending a trailers HEADERS frame, so no
		// grpc-status was ever observed; that can never be a success.
		s.transportTrailersReceived(status.New(codes.Internal, "server closed the stream without sending trailers"), nil)
		t.removeStream(s.id)
	}
}

func (t *http2Client) handleRSTStream(f *http2.RSTStreamFrame) {
	s := t.getStream(f.StreamID)
	if s == nil {
		return
	}
	code := codes.Internal
	if f.ErrCode == http2.ErrCodeRefusedStream {
		code = codes.Unavailable
		s.setUnprocessed()
	}
	s.transportTrailersReceived(status.Newf(code, "stream terminated by RST_STREAM with error code: %v", f.ErrCode), nil)
	t.removeStream(s.id)
}

func (t *http2Client) handleGoAway(f *http2.GoAwayFrame) {
	t.goAwayOnce.Do(func() { close(t.goAwayCh) })
	t.mu.Lock()
	var unprocessed []*Stream
	for id, s := range t.streams {
		if id > f.LastStreamID {
			unprocessed = append(unprocessed, s)
			delete(t.streams, id)
		}
	}
	t.mu.Unlock()
	for _, s := range unprocessed {
		s.setUnprocessed()
		s.transportTrailersReceived(status.New(codes.Unavailable, "transport: the connection is draining"), nil)
	}
}

func (t *http2Client) removeStream(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *http2Client) NewStream(ctx context.Context, callHdr *CallHdr) (*Stream, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ConnectionError{Desc: "transport: connection is closed"}
	}
	id := t.nextID
	t.nextID += 2
	s := NewClientStream(ctx, id, callHdr.Method)
	t.streams[id] = s
	t.mu.Unlock()

	fields := t.buildRequestHeaders(callHdr)
	t.writeMu.Lock()
	t.hBuf.b = t.hBuf.b[:0]
	for _, f := range fields {
		t.hEnc.WriteField(f)
	}
	err := t.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: t.hBuf.b,
		EndHeaders:    true,
		EndStream:     false,
	})
	t.writeMu.Unlock()
	if err != nil {
		t.removeStream(id)
		return nil, ConnectionError{Desc: "transport: failed to write headers", Err: err}
	}
	return s, nil
}

func (t *http2Client) buildRequestHeaders(callHdr *CallHdr) []hpack.HeaderField {
	authority := callHdr.Host
	if authority == "" {
		authority = t.authority
	}
	ua := t.userAgent
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: encodeMethodPath(callHdr.Method)},
		{Name: ":authority", Value: authority},
		{Name: contentTypeHeader, Value: contentTypeFromSubtype(callHdr.ContentSubtype)},
		{Name: "te", Value: "trailers"},
	}
	if ua != "" {
		fields = append(fields, hpack.HeaderField{Name: userAgentHeader, Value: ua})
	}
	if callHdr.SendCompress != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: callHdr.SendCompress})
	}
	if callHdr.PreviousAttempts > 0 {
		fields = append(fields, hpack.HeaderField{Name: "grpc-previous-rpc-attempts", Value: strconv.Itoa(callHdr.PreviousAttempts)})
	}
	return fields
}

func (t *http2Client) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if len(hdr) > 0 || len(data) > 0 {
		payload := append(append([]byte{}, hdr...), data...)
		if err := t.framer.WriteData(s.id, opts.Last, payload); err != nil {
			return ConnectionError{Desc: "transport: failed to write data", Err: err}
		}
		s.bytesSent = true
		return nil
	}
	if opts.Last {
		return t.framer.WriteData(s.id, true, nil)
	}
	return nil
}

func (t *http2Client) CloseStream(s *Stream, err error) {
	t.writeMu.Lock()
	t.framer.WriteRSTStream(s.id, http2.ErrCodeCancel)
	t.writeMu.Unlock()
	t.removeStream(s.id)
	s.cancel()
}

func (t *http2Client) Close(err error) error {
	t.errOnce.Do(func() { close(t.errCh) })
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	streams := t.streams
	t.streams = make(map[uint32]*Stream)
	t.mu.Unlock()
	for _, s := range streams {
		if !s.bytesSent {
			s.setUnprocessed()
		}
		s.transportTrailersReceived(status.New(codes.Unavailable, fmt.Sprintf("transport closed: %v", err)), nil)
		s.cancel()
	}
	return t.conn.Close()
}

func (t *http2Client) GracefulClose() {
	t.writeMu.Lock()
	t.framer.WriteGoAway(t.nextID, http2.ErrCodeNo, nil)
	t.writeMu.Unlock()
}

func (t *http2Client) Error() <-chan struct{}  { return t.errCh }
func (t *http2Client) GoAway() <-chan struct{} { return t.goAwayCh }

func (t *http2Client) IncrMsgSent() {}
func (t *http2Client) IncrMsgRecv() {}

func parseHeaderFields(fields []hpack.HeaderField) (md metadata.MD, httpStatus int, httpStatusPresent bool, contentType string, grpcStatus *int, grpcMessage string) {
	md = metadata.New(nil)
	for _, f := range fields {
		if !headerFieldValid(f) {
			continue
		}
		switch f.Name {
		case httpStatusHeader:
			if v, err := strconv.Atoi(f.Value); err == nil {
				httpStatus = v
				httpStatusPresent = true
			}
		case grpcStatusHeader:
			v, err := strconv.Atoi(f.Value)
			if err == nil {
				grpcStatus = &v
			}
		case grpcMessageHeader:
			grpcMessage = decodeGRPCMessage(f.Value)
		case contentTypeHeader:
			contentType = f.Value
		case "te":
			// Not surfaced as metadata; purely protocol-level.
		default:
			md.Append(f.Name, f.Value)
		}
	}
	return md, httpStatus, httpStatusPresent, contentType, grpcStatus, grpcMessage
}

// statusFromTrailer builds the terminal Status for a stream that ended on a
// HEADERS frame. A valid grpc-status is used as is, with grpc-message as the
// description. Without one, the code comes from HTTPStatusToGRPCCode and
// the HTTP status is folded into the message so a bare non-gRPC failure
// (e.g. a proxy 401) is still diagnosable from the error text alone.
func statusFromTrailer(httpStatus int, httpStatusPresent bool, grpcStatus *int, grpcMessage string) *status.Status {
	if grpcStatus != nil {
		return status.New(codes.Code(*grpcStatus), grpcMessage)
	}
	msg := grpcMessage
	if httpStatusPresent {
		if msg == "" {
			msg = fmt.Sprintf("unexpected HTTP status code received from server: %d", httpStatus)
		} else {
			msg = fmt.Sprintf("unexpected HTTP status code received from server: %d (%s)", httpStatus, msg)
		}
	}
	return status.New(HTTPStatusToGRPCCode(httpStatus), msg)
}
