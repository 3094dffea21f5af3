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
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/chalvern/grpc-go/keepalive"
	"github.com/chalvern/grpc-go/metadata"
	"github.com/chalvern/grpc-go/status"
)

// ServerConfig bundles the parameters a listener uses to upgrade an
// accepted net.Conn to an HTTP/2 ServerTransport.
type ServerConfig struct {
	MaxConcurrentStreams uint32
	KeepaliveParams      keepalive.ServerParameters
	KeepalivePolicy      keepalive.EnforcementPolicy
}

type http2Server struct {
	conn   net.Conn
	framer *http2.Framer

	maxStreams uint32

	mu      sync.Mutex
	streams map[uint32]*Stream
	drained bool
	closed  bool

	writeMu sync.Mutex
	hEnc    *hpack.Encoder
	hBuf    *bufEncoder

	fc *inFlowController

	kp        keepalive.ServerParameters
	ep        keepalive.EnforcementPolicy
	createdAt time.Time

	lastActive     int64 // unix nanos, updated on every received frame
	lastClientPing int64 // unix nanos, updated on every client PING
}

// NewServerTransport reads the client preface off conn and returns a
// ServerTransport ready to have HandleStreams called on it.
func NewServerTransport(conn net.Conn, cfg ServerConfig) (ServerTransport, error) {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(conn, preface); err != nil {
		return nil, ConnectionError{Desc: "transport: failed to receive client preface", Err: err}
	}
	if string(preface) != http2.ClientPreface {
		return nil, ConnectionError{Desc: "transport: received bogus greeting from client"}
	}

	maxStreams := cfg.MaxConcurrentStreams
	if maxStreams == 0 {
		maxStreams = defaultServerMaxStreams
	}

	t := &http2Server{
		conn:       conn,
		framer:     http2.NewFramer(conn, conn),
		maxStreams: maxStreams,
		streams:    make(map[uint32]*Stream),
		fc:         newInFlowController(defaultWindowSize),
		hBuf:       &bufEncoder{},
		kp:         cfg.KeepaliveParams,
		ep:         cfg.KeepalivePolicy,
		createdAt:  time.Now(),
	}
	t.hEnc = hpack.NewEncoder(t.hBuf)
	t.framer.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())

	frame, err := t.framer.ReadFrame()
	if err != nil {
		return nil, ConnectionError{Desc: "transport: failed to read initial settings", Err: err}
	}
	if _, ok := frame.(*http2.SettingsFrame); !ok {
		// First client frame must be SETTINGS per the HTTP/2 preface
		// contract; anything else is a protocol error.
		return nil, ConnectionError{Desc: "transport: first client frame was not SETTINGS"}
	}
	if err := t.framer.WriteSettings(); err != nil {
		return nil, ConnectionError{Desc: "transport: failed to write initial settings", Err: err}
	}
	return t, nil
}

func (t *http2Server) HandleStreams(handle func(*Stream)) {
	defer t.Close(nil)
	if t.kp.MaxConnectionIdle > 0 || t.kp.MaxConnectionAge > 0 || t.kp.Time > 0 {
		go t.keepalive()
	}
	for {
		frame, err := t.framer.ReadFrame()
		if err != nil {
			return
		}
		atomic.StoreInt64(&t.lastActive, time.Now().UnixNano())
		switch f := frame.(type) {
		case *http2.MetaHeadersFrame:
			s := t.operateHeaders(f)
			if s != nil {
				go handle(s)
			}
		case *http2.DataFrame:
			t.handleData(f)
		case *http2.RSTStreamFrame:
			t.handleRSTStream(f)
		case *http2.PingFrame:
			if !f.IsAck() {
				t.handleClientPing()
			}
		case *http2.SettingsFrame, *http2.WindowUpdateFrame, *http2.GoAwayFrame:
		}
	}
}

// handleClientPing enforces EnforcementPolicy.MinTime: while a stream is
// active, or PermitWithoutStream is true, a client PING arriving less than
// MinTime after the previous one closes the connection. Pings received with
// no active stream while PermitWithoutStream is false are not policed, and
// a zero MinTime disables the check.
func (t *http2Server) handleClientPing() {
	now := time.Now()
	last := atomic.SwapInt64(&t.lastClientPing, now.UnixNano())
	if last == 0 || t.ep.MinTime == 0 {
		return
	}
	t.mu.Lock()
	numStreams := len(t.streams)
	t.mu.Unlock()
	if numStreams == 0 && !t.ep.PermitWithoutStream {
		return
	}
	if now.Sub(time.Unix(0, last)) < t.ep.MinTime {
		t.Close(ConnectionError{Desc: "transport: client sent too many pings"})
	}
}

// keepalive enforces MaxConnectionIdle/MaxConnectionAge by sending a GOAWAY
// and closing the connection, and sends its own PING when idle past
// kp.Time. kp.Timeout is not read: an unanswered PING does not close the
// connection.
func (t *http2Server) keepalive() {
	idleTimer := time.NewTimer(maxDuration(t.kp.MaxConnectionIdle))
	ageTimer := time.NewTimer(maxDuration(t.kp.MaxConnectionAge))
	pingTimer := time.NewTimer(maxDuration(t.kp.Time))
	defer idleTimer.Stop()
	defer ageTimer.Stop()
	defer pingTimer.Stop()

	for {
		select {
		case <-idleTimer.C:
			if t.kp.MaxConnectionIdle == 0 {
				idleTimer.Reset(time.Hour)
				continue
			}
			t.mu.Lock()
			idle := len(t.streams) == 0
			t.mu.Unlock()
			if !idle {
				idleTimer.Reset(t.kp.MaxConnectionIdle)
				continue
			}
			t.Drain("max_idle")
			t.Close(ConnectionError{Desc: "transport: connection idle too long"})
			return
		case <-ageTimer.C:
			if t.kp.MaxConnectionAge == 0 {
				ageTimer.Reset(time.Hour)
				continue
			}
			t.Drain("max_age")
			grace := t.kp.MaxConnectionAgeGrace
			if grace == 0 {
				grace = time.Second
			}
			time.Sleep(grace)
			t.Close(ConnectionError{Desc: "transport: connection reached max age"})
			return
		case <-pingTimer.C:
			if t.kp.Time == 0 {
				pingTimer.Reset(time.Hour)
				continue
			}
			idle := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&t.lastActive))
			if idle < t.kp.Time {
				pingTimer.Reset(t.kp.Time - idle)
				continue
			}
			t.writeMu.Lock()
			err := t.framer.WritePing(false, [8]byte{})
			t.writeMu.Unlock()
			if err != nil {
				t.Close(ConnectionError{Desc: "transport: failed to write keepalive ping", Err: err})
				return
			}
			pingTimer.Reset(t.kp.Time)
		}
	}
}

func maxDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}

func (t *http2Server) operateHeaders(f *http2.MetaHeadersFrame) *Stream {
	md, method := parseRequestHeaderFields(f.Fields)

	t.mu.Lock()
	if t.drained || uint32(len(t.streams)) >= t.maxStreams {
		t.mu.Unlock()
		t.writeMu.Lock()
		t.framer.WriteRSTStream(f.StreamID, http2.ErrCodeRefusedStream)
		t.writeMu.Unlock()
		return nil
	}
	s := NewServerStream(context.Background(), f.StreamID, method, md)
	t.streams[f.StreamID] = s
	t.mu.Unlock()
	return s
}

func (t *http2Server) handleData(f *http2.DataFrame) {
	t.mu.Lock()
	s := t.streams[f.StreamID]
	t.mu.Unlock()
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
		s.buf.put(recvMsg{err: io.EOF})
	}
}

func (t *http2Server) handleRSTStream(f *http2.RSTStreamFrame) {
	t.mu.Lock()
	s := t.streams[f.StreamID]
	delete(t.streams, f.StreamID)
	t.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

func (t *http2Server) WriteHeader(s *Stream, md metadata.MD) error {
	s.mu.Lock()
	if s.headerDone {
		s.mu.Unlock()
		return errIllegalHeaderWrite
	}
	s.headerDone = true
	header := metadata.Join(s.header, md)
	s.mu.Unlock()

	fields := []hpack.HeaderField{
		{Name: httpStatusHeader, Value: "200"},
		{Name: contentTypeHeader, Value: baseContentType},
	}
	for _, k := range header.Keys() {
		for _, v := range header.Get(k) {
			fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.hBuf.b = t.hBuf.b[:0]
	for _, f := range fields {
		t.hEnc.WriteField(f)
	}
	return t.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: t.hBuf.b,
		EndHeaders:    true,
	})
}

func (t *http2Server) Write(s *Stream, hdr []byte, data []byte, opts *Options) error {
	s.mu.Lock()
	needHeader := !s.headerDone
	s.mu.Unlock()
	if needHeader {
		if err := t.WriteHeader(s, nil); err != nil {
			return err
		}
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	payload := append(append([]byte{}, hdr...), data...)
	return t.framer.WriteData(s.id, false, payload)
}

func (t *http2Server) WriteStatus(s *Stream, st *status.Status) error {
	s.mu.Lock()
	needHeader := !s.headerDone
	trailer := s.trailer
	s.headerDone = true
	s.mu.Unlock()
	if needHeader {
		// Trailers-only response: status rides on the one and only
		// HEADERS frame for this stream.
		fields := statusTrailerFields(st, trailer)
		fields = append([]hpack.HeaderField{{Name: httpStatusHeader, Value: "200"}, {Name: contentTypeHeader, Value: baseContentType}}, fields...)
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		t.hBuf.b = t.hBuf.b[:0]
		for _, f := range fields {
			t.hEnc.WriteField(f)
		}
		err := t.framer.WriteHeaders(http2.HeadersFrameParam{
			StreamID:      s.id,
			BlockFragment: t.hBuf.b,
			EndHeaders:    true,
			EndStream:     true,
		})
		t.removeStream(s.id)
		return err
	}

	fields := statusTrailerFields(st, trailer)
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.hBuf.b = t.hBuf.b[:0]
	for _, f := range fields {
		t.hEnc.WriteField(f)
	}
	err := t.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: t.hBuf.b,
		EndHeaders:    true,
		EndStream:     true,
	})
	t.removeStream(s.id)
	return err
}

func statusTrailerFields(st *status.Status, trailer metadata.MD) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: grpcStatusHeader, Value: strconv.Itoa(int(st.Code()))},
	}
	if st.Message() != "" {
		fields = append(fields, hpack.HeaderField{Name: grpcMessageHeader, Value: encodeGRPCMessage(st.Message())})
	}
	for _, k := range trailer.Keys() {
		for _, v := range trailer.Get(k) {
			fields = append(fields, hpack.HeaderField{Name: k, Value: v})
		}
	}
	return fields
}

func (t *http2Server) removeStream(id uint32) {
	t.mu.Lock()
	delete(t.streams, id)
	t.mu.Unlock()
}

func (t *http2Server) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *http2Server) Drain(debugData string) {
	t.mu.Lock()
	t.drained = true
	t.mu.Unlock()
	t.writeMu.Lock()
	t.framer.WriteGoAway(0, http2.ErrCodeNo, []byte(debugData))
	t.writeMu.Unlock()
}

func (t *http2Server) Close(err error) error {
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
		s.cancel()
	}
	return t.conn.Close()
}

func (t *http2Server) IncrMsgSent() {}
func (t *http2Server) IncrMsgRecv() {}

func parseRequestHeaderFields(fields []hpack.HeaderField) (md metadata.MD, method string) {
	md = metadata.New(nil)
	for _, f := range fields {
		if !headerFieldValid(f) {
			continue
		}
		switch f.Name {
		case ":path":
			method = f.Value
		case ":method", ":scheme", ":authority", contentTypeHeader, "te":
			// Protocol-level pseudo-headers; not surfaced as metadata.
		default:
			md.Append(f.Name, f.Value)
		}
	}
	return md, method
}
