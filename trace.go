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
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/trace"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/stats"
	"github.com/chalvern/grpc-go/status"
)

// EnableTracing controls whether RPCs are recorded via golang.org/x/net/trace.
// Must be set before any RPCs are sent or received, as it is read without
// synchronization on the hot path.
var EnableTracing = true

// traceInfo carries the golang.org/x/net/trace handle for one RPC attempt
// and the one-line summary logged when the attempt starts.
type traceInfo struct {
	tr        trace.Trace
	firstLine firstLine
}

// firstLine is lazily stringified into the trace the first time it is
// rendered, so building it costs nothing when tracing is disabled.
type firstLine struct {
	client   bool
	deadline time.Duration
}

func (f *firstLine) String() string {
	var line []string
	if f.client {
		line = append(line, "Client")
	} else {
		line = append(line, "Server")
	}
	if f.deadline != 0 {
		line = append(line, fmt.Sprintf("deadline:%v", f.deadline))
	}
	return strings.Join(line, " ")
}

// payload is logged via Trace.LazyLog for every message sent or received.
type payload struct {
	sent bool
	msg  interface{}
}

func (p *payload) String() string {
	if p.sent {
		return fmt.Sprintf("sent: %v", p.msg)
	}
	return fmt.Sprintf("recv: %v", p.msg)
}

// fmtStringer adapts a Sprintf call to the fmt.Stringer that
// golang.org/x/net/trace.LazyLog expects.
type fmtStringer struct {
	format string
	a      []interface{}
}

func (f *fmtStringer) String() string {
	return fmt.Sprintf(f.format, f.a...)
}

// methodFamily returns the trace family for full method name m, e.g.
// "/mypkg.MyService/Method" -> "MyService".
func methodFamily(m string) string {
	m = strings.TrimPrefix(m, "/")
	if i := strings.Index(m, "/"); i >= 0 {
		m = m[:i]
	}
	if i := strings.LastIndex(m, "."); i >= 0 {
		m = m[i+1:]
	}
	return m
}

// rpcInfoContextKey is the context key under which newContextWithRPCInfo
// stores the current attempt's fail-fast mode; rpcInfoFromContext reads it
// back.
type rpcInfoContextKey struct{}

type rpcInfo struct {
	failFast bool
}

func newContextWithRPCInfo(ctx context.Context, failFast bool) context.Context {
	return context.WithValue(ctx, rpcInfoContextKey{}, &rpcInfo{failFast: failFast})
}

func rpcInfoFromContext(ctx context.Context) (*rpcInfo, bool) {
	r, ok := ctx.Value(rpcInfoContextKey{}).(*rpcInfo)
	return r, ok
}

// serverStreamContextKey is the context key a server handler's ctx carries
// the inbound *transport.Stream under, recovered by Method.
type serverStreamContextKey struct{}

// newContextWithStream attaches s to ctx so Method can recover the full
// method name from a running service handler's context.
func newContextWithStream(ctx context.Context, s *transport.Stream) context.Context {
	return context.WithValue(ctx, serverStreamContextKey{}, s)
}

// Method returns the full method name ("/service/method") of the RPC being
// served by ctx, if ctx came from a server handler.
func Method(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(serverStreamContextKey{}).(*transport.Stream)
	if !ok {
		return "", false
	}
	return s.Method(), true
}

// ErrClientConnClosing indicates that the operation is illegal because the
// ClientConn is closing. Pending picks fail with it once ClientConn.Close
// is called, and open client streams are finished with it.
var ErrClientConnClosing = status.Error(codes.Canceled, "grpc: the client connection is closing")

// outPayload builds the stats.OutPayload recorded right after a message is
// handed to the transport: data is the marshaled (uncompressed) message,
// payload is the message body written after the 5-byte length prefix
// (compressed if compression was used). WireLength is len(payload), so
// the prefix is not counted.
func outPayload(client bool, msg interface{}, data, payload []byte, t time.Time) *stats.OutPayload {
	return &stats.OutPayload{
		Client:     client,
		Payload:    msg,
		Data:       data,
		WireLength: len(payload),
		SentTime:   t,
	}
}
