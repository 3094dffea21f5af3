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
	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/keepalive"
	"github.com/chalvern/grpc-go/stats"
)

const (
	defaultServerMaxReceiveMessageSize = 1024 * 1024 * 4
	defaultServerMaxSendMessageSize    = 1024 * 1024 * 4
)

// UnaryServerInfo carries metadata about a unary RPC, passed to a
// UnaryServerInterceptor.
type UnaryServerInfo struct {
	Server     interface{}
	FullMethod string
}

// UnaryHandler completes a unary RPC after interceptors have run.
type UnaryHandler func(ctx context.Context, req interface{}) (interface{}, error)

// UnaryServerInterceptor intercepts the execution of a unary RPC on the
// server; handler completes the RPC and must be called exactly once by any
// interceptor that doesn't short-circuit it.
type UnaryServerInterceptor func(ctx context.Context, req interface{}, info *UnaryServerInfo, handler UnaryHandler) (interface{}, error)

// StreamServerInfo carries metadata about a streaming RPC, passed to a
// StreamServerInterceptor.
type StreamServerInfo struct {
	FullMethod     string
	IsClientStream bool
	IsServerStream bool
}

// StreamServerInterceptor intercepts the execution of a streaming RPC on
// the server; handler completes the RPC and must be called exactly once by
// any interceptor that doesn't short-circuit it.
type StreamServerInterceptor func(srv interface{}, ss ServerStream, info *StreamServerInfo, handler StreamHandler) error

// serverOptions holds every effect a ServerOption has on a Server being
// built; the zero value is never used directly, defaultServerOptions
// fills in the required fields.
type serverOptions struct {
	creds                 credentials.TransportCredentials
	unaryInt              UnaryServerInterceptor
	streamInt             StreamServerInterceptor
	cp                    Compressor
	dc                    Decompressor
	statsHandler          stats.Handler
	maxConcurrentStreams  uint32
	maxReceiveMessageSize int
	maxSendMessageSize    int
	keepaliveParams       keepalive.ServerParameters
	keepalivePolicy       keepalive.EnforcementPolicy
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		maxReceiveMessageSize: defaultServerMaxReceiveMessageSize,
		maxSendMessageSize:    defaultServerMaxSendMessageSize,
	}
}

// ServerOption configures how NewServer sets up a Server.
type ServerOption interface {
	apply(*serverOptions)
}

type funcServerOption func(*serverOptions)

func (f funcServerOption) apply(o *serverOptions) { f(o) }

// Creds returns a ServerOption that records c in the server's options. The
// Server never calls c.ServerHandshake: accepted connections are served
// without transport security whether or not Creds is set.
func Creds(c credentials.TransportCredentials) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.creds = c })
}

// UnaryInterceptor returns a ServerOption that sets the interceptor for
// unary RPCs served by this Server.
func UnaryInterceptor(i UnaryServerInterceptor) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.unaryInt = i })
}

// StreamInterceptor returns a ServerOption that sets the interceptor for
// streaming RPCs served by this Server.
func StreamInterceptor(i StreamServerInterceptor) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.streamInt = i })
}

// CustomCodecCompressor returns a ServerOption that sets a legacy
// Compressor/Decompressor pair used regardless of any per-call override.
func CustomCodecCompressor(cp Compressor, dc Decompressor) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.cp = cp; o.dc = dc })
}

// StatsHandlerServerOption returns a ServerOption that sets the per-RPC
// stats observer for this Server. Only streaming RPCs report to it, and
// only their InPayload/OutPayload events; unary RPCs are not reported, and
// TagRPC is never called and no Begin or End event is sent.
func StatsHandlerServerOption(h stats.Handler) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.statsHandler = h })
}

// MaxConcurrentStreams returns a ServerOption that sets the maximum number
// of concurrent streams the server accepts per client connection.
func MaxConcurrentStreams(n uint32) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.maxConcurrentStreams = n })
}

// MaxRecvMsgSize returns a ServerOption that sets the maximum message size
// in bytes the server will accept; larger messages are rejected with
// codes.ResourceExhausted.
func MaxRecvMsgSize(s int) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.maxReceiveMessageSize = s })
}

// MaxSendMsgSize returns a ServerOption that sets the maximum message size
// in bytes the server will send.
func MaxSendMsgSize(s int) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.maxSendMessageSize = s })
}

// KeepaliveParams returns a ServerOption that configures keepalive and
// max-age enforcement for connections accepted by this Server.
func KeepaliveParams(kp keepalive.ServerParameters) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.keepaliveParams = kp })
}

// KeepaliveEnforcementPolicy returns a ServerOption that configures how
// strictly the Server enforces a minimum interval between client keepalive
// pings.
func KeepaliveEnforcementPolicy(ep keepalive.EnforcementPolicy) ServerOption {
	return funcServerOption(func(o *serverOptions) { o.keepalivePolicy = ep })
}

func (o *serverOptions) transportConfig() transport.ServerConfig {
	return transport.ServerConfig{
		MaxConcurrentStreams: o.maxConcurrentStreams,
		KeepaliveParams:      o.keepaliveParams,
		KeepalivePolicy:      o.keepalivePolicy,
	}
}
