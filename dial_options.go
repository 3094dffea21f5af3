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
	"net"
	"time"

	"golang.org/x/net/context"

	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/credentials/insecure"
	"github.com/chalvern/grpc-go/internal/backoff"
	"github.com/chalvern/grpc-go/internal/transport"
	"github.com/chalvern/grpc-go/keepalive"
	"github.com/chalvern/grpc-go/resolver"
	"github.com/chalvern/grpc-go/stats"
)

// UnaryClientInterceptor intercepts the execution of a unary RPC on the
// client; invoker completes the RPC and must be called exactly once by any
// interceptor that doesn't short-circuit the call.
type UnaryClientInterceptor func(ctx context.Context, method string, req, reply interface{}, cc *ClientConn, invoker UnaryInvoker, opts ...CallOption) error

// UnaryInvoker completes a unary RPC after interceptors have run.
type UnaryInvoker func(ctx context.Context, method string, req, reply interface{}, cc *ClientConn, opts ...CallOption) error

// StreamClientInterceptor intercepts the creation of a ClientStream.
// streamer must be called exactly once by any interceptor that doesn't
// short-circuit stream creation.
type StreamClientInterceptor func(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, streamer Streamer, opts ...CallOption) (ClientStream, error)

// Streamer creates a ClientStream after interceptors have run.
type Streamer func(ctx context.Context, desc *StreamDesc, cc *ClientConn, method string, opts ...CallOption) (ClientStream, error)

// dialOptions holds every effect a DialOption has on a ClientConn being
// built; the zero value is never used directly, defaultDialOptions fills in
// the required fields.
type dialOptions struct {
	unaryInt  UnaryClientInterceptor
	streamInt StreamClientInterceptor

	cp Compressor
	dc Decompressor

	callOptions []CallOption

	copts transport.ConnectOptions

	resolverBuilder     resolver.Builder
	balancerBuilderName string

	block                bool
	blockTimeout         time.Duration
	disableRetry         bool
	defaultServiceConfig string

	bs backoff.Strategy

	minConnectTimeout func() time.Duration
}

func defaultDialOptions() dialOptions {
	return dialOptions{
		bs: backoff.Exponential{Config: backoff.DefaultConfig},
		copts: transport.ConnectOptions{
			TransportCredentials: insecure.NewCredentials(),
		},
		minConnectTimeout: func() time.Duration { return 20 * time.Second },
	}
}

// DialOption configures how Dial sets up a ClientConn.
type DialOption interface {
	apply(*dialOptions)
}

type funcDialOption func(*dialOptions)

func (f funcDialOption) apply(o *dialOptions) { f(o) }

// WithTransportCredentials returns a DialOption that sets the channel's
// transport security; if not set, channels dial insecurely.
func WithTransportCredentials(creds credentials.TransportCredentials) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.TransportCredentials = creds })
}

// WithInsecure returns a DialOption disabling transport security for this
// ClientConn; it is equivalent to passing insecure.NewCredentials() to
// WithTransportCredentials.
//
// Deprecated: use WithTransportCredentials(insecure.NewCredentials()).
func WithInsecure() DialOption {
	return WithTransportCredentials(insecure.NewCredentials())
}

// WithAuthority returns a DialOption that sets the :authority/TLS server
// name pseudo-header used for every RPC on this channel, overriding the
// value otherwise derived from the dial target.
func WithAuthority(authority string) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.Authority = authority })
}

// WithUserAgent returns a DialOption that appends ua to the user-agent
// header sent with every RPC.
func WithUserAgent(ua string) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.UserAgent = ua })
}

// WithContextDialer returns a DialOption that overrides the function used
// to dial the raw network connection to each address.
func WithContextDialer(f func(context.Context, string) (net.Conn, error)) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.Dialer = f })
}

// WithKeepaliveParams returns a DialOption that configures client-side
// keepalive pings.
func WithKeepaliveParams(kp keepalive.ClientParameters) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.KeepaliveParams = kp })
}

// WithStatsHandler returns a DialOption that sets the per-RPC stats
// observer for every call made on this channel.
func WithStatsHandler(h stats.Handler) DialOption {
	return funcDialOption(func(o *dialOptions) { o.copts.StatsHandler = h })
}

// WithDefaultCallOptions returns a DialOption that sets CallOptions applied
// to every call made on this ClientConn, before any per-call options.
func WithDefaultCallOptions(cos ...CallOption) DialOption {
	return funcDialOption(func(o *dialOptions) { o.callOptions = append(o.callOptions, cos...) })
}

// WithCompressor returns a DialOption that sets a legacy Compressor to use
// for all outgoing messages, absent a per-call UseCompressor override.
func WithCompressor(cp Compressor) DialOption {
	return funcDialOption(func(o *dialOptions) { o.cp = cp })
}

// WithDecompressor returns a DialOption that sets a legacy Decompressor
// used regardless of the incoming message's declared grpc-encoding.
func WithDecompressor(dc Decompressor) DialOption {
	return funcDialOption(func(o *dialOptions) { o.dc = dc })
}

// WithUnaryInterceptor returns a DialOption that sets the interceptor for
// unary RPCs made on this ClientConn.
func WithUnaryInterceptor(f UnaryClientInterceptor) DialOption {
	return funcDialOption(func(o *dialOptions) { o.unaryInt = f })
}

// WithStreamInterceptor returns a DialOption that sets the interceptor for
// streaming RPCs made on this ClientConn.
func WithStreamInterceptor(f StreamClientInterceptor) DialOption {
	return funcDialOption(func(o *dialOptions) { o.streamInt = f })
}

// WithResolvers returns a DialOption that makes b the resolver for this
// ClientConn only, used in place of the global registry whatever the dial
// target's scheme is.
func WithResolvers(b resolver.Builder) DialOption {
	return funcDialOption(func(o *dialOptions) { o.resolverBuilder = b })
}

// WithBalancerName returns a DialOption that forces use of the named
// balancer, regardless of what the service config requests.
func WithBalancerName(name string) DialOption {
	return funcDialOption(func(o *dialOptions) { o.balancerBuilderName = name })
}

// WithDefaultServiceConfig returns a DialOption that sets the JSON service
// config used when the name resolver provides none.
func WithDefaultServiceConfig(s string) DialOption {
	return funcDialOption(func(o *dialOptions) { o.defaultServiceConfig = s })
}

// WithDisableRetry returns a DialOption that disables transparent retries
// of RPCs that the transport guarantees the server never processed.
func WithDisableRetry() DialOption {
	return funcDialOption(func(o *dialOptions) { o.disableRetry = true })
}

// WithBlock returns a DialOption that makes DialContext block until the
// underlying connection is ready (READY) or ctx expires, instead of the
// default of returning immediately and connecting in the background.
func WithBlock() DialOption {
	return funcDialOption(func(o *dialOptions) { o.block = true })
}

// WithConnectParams returns a DialOption that overrides the backoff
// strategy a subchannel uses between connection attempts.
func WithConnectParams(bs backoff.Strategy) DialOption {
	return funcDialOption(func(o *dialOptions) { o.bs = bs })
}
