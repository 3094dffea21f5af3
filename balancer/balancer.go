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

// Package balancer defines APIs for load balancing in gRPC. All APIs in
// this package are experimental.
package balancer

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/chalvern/grpc-go/connectivity"
	"github.com/chalvern/grpc-go/credentials"
	"github.com/chalvern/grpc-go/resolver"
)

var m = make(map[string]Builder)

// Register registers the balancer builder to the balancer map. b.Name()
// (lowercased) is used as the registered name.
func Register(b Builder) {
	m[strings.ToLower(b.Name())] = b
}

// Get returns the balancer builder registered with the given name, case
// insensitively, or nil.
func Get(name string) Builder {
	if b, ok := m[strings.ToLower(name)]; ok {
		return b
	}
	return nil
}

// SubConn represents a gRPC sub connection, i.e. a Subchannel. Each SubConn
// is built from one EquivalentAddressGroup; gRPC tries the
// addresses in it in sequence and stops once one succeeds.
//
// All SubConns start IDLE and will not try to connect until Connect is
// called. This interface is implemented by gRPC; users should not
// implement it themselves.
type SubConn interface {
	// UpdateAddresses updates the addresses used in this SubConn. gRPC
	// checks whether the currently-connected address is still in the new
	// list; if so the connection is kept, otherwise it is gracefully
	// closed and a new one is created. Triggers a state transition.
	UpdateAddresses([]resolver.Address)
	// Connect starts connecting for this SubConn.
	Connect()
	// Shutdown shuts down the SubConn permanently (SHUTDOWN is terminal).
	Shutdown()
}

// NewSubConnOptions contains options to create a new SubConn.
type NewSubConnOptions struct {
	// CredsBundle, if set, overrides the channel-wide transport
	// credentials for connections made to this SubConn's addresses.
	CredsBundle credentials.TransportCredentials
	// StateListener, if set, is called on every connectivity state
	// transition this SubConn makes, in place of
	// Balancer.UpdateSubConnState (the preferred, modern hookup).
	StateListener func(SubConnState)
}

// SubConnState describes the state of a SubConn.
type SubConnState struct {
	ConnectivityState connectivity.State
	// ConnectionError is set when ConnectivityState is TransientFailure,
	// describing the most recent connection error.
	ConnectionError error
}

// ClientConnState is the arguments to UpdateClientConnState: the resolver
// output plus any service-config-derived balancer config.
type ClientConnState struct {
	ResolverState  resolver.State
	BalancerConfig interface{}
}

// ErrBadResolverState may be returned by UpdateClientConnState to indicate
// that the resulting resolver state was unusable (e.g. zero addresses).
var ErrBadResolverState = errors.New("bad resolver state")

// ClientConn represents a gRPC ClientConn from the balancer's point of
// view: the helper surface a balancer uses to create SubConns and publish
// state. This interface is implemented by gRPC; users should not implement
// it themselves.
type ClientConn interface {
	// NewSubConn is called by the balancer to create a new SubConn. It
	// does not block waiting for the connection to be established.
	NewSubConn([]resolver.Address, NewSubConnOptions) (SubConn, error)
	// RemoveSubConn removes and shuts down sc.
	//
	// Deprecated: use SubConn.Shutdown instead.
	RemoveSubConn(SubConn)
	// UpdateAddresses updates the addresses used in sc.
	UpdateAddresses(SubConn, []resolver.Address)

	// UpdateState notifies gRPC that the balancer's internal state has
	// changed, publishing a new Picker. gRPC updates the
	// channel's aggregate connectivity state and reprocesses any buffered
	// streams through the new picker.
	UpdateState(State)

	// ResolveNow asks gRPC to do a name resolution.
	ResolveNow(resolver.ResolveNowOptions)

	// Target returns the dial target for this ClientConn.
	Target() string
}

// BuildOptions contains additional information for Build.
type BuildOptions struct {
	// DialCreds is the transport credentials a balancer may use to dial a
	// remote load-balancer server (e.g. grpclb); ignored if the balancer
	// doesn't need to talk to another party securely.
	DialCreds credentials.TransportCredentials
	// Dialer is the custom dialer a balancer may use for the same purpose.
	Dialer func(context.Context, string) (net.Conn, error)
	// Target is the parsed dial target this balancer instance serves.
	Target resolver.Target
}

// Builder creates a balancer.
type Builder interface {
	// Build creates a new balancer with the ClientConn.
	Build(cc ClientConn, opts BuildOptions) Balancer
	// Name returns the name of balancers built by this builder; used to
	// select balancers, e.g. in service config.
	Name() string
}

// ConfigParser parses a JSON-encoded load-balancing policy config
// (service config's loadBalancingConfig entries) into an opaque
// config value passed back via ClientConnState.BalancerConfig.
type ConfigParser interface {
	ParseConfig(LoadBalancingConfigJSON []byte) (interface{}, error)
}

// PickInfo contains additional information for Pick.
type PickInfo struct {
	FullMethodName string
	Ctx            context.Context
}

// PickResult contains information related to a connection chosen for an
// RPC.
type PickResult struct {
	SubConn SubConn
	// Done is called when the RPC finishes, with the RPC's final status;
	// may be nil if the balancer doesn't care.
	Done func(DoneInfo)
}

// DoneInfo contains additional information for Done.
type DoneInfo struct {
	// Err is the RPC's final error, or nil.
	Err error
	// BytesSent indicates whether any bytes were sent to the server.
	BytesSent bool
	// BytesReceived indicates whether any bytes were received from the
	// server.
	BytesReceived bool
}

var (
	// ErrNoSubConnAvailable indicates no SubConn is available for Pick.
	// gRPC will block the RPC until a new Picker is available via
	// UpdateState.
	ErrNoSubConnAvailable = errors.New("no SubConn is available")
	// ErrTransientFailure indicates all SubConns are in TransientFailure.
	// Wait-for-ready RPCs block; others fail immediately.
	ErrTransientFailure = errors.New("all SubConns are in TransientFailure")
)

// Picker is used by gRPC to pick a SubConn to send an RPC on. Pickers are
// immutable: a LoadBalancer publishes a new one, via ClientConn.UpdateState,
// on every internal state change that could affect routing.
type Picker interface {
	// Pick returns the SubConn to use for this RPC, plus a Done callback.
	//
	// This method is expected to return one of:
	//   - a SubConn known to be READY: gRPC sends the RPC on it (or blocks
	//     for a new Picker if it stops being ready);
	//   - ErrNoSubConnAvailable: progress is being made (e.g. some SubConn
	//     is CONNECTING) but nothing is ready yet, gRPC blocks for a new
	//     Picker;
	//   - ErrTransientFailure: wait-for-ready RPCs block for a new Picker,
	//     others fail with UNAVAILABLE;
	//   - any other non-nil error: the RPC fails with UNAVAILABLE.
	Pick(info PickInfo) (PickResult, error)
}

// State is the aggregated state that a LoadBalancer publishes via
// ClientConn.UpdateState.
type State struct {
	ConnectivityState connectivity.State
	Picker            Picker
}

// Balancer takes input from gRPC (resolver updates, SubConn state
// changes), manages SubConns, and publishes Pickers.
//
// UpdateClientConnState, UpdateSubConnState, ResolverError and Close are
// all guaranteed to be called from the balancer's synchronization context,
// serially; there is no such guarantee on Picker.Pick, which may be called
// concurrently from any call's goroutine at any time.
type Balancer interface {
	// UpdateClientConnState is called by gRPC when the resolver produces
	// new addresses or service config. The balancer may create or remove
	// SubConns in response. Returning a non-nil error (typically
	// ErrBadResolverState) signals gRPC to treat the update as a failure.
	UpdateClientConnState(ClientConnState) error
	// ResolverError is called by gRPC when the resolver reports an error;
	// the balancer may use this to fail fail-fast RPCs if it has no usable
	// SubConns.
	ResolverError(error)
	// UpdateSubConnState is called by gRPC when sc's connectivity state
	// changes. The balancer is expected to aggregate all SubConn states
	// and publish an updated Picker via ClientConn.UpdateState in
	// response.
	//
	// Deprecated: when NewSubConnOptions.StateListener is set for sc, gRPC
	// calls that listener instead.
	UpdateSubConnState(SubConn, SubConnState)
	// Close closes the balancer. The balancer is not required to call
	// ClientConn.RemoveSubConn for its existing SubConns; gRPC shuts them
	// down on its own.
	Close()
}
