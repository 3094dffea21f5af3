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

// Package resolver defines the name-resolution contract: a pluggable
// Builder/Resolver producing EquivalentAddressGroups and a service
// configuration, with refresh semantics.
package resolver

import (
	"context"
	"net"
	"strings"

	"github.com/chalvern/grpc-go/codes"
	"github.com/chalvern/grpc-go/status"
)

var m = make(map[string]Builder)

// Register registers the resolver builder b for the scheme b.Scheme().
// Registering with an already-registered scheme overwrites the prior
// entry, matching the encoding/balancer registries' "last one wins"
// convention.
func Register(b Builder) {
	m[strings.ToLower(b.Scheme())] = b
}

// Get returns the resolver builder registered with the given scheme, or
// nil.
func Get(scheme string) Builder {
	if b, ok := m[strings.ToLower(scheme)]; ok {
		return b
	}
	return nil
}

// defaultScheme is the scheme used when a dial target carries none.
var defaultScheme = "passthrough"

// SetDefaultScheme overrides the scheme used to resolve targets with no
// explicit scheme prefix.
func SetDefaultScheme(scheme string) { defaultScheme = scheme }

// GetDefaultScheme returns the current default scheme.
func GetDefaultScheme() string { return defaultScheme }

// Address represents a server the client may connect to.
type Address struct {
	// Addr is the server address, e.g. "127.0.0.1:443".
	Addr string
	// ServerName overrides the virtual host name used for TLS handshake and
	// HTTP/2 authority.
	ServerName string
	// Attributes contains arbitrary data about this address, opaque to
	// gRPC, intended for consumption by the load balancing policy.
	Attributes *Attributes
}

// EquivalentAddressGroup (EAG) is a set of addresses that are considered
// equivalent by the client for the purpose of load-balancing and
// reconnecting; one or more of these are interchangeable for the same
// logical endpoint.
type EquivalentAddressGroup struct {
	Addresses  []Address
	Attributes *Attributes
}

// Attributes is an immutable opaque key/value bag attached to an Address
// or an EquivalentAddressGroup.
type Attributes struct {
	m map[interface{}]interface{}
}

// New returns a new Attributes containing the key/value pair.
func New(key, value interface{}) *Attributes {
	return &Attributes{m: map[interface{}]interface{}{key: value}}
}

// WithValue returns a new Attributes containing the union of a's contents
// and the new key/value pair. a is not modified (copy-on-write).
func (a *Attributes) WithValue(key, value interface{}) *Attributes {
	n := &Attributes{m: make(map[interface{}]interface{}, len(a.Map())+1)}
	for k, v := range a.Map() {
		n.m[k] = v
	}
	n.m[key] = value
	return n
}

// Value returns the value associated with key, or nil.
func (a *Attributes) Value(key interface{}) interface{} {
	if a == nil {
		return nil
	}
	return a.m[key]
}

// Map returns a with its contents as a plain map; nil-safe.
func (a *Attributes) Map() map[interface{}]interface{} {
	if a == nil {
		return nil
	}
	return a.m
}

// Target represents a target for gRPC, as specified in:
// https://github.com/grpc/grpc/blob/master/doc/naming.md, split into
// {Scheme, Authority, Endpoint}.
type Target struct {
	Scheme    string
	Authority string
	Endpoint  string
}

// State contains the current resolver state relevant to the client conn:
// addresses and a service config.
type State struct {
	Addresses     []EquivalentAddressGroup
	ServiceConfig *ServiceConfigState
	Attributes    *Attributes
}

// ServiceConfigState wraps a parsed service config with the raw JSON it
// was parsed from and any parse error, so a debounced identical result can
// still be compared cheaply (by raw JSON string).
type ServiceConfigState struct {
	Raw    string
	Config interface{}
	Err    error
}

// ClientConn is the interface a Resolver uses to report back to gRPC, and
// is implemented by gRPC (resolver_conn_wrapper.go in the root package).
// Users should not implement it themselves.
type ClientConn interface {
	// UpdateState reports a new resolver state.
	UpdateState(State) error
	// ReportError notifies the ClientConn that the Resolver encountered an
	// error; the current state (if any) remains in force.
	ReportError(error)
	// NewAddress is a backward-compatible alternative to UpdateState for
	// resolvers that only produce addresses, no service config.
	NewAddress(addresses []Address)
	// NewServiceConfig is a backward-compatible alternative to UpdateState
	// for resolvers that produce raw service config JSON.
	NewServiceConfig(serviceConfig string)
}

// BuildOptions includes additional information for Build.
type BuildOptions struct {
	DisableServiceConfig bool
}

// Builder creates a resolver that will be used to watch name resolution
// updates.
type Builder interface {
	// Build creates a new resolver for the given target.
	//
	// gRPC dial calls Build synchronously, and fails if the returned error
	// is not nil.
	Build(target Target, cc ClientConn, opts BuildOptions) (Resolver, error)
	// Scheme returns the scheme supported by this resolver, case
	// insensitively.
	Scheme() string
}

// ResolveNowOptions includes additional information for ResolveNow.
type ResolveNowOptions struct{}

// Resolver watches for the updates on the specified target. It is built
// by a Builder and provides updates to the ClientConn it was built with.
type Resolver interface {
	// ResolveNow is called by gRPC to try to resolve the target name again.
	// It's just a hint, resolver can ignore this if it's not necessary.
	ResolveNow(ResolveNowOptions)
	// Close closes the resolver.
	Close()
}

// ProxyDetector chooses, for a given address, whether gRPC should dial
// through a proxy instead of directly.
type ProxyDetector interface {
	// ProxyFor returns the proxied address to use for addr, or addr itself
	// (with ok=false) if no proxy applies.
	ProxyFor(ctx context.Context, addr Address) (proxied Address, ok bool, err error)
}

// TransparentProxyAddress is returned (wrapped in Address.Attributes) when
// a ProxyDetector selects a proxy: the transport dials ProxyAddr and is
// told, at the HTTP/2 CONNECT layer, to tunnel to Destination.
type TransparentProxyAddress struct {
	ProxyAddr   string
	Destination string
	Credentials interface{}
}

// addrAttrKey is the Attributes key package resolver/dns stores a
// TransparentProxyAddress under.
type addrAttrKey struct{}

// WithProxy returns a copy of addr carrying the chosen proxy tuple.
func WithProxy(addr Address, p TransparentProxyAddress) Address {
	addr.Attributes = addr.Attributes.WithValue(addrAttrKey{}, p)
	return addr
}

// ProxyOf returns the TransparentProxyAddress attached to addr, if any.
func ProxyOf(addr Address) (TransparentProxyAddress, bool) {
	v, ok := addr.Attributes.Value(addrAttrKey{}).(TransparentProxyAddress)
	return v, ok
}

// ErrMissingAddr is a sentinel helper resolvers use for a not-found-style
// failure, e.g. the DNS "no such host" case.
func ErrMissingAddr(target Target) error {
	return status.Errorf(codes.Unavailable, "resolver: produced zero addresses for target %q", target.Endpoint)
}

// SplitHostPort is the net.SplitHostPort wrapper DNS-style resolvers use to
// tolerate a target with no explicit port.
func SplitHostPort(hostPort, defaultPort string) (host, port string) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort, defaultPort
	}
	return host, port
}
