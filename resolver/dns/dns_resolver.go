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

// Package dns implements a DNS resolver: it resolves the host in the
// target's endpoint to a set of addresses and wraps each with the target's
// port (or a default), emitting them as a single EquivalentAddressGroup.
//
// Resolution goes through github.com/miekg/dns directly instead of the
// stdlib resolver, so a truncated UDP reply is retried over TCP and
// "srv:///" targets can be resolved to SRV records, ordered by priority,
// instead of only A/AAAA. Record TTLs and SRV weights are not used.
package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/chalvern/grpc-go/grpclog"
	"github.com/chalvern/grpc-go/resolver"
)

const (
	defaultPort    = "443"
	defaultFreq    = 30 * time.Minute
	golangSchemeV4 = "dns"
	srvScheme      = "srv"
)

func init() {
	resolver.Register(NewBuilder())
}

// NewBuilder returns a resolver.Builder for the "dns" scheme (and, via
// NewSRVBuilder, the "srv" scheme).
func NewBuilder() resolver.Builder {
	return &dnsBuilder{}
}

// NewSRVBuilder returns a resolver.Builder for the "srv" scheme, which
// resolves SRV records instead of plain A/AAAA.
func NewSRVBuilder() resolver.Builder {
	return &dnsBuilder{srv: true}
}

type dnsBuilder struct {
	srv bool
	// ProxyDetector, if set, is consulted for every resolved address.
	ProxyDetector resolver.ProxyDetector
	// Client overrides the default miekg/dns client (for tests).
	Client *dns.Client
	// Servers overrides /etc/resolv.conf-derived nameservers (for tests).
	Servers []string
}

func (b *dnsBuilder) Scheme() string {
	if b.srv {
		return srvScheme
	}
	return golangSchemeV4
}

func (b *dnsBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	host, port := target.Endpoint, ""
	if h, p, err := net.SplitHostPort(target.Endpoint); err == nil {
		host, port = h, p
	}
	if port == "" {
		port = defaultPort
	}

	servers := b.Servers
	if len(servers) == 0 {
		var err error
		servers, err = systemNameservers()
		if err != nil || len(servers) == 0 {
			servers = []string{"127.0.0.1:53"}
		}
	}

	client := b.Client
	if client == nil {
		client = &dns.Client{Timeout: 5 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &dnsResolver{
		host:          host,
		port:          port,
		srv:           b.srv,
		cc:            cc,
		client:        client,
		servers:       servers,
		proxyDetector: b.ProxyDetector,
		ctx:           ctx,
		cancel:        cancel,
		rn:            make(chan struct{}, 1),
		freq:          defaultFreq,
		t:             time.NewTimer(0), // fires at once: watcher resolves on start and again on this tick
	}
	r.wg.Add(1)
	go r.watcher()
	return r, nil
}

// dnsResolver watches for address changes on host/port by periodically
// (and on-demand, via ResolveNow) querying DNS through miekg/dns.
type dnsResolver struct {
	host, port string
	srv        bool
	cc         resolver.ClientConn

	client        *dns.Client
	servers       []string
	proxyDetector resolver.ProxyDetector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rn   chan struct{}
	freq time.Duration
	t    *time.Timer
}

func (r *dnsResolver) ResolveNow(resolver.ResolveNowOptions) {
	select {
	case r.rn <- struct{}{}:
	default:
	}
}

func (r *dnsResolver) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *dnsResolver) watcher() {
	defer r.wg.Done()
	for {
		r.resolve()
		select {
		case <-r.ctx.Done():
			return
		case <-r.t.C:
		case <-r.rn:
			if !r.t.Stop() {
				<-r.t.C
			}
		}
		r.t.Reset(r.freq)
	}
}

func (r *dnsResolver) resolve() {
	var (
		addrs []resolver.Address
		err   error
	)
	if r.srv {
		addrs, err = r.lookupSRV()
	} else {
		addrs, err = r.lookupHost()
	}
	if err != nil {
		grpclog.Warningf("dns: resolution for %q failed: %v", r.host, err)
		r.cc.ReportError(err)
		return
	}
	if len(addrs) == 0 {
		err := fmt.Errorf("dns: no addresses found for %q", r.host)
		r.cc.ReportError(err)
		return
	}
	if r.proxyDetector != nil {
		for i, a := range addrs {
			if p, ok, perr := r.proxyDetector.ProxyFor(r.ctx, a); perr == nil && ok {
				addrs[i] = resolver.WithProxy(a, resolver.TransparentProxyAddress{
					ProxyAddr:   p.Addr,
					Destination: a.Addr,
				})
			}
		}
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.EquivalentAddressGroup{{Addresses: addrs}},
	})
}

func (r *dnsResolver) lookupHost() ([]resolver.Address, error) {
	if ip := net.ParseIP(r.host); ip != nil {
		return []resolver.Address{{Addr: net.JoinHostPort(r.host, r.port)}}, nil
	}
	var addrs []resolver.Address
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(r.host), qtype)
		m.RecursionDesired = true
		reply, _, err := r.exchange(m)
		if err != nil {
			continue
		}
		for _, rr := range reply.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, resolver.Address{Addr: net.JoinHostPort(rec.A.String(), r.port)})
			case *dns.AAAA:
				addrs = append(addrs, resolver.Address{Addr: net.JoinHostPort(rec.AAAA.String(), r.port)})
			}
		}
	}
	if len(addrs) == 0 {
		return nil, resolver.ErrMissingAddr(resolver.Target{Endpoint: r.host})
	}
	return addrs, nil
}

func (r *dnsResolver) lookupSRV() ([]resolver.Address, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(r.host), dns.TypeSRV)
	m.RecursionDesired = true
	reply, _, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	type rec struct {
		target           string
		port             uint16
		priority, weight uint16
	}
	var recs []rec
	for _, rr := range reply.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			recs = append(recs, rec{target: srv.Target, port: srv.Port, priority: srv.Priority, weight: srv.Weight})
		}
	}
	// Lower priority first, matching RFC 2782. Weight is not used, and the
	// order of records with equal priority is not defined.
	sort.Slice(recs, func(i, j int) bool { return recs[i].priority < recs[j].priority })

	var addrs []resolver.Address
	for _, rc := range recs {
		host := rc.target
		ipAddrs, err := r.resolveSRVTarget(host)
		if err != nil {
			continue
		}
		for _, ip := range ipAddrs {
			addrs = append(addrs, resolver.Address{
				Addr:       net.JoinHostPort(ip, strconv.Itoa(int(rc.port))),
				ServerName: host,
			})
		}
	}
	if len(addrs) == 0 {
		return nil, resolver.ErrMissingAddr(resolver.Target{Endpoint: r.host})
	}
	return addrs, nil
}

func (r *dnsResolver) resolveSRVTarget(host string) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	reply, _, err := r.exchange(m)
	if err != nil {
		return nil, err
	}
	var ips []string
	for _, rr := range reply.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}

// exchange tries each configured nameserver in turn until one answers,
// re-querying over TCP if the UDP reply was truncated.
func (r *dnsResolver) exchange(m *dns.Msg) (*dns.Msg, time.Duration, error) {
	var lastErr error
	for _, server := range r.servers {
		reply, rtt, err := r.client.ExchangeContext(r.ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Truncated {
			tcpClient := &dns.Client{Net: "tcp", Timeout: r.client.Timeout}
			if tcpReply, tcpRTT, err2 := tcpClient.ExchangeContext(r.ctx, m, server); err2 == nil {
				return tcpReply, tcpRTT, nil
			}
		}
		return reply, rtt, nil
	}
	return nil, 0, lastErr
}

// systemNameservers reads /etc/resolv.conf for nameserver lines, the same
// file the stdlib resolver consults, since miekg/dns has no implicit
// system-config support of its own.
func systemNameservers() ([]string, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		servers = append(servers, net.JoinHostPort(s, cfg.Port))
	}
	return servers, nil
}
