/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package routeplan implements the route planner (spec.md §4.1, C2):
// proxy selection, DNS resolution, and the proxy × resolved-address
// cross product, skipping routes already recorded as failed for this
// call. Grounded on the teacher's src/http/transport.go connect-method
// selection (connectMethodForRequest), generalized from a single dial
// attempt into a full iterator with failover bookkeeping.
package routeplan

import (
	"context"
	"fmt"
	"net"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/hurl"
)

// ErrNoAddresses is returned when DNS resolves to zero addresses
// (spec.md §4.1 step 2: "DNS must return ≥1 address or fail the route
// with no-addresses").
var ErrNoAddresses = fmt.Errorf("routeplan: no addresses")

// Database records routes that have failed within one call, per
// spec.md §4.1 "Failover rule" and the Route GLOSSARY entry's scoping
// ("within this call").
type Database struct {
	failed map[string]bool
}

func NewDatabase() *Database { return &Database{failed: map[string]bool{}} }

func key(proxy addr.Proxy, ip string, port int) string {
	return fmt.Sprintf("%d|%s|%s|%d", proxy.Type, proxy.Host, ip, port)
}

// Failed records that a route could not be connected.
func (d *Database) Failed(r *addr.Route) {
	d.failed[key(r.Proxy, r.IP.String(), r.Port)] = true
}

func (d *Database) isFailed(r *addr.Route) bool {
	return d.failed[key(r.Proxy, r.IP.String(), r.Port)]
}

// Planner produces the ordered candidate routes for one call's attempts.
type Planner struct {
	Address  *addr.Address
	URL      *hurl.URL
	Database *Database
	Listener event.Listener
	CallInfo event.CallInfo
}

// Plan resolves proxies and DNS and returns the cross product of
// candidate routes not already marked failed, per spec.md §4.1.
func (p *Planner) Plan(ctx context.Context) ([]*addr.Route, error) {
	proxies, err := p.selectProxies()
	if err != nil {
		return nil, err
	}

	var routes []*addr.Route
	for _, proxy := range proxies {
		// dnsHost/connectPort: what gets resolved and dialed.
		// requiresTunnel: whether an HTTPS target needs a CONNECT tunnel
		// through this proxy (spec.md §4.1 step 2).
		dnsHost, connectPort, requiresTunnel := p.Address.Host, p.Address.Port, false

		switch proxy.Type {
		case addr.HTTPProxy:
			dnsHost, connectPort = proxy.Host, proxy.Port
			requiresTunnel = p.URL.IsHTTPS()
		case addr.SOCKS5Proxy:
			dnsHost, connectPort = proxy.Host, proxy.Port
		}

		ips, err := p.resolve(ctx, dnsHost)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			route := &addr.Route{
				Address:        p.Address,
				Proxy:          proxy,
				IP:             ip,
				Port:           connectPort,
				RequiresTunnel: requiresTunnel,
			}
			if p.Database.isFailed(route) {
				continue
			}
			routes = append(routes, route)
		}
	}
	return routes, nil
}

func (p *Planner) selectProxies() ([]addr.Proxy, error) {
	call(p.Listener.ProxySelectStart, p.CallInfo, p.URL.String())
	var proxies []addr.Proxy
	if p.Address.Proxy != nil {
		proxies = []addr.Proxy{*p.Address.Proxy}
	} else if p.Address.ProxySelector != nil {
		proxies = p.Address.ProxySelector.Select(p.URL)
	}
	if len(proxies) == 0 {
		proxies = []addr.Proxy{{Type: addr.Direct}}
	}
	names := make([]string, len(proxies))
	for i, pr := range proxies {
		names[i] = proxyName(pr)
	}
	call2(p.Listener.ProxySelectEnd, p.CallInfo, names)
	return proxies, nil
}

func proxyName(p addr.Proxy) string {
	if p.IsDirect() {
		return "DIRECT"
	}
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p *Planner) resolve(ctx context.Context, host string) ([]net.IP, error) {
	call(p.Listener.DNSStart, p.CallInfo, host)
	if p.Address.DNS == nil {
		return nil, fmt.Errorf("routeplan: no DNS resolver configured")
	}
	ips, err := p.Address.DNS.LookupHost(ctx, host)
	call3(p.Listener.DNSEnd, p.CallInfo, toNetIPAddr(ips), err)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ErrNoAddresses
	}
	return ips, nil
}

func call(fn func(event.CallInfo, string), i event.CallInfo, s string) {
	if fn != nil {
		fn(i, s)
	}
}

func call2(fn func(event.CallInfo, []string), i event.CallInfo, s []string) {
	if fn != nil {
		fn(i, s)
	}
}

func call3(fn func(event.CallInfo, []net.IPAddr, error), i event.CallInfo, addrs []net.IPAddr, err error) {
	if fn != nil {
		fn(i, addrs, err)
	}
}

func toNetIPAddr(ips []net.IP) []net.IPAddr {
	out := make([]net.IPAddr, len(ips))
	for i, ip := range ips {
		out[i] = net.IPAddr{IP: ip}
	}
	return out
}
