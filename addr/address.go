/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package addr defines Address and Route, the connection-pooling identity
// and per-attempt triple from spec.md §3: "Two addresses are pool-
// equivalent iff all fields compare equal" — including the pluggable
// collaborators (DNS, dialer, proxy selector, authenticators), so two
// independently constructed clients with equivalent configuration still
// share a pool.
package addr

import (
	"context"
	"crypto/tls"
	"net"
	"reflect"
	"strconv"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
	"github.com/badu/reqengine/tlsspec"
)

// Dns resolves a hostname to a set of addresses. The default
// implementation wraps net.DefaultResolver; tests and callers needing
// deterministic resolution supply their own.
type Dns interface {
	LookupHost(ctx context.Context, host string) ([]net.IP, error)
}

// Dialer opens the raw (pre-TLS) transport-layer connection for a route.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ProxyType enumerates the proxy kinds a ProxySelector may return.
type ProxyType int

const (
	Direct ProxyType = iota
	HTTPProxy
	SOCKS5Proxy
)

// Proxy is one proxy selection, or Direct (no proxy).
type Proxy struct {
	Type ProxyType
	Host string
	Port int
}

func (p Proxy) IsDirect() bool { return p.Type == Direct }

// ProxySelector chooses an ordered list of proxies to attempt for a
// target URL, per spec.md §4.1 step 1.
type ProxySelector interface {
	Select(u *hurl.URL) []Proxy
}

// AuthResult is what an Authenticator returns when it can satisfy a
// challenge: the header to add to the retried request.
type AuthResult struct {
	Header string
	Value  string
}

// Authenticator responds to a 401/407 challenge (spec.md §4.8). It is
// called at most once per challenge per call by internal/followup.
type Authenticator interface {
	Authenticate(route *Route, responseCode int, responseHeaders headers.Headers) (*AuthResult, error)
}

// Address is the connection-pooling identity: two Addresses are
// pool-equivalent iff every field below compares equal (spec.md §3, §4.2).
type Address struct {
	Host string
	Port int

	DNS    Dns
	Dialer Dialer

	TLSConfig       *tls.Config // nil for cleartext (http://) addresses
	Pinner          *tlsspec.Pinner
	ConnectionSpecs []tlsspec.Spec

	Protocols []string // e.g. []string{"h2", "http/1.1"}, ordered by preference

	ProxySelector      ProxySelector
	Proxy              *Proxy // explicit proxy override; nil means "ask ProxySelector"
	Authenticator      Authenticator
	ProxyAuthenticator Authenticator
}

// IsHTTPS reports whether this address requires TLS.
func (a *Address) IsHTTPS() bool { return a.TLSConfig != nil }

// Equal implements the pooling-identity comparison from spec.md §4.2's
// invariant: "this requires value equality down through dns,
// socket_factory, proxy_selector, connection_specs, protocols, and all
// authenticators."
func (a *Address) Equal(b *Address) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if a.Host != b.Host || a.Port != b.Port {
		return false
	}
	if a.DNS != b.DNS || a.Dialer != b.Dialer {
		return false
	}
	if a.Authenticator != b.Authenticator || a.ProxyAuthenticator != b.ProxyAuthenticator {
		return false
	}
	if a.ProxySelector != b.ProxySelector {
		return false
	}
	if !proxyPtrEqual(a.Proxy, b.Proxy) {
		return false
	}
	if !reflect.DeepEqual(a.ConnectionSpecs, b.ConnectionSpecs) {
		return false
	}
	if !stringsEqual(a.Protocols, b.Protocols) {
		return false
	}
	if (a.TLSConfig == nil) != (b.TLSConfig == nil) {
		return false
	}
	if a.TLSConfig != nil && a.TLSConfig != b.TLSConfig {
		return false
	}
	if a.Pinner != b.Pinner && !reflect.DeepEqual(a.Pinner, b.Pinner) {
		return false
	}
	return true
}

func proxyPtrEqual(a, b *Proxy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Route is one (address, proxy, resolved-address) attempt, per spec.md
// §3/GLOSSARY.
type Route struct {
	Address        *Address
	Proxy          Proxy
	IP             net.IP
	Port           int
	RequiresTunnel bool // true when an HTTP proxy must CONNECT-tunnel to an HTTPS target
}

func (r *Route) SocketAddr() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(r.Port))
}
