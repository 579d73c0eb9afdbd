/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package hurl implements the canonical URL model from spec.md §3: scheme
// restricted to http/https, lowercased IDN-mapped host, defaulted port,
// "/"-leading path, ordered query name/value pairs, and a fragment that is
// parsed but never sent on the wire.
package hurl

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Scheme is one of the two schemes this package accepts.
type Scheme string

const (
	HTTP  Scheme = "http"
	HTTPS Scheme = "https"
)

// Query is one ordered name/value pair; Present is false when the "="
// was absent ("?flag" vs "?flag=").
type Query struct {
	Name    string
	Value   string
	Present bool
}

// URL is the canonical, immutable URL value used throughout the engine.
// Two URLs with equal Scheme/Host/Port/Path/Query compare equal for
// request-identity purposes (cache keys, address pooling); Fragment never
// affects equality or the wire form.
type URL struct {
	Scheme   Scheme
	Host     string // always lowercased, IDN-mapped
	Port     int    // 1-65535
	Path     string // always "/"-leading
	Query    []Query
	Fragment string
}

// DefaultPort returns the scheme's default port.
func DefaultPort(s Scheme) int {
	if s == HTTPS {
		return 443
	}
	return 80
}

// IsHTTPS reports whether u uses TLS.
func (u *URL) IsHTTPS() bool { return u.Scheme == HTTPS }

// Parse parses raw per the grammar in spec.md §6: scheme must be http or
// https (case-insensitively), surrounding ASCII whitespace is trimmed,
// other schemes are rejected, the host is lowercased and IDN-mapped, and
// reserved characters are percent-decoded in path/query for storage and
// re-encoded by String.
func Parse(raw string) (*URL, error) {
	raw = strings.Trim(raw, " \t\r\n")
	schemeSep := strings.Index(raw, "://")
	if schemeSep < 0 {
		return nil, fmt.Errorf("hurl: missing scheme in %q", raw)
	}
	scheme := Scheme(strings.ToLower(raw[:schemeSep]))
	if scheme != HTTP && scheme != HTTPS {
		return nil, fmt.Errorf("hurl: unsupported scheme %q", scheme)
	}
	rest := raw[schemeSep+3:]

	fragment := ""
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		fragment = rest[i+1:]
		rest = rest[:i]
	}

	rawQuery := ""
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rawQuery = rest[i+1:]
		rest = rest[:i]
	}

	hostPort := rest
	path := "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPort = rest[:i]
		path = rest[i:]
	}
	if hostPort == "" {
		return nil, fmt.Errorf("hurl: missing host in %q", raw)
	}

	host, port, err := splitHostPort(hostPort, scheme)
	if err != nil {
		return nil, err
	}
	host, err = canonHost(host)
	if err != nil {
		return nil, err
	}

	decodedPath, err := pathUnescape(path)
	if err != nil {
		return nil, err
	}

	return &URL{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Path:     decodedPath,
		Query:    parseQuery(rawQuery),
		Fragment: fragment,
	}, nil
}

func splitHostPort(hostPort string, scheme Scheme) (string, int, error) {
	if i := strings.LastIndexByte(hostPort, ':'); i >= 0 && !strings.Contains(hostPort[i:], "]") {
		port, err := strconv.Atoi(hostPort[i+1:])
		if err != nil || port < 1 || port > 65535 {
			return "", 0, fmt.Errorf("hurl: invalid port in %q", hostPort)
		}
		return hostPort[:i], port, nil
	}
	return hostPort, DefaultPort(scheme), nil
}

// canonHost lowercases and IDN-maps a host. ASCII hosts are lowercased
// without invoking idna (cheaper, and idna.Lookup rejects some valid ASCII
// hosts like "localhost" variants with underscores used in test fixtures).
func canonHost(host string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("hurl: empty host")
	}
	if isASCII(host) {
		return strings.ToLower(host), nil
	}
	mapped, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("hurl: invalid IDN host %q: %w", host, err)
	}
	return strings.ToLower(mapped), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func parseQuery(raw string) []Query {
	if raw == "" {
		return nil
	}
	var out []Query
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		name, value, present := pair, "", false
		if i := strings.IndexByte(pair, '='); i >= 0 {
			name, value, present = pair[:i], pair[i+1:], true
		}
		n, _ := queryUnescape(name)
		v, _ := queryUnescape(value)
		out = append(out, Query{Name: n, Value: v, Present: present})
	}
	return out
}

// String renders u back to wire form; Parse(u.String()) == u for every URL
// hurl produces (spec.md §8 round-trip property).
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(string(u.Scheme))
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port != DefaultPort(u.Scheme) {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}
	b.WriteString(pathEscape(u.Path))
	if len(u.Query) > 0 {
		b.WriteByte('?')
		for i, q := range u.Query {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(queryEscape(q.Name))
			if q.Present {
				b.WriteByte('=')
				b.WriteString(queryEscape(q.Value))
			}
		}
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(queryEscape(u.Fragment))
	}
	return b.String()
}

// RequestTarget renders the request-target sent on the wire by HTTP/1
// (path + query, no scheme/host/fragment), per spec.md §4.3.
func (u *URL) RequestTarget() string {
	s := pathEscape(u.Path)
	if len(u.Query) == 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	b.WriteByte('?')
	for i, q := range u.Query {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(queryEscape(q.Name))
		if q.Present {
			b.WriteByte('=')
			b.WriteString(queryEscape(q.Value))
		}
	}
	return b.String()
}

// HostHeader renders the Host header value: host, plus ":port" only when
// port differs from the scheme default.
func (u *URL) HostHeader() string {
	if u.Port == DefaultPort(u.Scheme) {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// Equal reports request-identity equality: same scheme/host/port/path/
// query, ignoring fragment (per spec.md §3, "fragment never sent").
func (u *URL) Equal(o *URL) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.Scheme != o.Scheme || u.Host != o.Host || u.Port != o.Port || u.Path != o.Path {
		return false
	}
	if len(u.Query) != len(o.Query) {
		return false
	}
	for i := range u.Query {
		if u.Query[i] != o.Query[i] {
			return false
		}
	}
	return true
}

// Resolve resolves ref against u, used when following a Location header
// (spec.md §4.8). It handles two forms: a ref containing "://" is parsed
// as an absolute URL, and a ref starting with "/" replaces u's path,
// query and fragment. Any other ref, such as a relative path or a
// query-only or fragment-only reference, returns an error.
func (u *URL) Resolve(ref string) (*URL, error) {
	if strings.Contains(ref, "://") {
		return Parse(ref)
	}
	if strings.HasPrefix(ref, "/") {
		cp := *u
		rest := ref
		fragment := ""
		if i := strings.IndexByte(rest, '#'); i >= 0 {
			fragment, rest = rest[i+1:], rest[:i]
		}
		rawQuery := ""
		if i := strings.IndexByte(rest, '?'); i >= 0 {
			rawQuery, rest = rest[i+1:], rest[:i]
		}
		decoded, err := pathUnescape(rest)
		if err != nil {
			return nil, err
		}
		cp.Path = decoded
		cp.Query = parseQuery(rawQuery)
		cp.Fragment = fragment
		return &cp, nil
	}
	return nil, fmt.Errorf("hurl: relative reference %q not supported", ref)
}
