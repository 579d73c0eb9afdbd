/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

// Cookie is one RFC 6265 cookie as seen on the wire, either arriving via
// Set-Cookie or about to be sent via Cookie (spec.md's "cookie storage
// ... consumed as a jar interface").
type Cookie struct {
	Name  string
	Value string

	Path    string
	Domain  string
	Expires time.Time
	// MaxAge == 0 means no Max-Age attribute; < 0 means delete now; > 0 is
	// the attribute's value in seconds.
	MaxAge int

	Secure   bool
	HttpOnly bool
}

// CookieJar is the pluggable cookie store the bridge interceptor
// consults before sending a request and updates after reading a
// response's Set-Cookie headers (spec.md §4.11 "bridge ... adds default
// headers, cookies, gzip accept-encoding").
type CookieJar interface {
	Cookies(u *hurl.URL) []Cookie
	SetCookies(u *hurl.URL, cookies []Cookie)
}

// MemoryCookieJar is the default CookieJar: an in-process, RFC
// 6265-style store, grounded on the teacher's cli.cookieJar/cookieEntry
// (domain-match/path-match rules) but keyed by hurl.URL instead of
// net/url.URL.
type MemoryCookieJar struct {
	mu      sync.Mutex
	entries map[string]jarEntry
}

// NewMemoryCookieJar returns an empty MemoryCookieJar.
func NewMemoryCookieJar() *MemoryCookieJar {
	return &MemoryCookieJar{entries: map[string]jarEntry{}}
}

type jarEntry struct {
	Cookie
	hostOnly bool
}

func entryID(domain, path, name string) string { return domain + ";" + path + ";" + name }

// SetCookies stores cookies as seen in a response from u, per RFC 6265
// §5.3 (host-only when Domain is absent, deletion when MaxAge<0 or
// Expires is in the past).
func (j *MemoryCookieJar) SetCookies(u *hurl.URL, cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	for _, c := range cookies {
		e := jarEntry{Cookie: c}
		if c.Domain == "" {
			e.Domain = u.Host
			e.hostOnly = true
		} else {
			e.Domain = strings.TrimPrefix(c.Domain, ".")
		}
		if e.Path == "" {
			e.Path = defaultCookiePath(u.Path)
		}
		id := entryID(e.Domain, e.Path, e.Name)
		if c.MaxAge < 0 || (!c.Expires.IsZero() && c.Expires.Before(now)) {
			delete(j.entries, id)
			continue
		}
		j.entries[id] = e
	}
}

// Cookies returns the cookies that qualify to be sent to u, per RFC 6265
// §5.4 (domain-match, path-match, Secure-only over HTTPS).
func (j *MemoryCookieJar) Cookies(u *hurl.URL) []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	var out []Cookie
	for id, e := range j.entries {
		if !e.Expires.IsZero() && e.Expires.Before(now) {
			delete(j.entries, id)
			continue
		}
		if !e.shouldSend(u.IsHTTPS(), u.Host, u.Path) {
			continue
		}
		out = append(out, e.Cookie)
	}
	return out
}

// shouldSend determines whether e qualifies to be included in a request
// to host/path, mirroring the teacher's cookieEntry.shouldSend.
func (e *jarEntry) shouldSend(https bool, host, path string) bool {
	return e.domainMatch(host) && e.pathMatch(path) && (https || !e.Secure)
}

func (e *jarEntry) domainMatch(host string) bool {
	if e.Domain == host {
		return true
	}
	return !e.hostOnly && hasDotSuffix(host, e.Domain)
}

func (e *jarEntry) pathMatch(requestPath string) bool {
	if requestPath == e.Path {
		return true
	}
	le := len(e.Path)
	if len(requestPath) >= le && requestPath[:le] == e.Path {
		if e.Path[len(e.Path)-1] == '/' {
			return true
		}
		if requestPath[le] == '/' {
			return true
		}
	}
	return false
}

// hasDotSuffix reports whether s ends in "."+suffix.
func hasDotSuffix(s, suffix string) bool {
	return len(s) > len(suffix) && s[len(s)-len(suffix)-1] == '.' && s[len(s)-len(suffix):] == suffix
}

// defaultCookiePath implements RFC 6265 §5.1.4's default-path algorithm.
func defaultCookiePath(requestPath string) string {
	i := strings.LastIndex(requestPath, "/")
	if i <= 0 {
		return "/"
	}
	return requestPath[:i]
}

// ParseSetCookies extracts every well-formed Set-Cookie value from h.
func ParseSetCookies(h headers.Headers) []Cookie {
	var out []Cookie
	for _, raw := range h.Values("Set-Cookie") {
		if c, ok := parseSetCookie(raw); ok {
			out = append(out, c)
		}
	}
	return out
}

func parseSetCookie(raw string) (Cookie, bool) {
	parts := strings.Split(raw, ";")
	kv := strings.SplitN(strings.TrimSpace(parts[0]), "=", 2)
	if len(kv) != 2 {
		return Cookie{}, false
	}
	name := strings.TrimSpace(kv[0])
	if !isCookieToken(name) {
		return Cookie{}, false
	}
	c := Cookie{Name: name, Value: strings.Trim(strings.TrimSpace(kv[1]), `"`)}

	for _, attr := range parts[1:] {
		attr = strings.TrimSpace(attr)
		if attr == "" {
			continue
		}
		akv := strings.SplitN(attr, "=", 2)
		key := strings.ToLower(strings.TrimSpace(akv[0]))
		val := ""
		if len(akv) == 2 {
			val = strings.TrimSpace(akv[1])
		}
		switch key {
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "domain":
			c.Domain = val
		case "path":
			c.Path = val
		case "max-age":
			if n, err := strconv.Atoi(val); err == nil {
				c.MaxAge = n
			}
		case "expires":
			if t, err := time.Parse(time.RFC1123, val); err == nil {
				c.Expires = t
			} else if t, err := time.Parse("Mon, 02-Jan-2006 15:04:05 MST", val); err == nil {
				c.Expires = t
			}
		}
	}
	return c, true
}

func isCookieToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b <= ' ' || b >= 0x7f || strings.IndexByte("()<>@,;:\\\"/[]?={}", b) >= 0 {
			return false
		}
	}
	return true
}

func requestCookieHeader(cookies []Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
