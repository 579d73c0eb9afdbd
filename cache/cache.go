/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/badu/reqengine/headers"
)

// httpDateFormat is RFC 7231 §7.1.1.1's preferred date format, the one
// net/http.TimeFormat also uses — kept as a local constant to avoid
// pulling in net/http just for the layout string.
const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func parseHTTPDate(v string) (int64, error) {
	t, err := time.Parse(httpDateFormat, v)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}

// hopByHop are headers that never survive a cache merge or copy, RFC
// 7230 §6.1.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":           true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"TE":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// conditionalHeaders are the 304-response headers that overwrite the
// stored entry's values on a successful revalidation (spec.md §4.7 "but
// selected response headers from the 304 ... overwrite stored values").
var conditionalHeaders = []string{"ETag", "Cache-Control", "Date", "Expires", "Last-Modified", "Vary", "Content-Location"}

// writableStatuses are the response codes the cache may store, absent an
// overriding Cache-Control directive (spec.md §4.7 "Writable").
var writableStatuses = map[int]bool{
	200: true, 203: true, 204: true, 300: true, 301: true,
	308: true, 404: true, 405: true, 410: true, 414: true, 501: true,
}

// Decision is CacheStrategy's verdict for one candidate request (spec.md
// §4.7): whether to go to the network, serve from cache, or both
// (revalidate).
type Decision struct {
	// NetworkRequestHeaders is the (possibly conditional) header set to
	// send to the network when SendNetworkRequest is true. When
	// SendNetworkRequest is false the network is not used: CachedResponse
	// is served, or OnlyIfCachedFail is set.
	NetworkRequestHeaders headers.Headers
	SendNetworkRequest    bool

	CachedResponse    *Entry
	OnlyIfCachedFail   bool // true means 504, no stored candidate and only-if-cached set
}

// Strategy decides what to do with a request given an optional stored
// Entry, per the RFC 7234 subset in spec.md §4.7.
func Strategy(reqHeaders headers.Headers, onlyIfCached bool, stored *Entry, now int64) Decision {
	if stored == nil {
		if onlyIfCached {
			return Decision{OnlyIfCachedFail: true}
		}
		return Decision{SendNetworkRequest: true, NetworkRequestHeaders: reqHeaders}
	}

	if varyMismatch(stored, reqHeaders) {
		if onlyIfCached {
			return Decision{OnlyIfCachedFail: true}
		}
		return Decision{SendNetworkRequest: true, NetworkRequestHeaders: reqHeaders}
	}

	cc := parseCacheControl(reqHeaders.Get("Cache-Control"))
	if cc.noStore {
		return Decision{SendNetworkRequest: true, NetworkRequestHeaders: reqHeaders}
	}

	age := now - stored.ReceivedAt
	if isFresh(stored, cc, age) && !cc.noCache {
		return Decision{CachedResponse: stored}
	}

	if validator := validatorHeaders(stored); validator.Len() > 0 {
		b := reqHeaders.NewBuilder()
		for i := 0; i < validator.Len(); i++ {
			b.Add(validator.Name(i), validator.Value(i))
		}
		return Decision{SendNetworkRequest: true, NetworkRequestHeaders: b.Build(), CachedResponse: stored}
	}

	return Decision{SendNetworkRequest: true, NetworkRequestHeaders: reqHeaders}
}

func validatorHeaders(e *Entry) headers.Headers {
	b := headers.NewBuilder()
	if v := e.ResponseHeaders.Get("ETag"); v != "" {
		b.Add("If-None-Match", v)
	}
	if v := e.ResponseHeaders.Get("Last-Modified"); v != "" {
		b.Add("If-Modified-Since", v)
	}
	return b.Build()
}

// Merge304 applies spec.md §4.7's "On 304 response" rule: the cached
// entry's status/headers/body survive, except the named conditional
// headers are overwritten from the 304's own headers.
func Merge304(stored Entry, respHeaders headers.Headers, receivedAt int64) Entry {
	merged := stored
	merged.ReceivedAt = receivedAt
	b := stored.ResponseHeaders.NewBuilder()
	for _, name := range conditionalHeaders {
		if v := respHeaders.Get(name); v != "" {
			b.Set(name, v)
		}
	}
	merged.ResponseHeaders = b.Build()
	return merged
}

// CanWrite reports whether a response may be stored, per spec.md §4.7
// "Writable": idempotent safe method, cacheable status (absent an
// overriding directive), and not a response to an authenticated request
// unless explicitly allowed.
func CanWrite(method string, statusCode int, respHeaders headers.Headers, authenticated, allowCacheAuthenticated bool) bool {
	if method != "GET" && method != "HEAD" {
		return false
	}
	if authenticated && !allowCacheAuthenticated {
		cc := parseCacheControl(respHeaders.Get("Cache-Control"))
		if !cc.public && !cc.mustRevalidate {
			return false
		}
	}
	if writableStatuses[statusCode] {
		return true
	}
	cc := parseCacheControl(respHeaders.Get("Cache-Control"))
	return cc.public
}

// StripHopByHop removes headers that must never be copied into a merged
// or cached response (RFC 7230 §6.1).
func StripHopByHop(h headers.Headers) headers.Headers {
	b := h.NewBuilder()
	for name := range hopByHop {
		b.RemoveAll(name)
	}
	return b.Build()
}

func varyMismatch(stored *Entry, reqHeaders headers.Headers) bool {
	varyNames := stored.ResponseHeaders.Values("Vary")
	for _, name := range varyNames {
		for _, field := range strings.Split(name, ",") {
			field = strings.TrimSpace(field)
			if field == "" || field == "*" {
				continue
			}
			if stored.RequestHeaders.Get(field) != reqHeaders.Get(field) {
				return true
			}
		}
	}
	return false
}

type cacheControl struct {
	maxAge         int64
	hasMaxAge      bool
	minFresh       int64
	hasMinFresh    bool
	maxStale       int64
	hasMaxStale    bool
	noCache        bool
	noStore        bool
	mustRevalidate bool
	public         bool
}

func parseCacheControl(v string) cacheControl {
	var cc cacheControl
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch name {
		case "no-cache":
			cc.noCache = true
		case "no-store":
			cc.noStore = true
		case "must-revalidate":
			cc.mustRevalidate = true
		case "public":
			cc.public = true
		case "max-age":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cc.maxAge, cc.hasMaxAge = n, true
			}
		case "min-fresh":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cc.minFresh, cc.hasMinFresh = n, true
			}
		case "max-stale":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				cc.maxStale, cc.hasMaxStale = n, true
			} else {
				cc.maxStale, cc.hasMaxStale = 1<<62, true // bare "max-stale" means "any staleness"
			}
		}
	}
	return cc
}

// isFresh implements the RFC 7234 freshness test spec.md §4.7 calls out:
// explicit max-age/Expires, heuristic via Last-Modified otherwise,
// adjusted by the request's min-fresh/max-stale.
func isFresh(e *Entry, reqCC cacheControl, age int64) bool {
	respCC := parseCacheControl(e.ResponseHeaders.Get("Cache-Control"))
	if respCC.noStore || respCC.mustRevalidate {
		// must-revalidate forbids serving stale even within max-stale.
	}

	var freshnessLifetime int64
	switch {
	case respCC.hasMaxAge:
		freshnessLifetime = respCC.maxAge
	case e.ResponseHeaders.Get("Expires") != "":
		freshnessLifetime = parseExpires(e.ResponseHeaders.Get("Expires"), e.ResponseHeaders.Get("Date"))
	case e.ResponseHeaders.Get("Last-Modified") != "":
		freshnessLifetime = heuristicLifetime(e.ResponseHeaders.Get("Last-Modified"), e.ReceivedAt)
	default:
		return false
	}

	if reqCC.hasMinFresh {
		freshnessLifetime -= reqCC.minFresh
	}
	if reqCC.hasMaxStale && !respCC.mustRevalidate {
		freshnessLifetime += reqCC.maxStale
	}
	return age < freshnessLifetime
}

func parseExpires(expires, date string) int64 {
	e, err1 := parseHTTPDate(expires)
	d, err2 := parseHTTPDate(date)
	if err1 != nil || err2 != nil {
		return 0
	}
	return e - d
}

func heuristicLifetime(lastModified string, receivedAt int64) int64 {
	lm, err := parseHTTPDate(lastModified)
	if err != nil {
		return 0
	}
	age := receivedAt - lm
	if age < 0 {
		return 0
	}
	return age / 10 // RFC 7234 §4.2.2's suggested 10% heuristic
}
