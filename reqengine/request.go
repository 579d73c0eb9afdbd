/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package reqengine is the request execution engine: given a Request and
// a Client configuration, it produces a Response while handling
// connection establishment, TLS negotiation, HTTP/1.1 and HTTP/2
// framing, pooling, redirects, authentication, caching, and retry (spec.md
// §1). Grounded on the teacher's src/http/cli (Client/Request/Response
// shape) generalized to the fuller call lifecycle spec.md §3 describes.
package reqengine

import (
	"context"
	"io"

	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

// Body is a request body: an optional known length and a write
// operation, per spec.md §3 "Request ... a write operation that emits
// bytes to a sink."
type Body struct {
	ContentType string
	// Length is the declared length, or -1 if unknown (chunked).
	Length int64
	// OneShot means the body cannot be replayed — a retry/redirect that
	// would need to resend it must instead surface the failure (spec.md
	// GLOSSARY "one_shot").
	OneShot bool
	// IsDuplex means the request body is streamed concurrently with the
	// response being read (spec.md §3 "is_duplex flag").
	IsDuplex bool

	// Open returns a fresh reader over the body bytes. Called once per
	// attempt; a OneShot body's Open must not be called a second time
	// (the engine enforces this by refusing retries/redirects that would
	// require it).
	Open func() (io.Reader, error)
}

// Replayable reports whether this body can be resent on a retry/redirect.
func (b *Body) Replayable() bool {
	return b == nil || (!b.OneShot && b.Open != nil)
}

// Request is an immutable description of one HTTP request (spec.md §3).
// Methods that permit/require bodies follow RFC 7231: GET/HEAD never
// carry one; POST/PUT/PATCH typically do.
type Request struct {
	Method  string
	URL     *hurl.URL
	Headers headers.Headers
	Body    *Body

	// Ctx bounds DNS resolution, connect, and TLS handshake; nil means
	// context.Background(). The full-call timeout (spec.md §5) is
	// expected to be carried as this context's deadline by the caller.
	Ctx context.Context

	// OnlyIfCached, when true, forbids the network entirely; a cache miss
	// surfaces as a 504 (spec.md §4.7).
	OnlyIfCached bool
	// AllowCacheForAuthenticated permits caching a response to a request
	// that carried an Authorization header (spec.md §4.7 "never for
	// responses to authenticated requests unless explicitly allowed").
	AllowCacheForAuthenticated bool
	// Tag is an opaque caller value surfaced on the Response/Call, the
	// way the teacher's Request carries caller-defined context.
	Tag any
}

// WithURL returns a copy of r targeting a new URL — used by the
// follow-up engine to build a redirect/resend request without mutating
// the original (spec.md "Requests ... are immutable after construction").
func (r *Request) WithURL(u *hurl.URL) *Request {
	cp := *r
	cp.URL = u
	return &cp
}

// WithMethod returns a copy of r with a new method and, if dropBody is
// set, no body (303/301/302 converting a non-GET/HEAD method to GET).
func (r *Request) WithMethod(method string, dropBody bool) *Request {
	cp := *r
	cp.Method = method
	if dropBody {
		cp.Body = nil
	}
	return &cp
}

// WithHeaders returns a copy of r with h replacing its header set.
func (r *Request) WithHeaders(h headers.Headers) *Request {
	cp := *r
	cp.Headers = h
	return &cp
}

func (r *Request) replayable() bool {
	return r.Body.Replayable()
}

// ctx returns r.Ctx, defaulting to context.Background().
func (r *Request) ctx() context.Context {
	if r.Ctx == nil {
		return context.Background()
	}
	return r.Ctx
}
