/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"crypto/tls"
	"io"
	"sync"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/headers"
)

// Response is the result of one exchange, or a merged cache view (spec.md
// §3). Body is closed exactly once; reading after Close returns an error.
type Response struct {
	Protocol string // "http/1.1" or "h2"
	Code     int
	Message  string
	Headers  headers.Headers
	Body     io.ReadCloser

	Handshake *tls.ConnectionState

	SentAtMillis     int64
	ReceivedAtMillis int64

	// PriorResponse is the previous response in a redirect/retry chain,
	// or nil for the first attempt (spec.md §3).
	PriorResponse *Response
	// NetworkResponse is the response actually read off the wire, set
	// when this Response is a cache merge (a 304 producing a served
	// cached body) so callers can still see what the network returned.
	NetworkResponse *Response
	// CacheResponse is the stored entry consulted for this response, set
	// whenever the cache was consulted at all (hit or revalidated).
	CacheResponse *Response

	// route is the route the exchange used, consulted by the retry/
	// follow-up engine's authenticator calls (spec.md §4.8).
	route *addr.Route

	closeOnce sync.Once
	closed    bool
}

// Close closes the body exactly once.
func (r *Response) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed = true
		if r.Body != nil {
			err = r.Body.Close()
		}
	})
	return err
}

// PeekTrailers returns the trailers delivered with the body, if the body
// exposes them (chunked or HTTP/2 deliveries — spec.md §3 "carries a
// trailers promise"). Safe to call only after the body has been fully
// read; returns headers.Empty otherwise.
func (r *Response) PeekTrailers() headers.Headers {
	if t, ok := r.Body.(trailerPeeker); ok {
		return t.Trailers()
	}
	return headers.Empty
}

type trailerPeeker interface {
	Trailers() headers.Headers
}

// IsSuccessful reports whether Code is in [200, 300).
func (r *Response) IsSuccessful() bool { return r.Code >= 200 && r.Code < 300 }

// IsRedirect reports whether Code is one of the redirect statuses spec.md
// §4.8 recognizes.
func (r *Response) IsRedirect() bool {
	switch r.Code {
	case 300, 301, 302, 303, 307, 308:
		return true
	}
	return false
}
