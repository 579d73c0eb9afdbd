/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/internal/xfer"
)

// Interceptor is an ordered transformer wrapping the exchange (spec.md
// §4.6, C7): application → retry/follow-up → bridge → cache → connect →
// network interceptors → terminal. Grounded on the teacher's
// RoundTripper composition (src/http/transport.go), generalized from a
// single wrap to an explicit chain with typed continuation.
type Interceptor func(*Chain) (*Response, error)

// Chain exposes the current request, the connection an interceptor below
// "connect" can see (nil above it), and Proceed to invoke the remaining
// chain. A Chain value is handed to exactly one interceptor invocation;
// calling Proceed twice without closing the first response it returned
// is a programming error (spec.md §4.6 contract).
type Chain struct {
	interceptors []Interceptor
	index        int

	request    *Request
	connection *xfer.Connection
	listener   event.Listener
	info       event.CallInfo
	call       *Call

	proceedCalled bool
	lastResponse  *Response
}

func (c *Chain) Request() *Request         { return c.request }
func (c *Chain) Connection() *xfer.Connection { return c.connection }
func (c *Chain) Call() *Call                { return c.call }

// Proceed invokes the next interceptor in the chain with req.
func (c *Chain) Proceed(req *Request) (*Response, error) {
	return c.proceedWithInfo(req, c.info)
}

// proceedWithInfo is Proceed but also swaps in a new CallInfo (used by
// the retry/follow-up interceptor to bump the attempt counter between
// follow-ups — spec.md §4.10 "a redirect adds another ... block").
func (c *Chain) proceedWithInfo(req *Request, info event.CallInfo) (*Response, error) {
	if c.proceedCalled {
		if c.lastResponse == nil || !c.lastResponse.closed {
			return nil, errors.New("reqengine: interceptor called proceed a second time without closing the previous response")
		}
	}
	c.proceedCalled = true

	if c.index+1 >= len(c.interceptors) {
		return nil, errors.New("reqengine: interceptor chain exhausted without a terminal interceptor")
	}
	next := &Chain{
		interceptors: c.interceptors,
		index:        c.index + 1,
		request:      req,
		connection:   c.connection,
		listener:     c.listener,
		info:         info,
		call:         c.call,
	}
	resp, err := c.interceptors[next.index](next)
	c.lastResponse = resp
	return resp, err
}

// withConnection returns a copy of c exposing conn to interceptors below
// the connect stage (spec.md §4.6 "the current connection (nullable for
// application interceptors)").
func (c *Chain) withConnection(conn *xfer.Connection) *Chain {
	cp := *c
	cp.connection = conn
	cp.proceedCalled = false
	cp.lastResponse = nil
	return &cp
}

// bridgeInterceptor adds default headers, cookies, and gzip negotiation
// (spec.md §4.11), grounded on the teacher's Transport.RoundTrip
// requestedGzip/DisableCompression handling and cli.Client's cookie-jar
// splice around Client.send, generalized to the chain shape and using
// klauspost/compress/gzip per the domain stack.
func bridgeInterceptor(c *Chain) (*Response, error) {
	req := c.Request()
	hdrs := req.Headers

	jar := c.Call().client.CookieJar
	if jar != nil && !hdrs.Has("Cookie") {
		if cookies := jar.Cookies(req.URL); len(cookies) > 0 {
			hdrs = hdrs.WithSet("Cookie", requestCookieHeader(cookies))
		}
	}

	transparentGzip := false
	if !hdrs.Has("Accept-Encoding") && !hdrs.Has("Range") && req.Method != "HEAD" {
		hdrs = hdrs.WithAdd("Accept-Encoding", "gzip")
		transparentGzip = true
	}

	resp, err := c.Proceed(req.WithHeaders(hdrs))
	if err != nil {
		return resp, err
	}

	if jar != nil {
		if set := ParseSetCookies(resp.Headers); len(set) > 0 {
			jar.SetCookies(req.URL, set)
		}
	}

	if !transparentGzip || !strings.EqualFold(resp.Headers.Get("Content-Encoding"), "gzip") {
		return resp, nil
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return resp, errors.Wrap(err, "reqengine: transparent gzip")
	}
	userHeaders := resp.Headers.WithRemoved("Content-Encoding").WithRemoved("Content-Length")
	wrapped := *resp
	wrapped.Headers = userHeaders
	wrapped.Body = &gunzipBody{gz: gz, underlying: resp.Body}
	wrapped.NetworkResponse = resp
	wrapped.closeOnce = sync.Once{}
	wrapped.closed = false
	return &wrapped, nil
}

// gunzipBody streams the decompressed body while keeping the network
// response's raw body reachable for Close (spec.md §4.11 "the network
// response retains the original headers").
type gunzipBody struct {
	gz         *gzip.Reader
	underlying interface{ Read([]byte) (int, error) }
	closed     bool
}

func (g *gunzipBody) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gunzipBody) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.gz.Close()
	if closer, ok := g.underlying.(interface{ Close() error }); ok {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
