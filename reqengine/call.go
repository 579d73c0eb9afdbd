/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/cache"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
	"github.com/badu/reqengine/internal/connpool"
	"github.com/badu/reqengine/internal/followup"
	"github.com/badu/reqengine/internal/routeplan"
	"github.com/badu/reqengine/internal/xfer"
)

// Call is one request's journey through the engine, executable at most
// once (spec.md §6 "call.execute()/call.enqueue() ... at-most-once per
// call"). Grounded on the teacher's cli.Client.do loop, generalized into
// a dedicated value so synchronous and asynchronous execution share one
// implementation, and so Dispatcher has something to track and cancel.
type Call struct {
	client  *Client
	request *Request

	id      string
	routeDB *routeplan.Database
	policy  *followup.Policy

	mu            sync.Mutex
	executed      bool
	canceled      bool
	canceledFired bool
	activeConn    *xfer.Connection

	asyncCallback func(*Response, error)
}

func newCall(client *Client, req *Request) *Call {
	return &Call{
		client:  client,
		request: req,
		id:      uuid.NewString(),
		routeDB: routeplan.NewDatabase(),
		policy: &followup.Policy{
			RetryOnConnectionFailure: client.RetryOnConnectionFailure,
			FollowRedirects:          client.FollowRedirects,
			FollowSSLRedirects:       client.FollowSSLRedirects,
		},
	}
}

// Execute runs the call synchronously (spec.md §6 "call.execute() →
// response; synchronous; at-most-once per call").
func (c *Call) Execute() (*Response, error) {
	if err := c.markExecuted(); err != nil {
		return nil, err
	}
	c.client.Dispatcher.trackSync(c)
	resp, err := c.execute()
	c.client.Dispatcher.finished(c)
	return resp, err
}

// Enqueue runs the call asynchronously, invoking callback from a
// dispatcher-owned goroutine once it completes (spec.md §6
// "call.enqueue(callback)").
func (c *Call) Enqueue(callback func(*Response, error)) error {
	if err := c.markExecuted(); err != nil {
		return err
	}
	c.client.Dispatcher.enqueue(c, callback)
	return nil
}

func (c *Call) markExecuted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.executed {
		return errors.New("reqengine: call already executed")
	}
	c.executed = true
	return nil
}

// Cancel is asynchronous and idempotent (spec.md §5 "A cancel is
// asynchronous and idempotent"): it marks the call canceled and, if a
// connection is currently in use, closes it so any blocked I/O returns
// promptly. On HTTP/2 this closes the whole connection, so every stream on
// it fails; no RST_STREAM is sent for the call's own stream.
func (c *Call) Cancel() {
	c.mu.Lock()
	c.canceled = true
	conn := c.activeConn
	alreadyFired := c.canceledFired
	c.canceledFired = true
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if !alreadyFired && c.client.EventFactory != nil {
		info := c.infoFor(c.request, 0)
		if l := c.client.EventFactory(info); l.Canceled != nil {
			l.Canceled(info)
		}
	}
}

func (c *Call) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

func (c *Call) setActiveConn(conn *xfer.Connection) {
	c.mu.Lock()
	c.activeConn = conn
	c.mu.Unlock()
}

// Clone returns a fresh, executable Call for the same request (spec.md
// §6 "call.clone() → call").
func (c *Call) Clone() *Call {
	return newCall(c.client, c.request)
}

func (c *Call) infoFor(req *Request, attempt int) event.CallInfo {
	return event.CallInfo{CallID: c.id, Attempt: attempt, Method: req.Method, URL: req.URL.String()}
}

// execute runs the full interceptor chain once (spec.md §2's data flow:
// application → retry/follow-up → cache → connect → network →
// terminal).
func (c *Call) execute() (*Response, error) {
	if c.isCanceled() {
		return nil, ErrCanceled
	}

	startInfo := c.infoFor(c.request, 0)
	listener := c.client.EventFactory(startInfo)
	if listener.CallStart != nil {
		listener.CallStart(startInfo)
	}

	chain := &Chain{
		interceptors: c.buildChain(),
		index:        -1,
		listener:     listener,
		info:         startInfo,
		call:         c,
	}
	resp, err := chain.Proceed(c.request)

	if err != nil {
		if listener.CallFailed != nil {
			listener.CallFailed(startInfo, err)
		}
		return nil, err
	}
	if listener.CallEnd != nil {
		listener.CallEnd(startInfo)
	}
	return resp, nil
}

// buildChain assembles the fixed interceptor list with the client's
// application/network interceptors spliced at the positions spec.md
// §4.6 names.
func (c *Call) buildChain() []Interceptor {
	chain := make([]Interceptor, 0, len(c.client.Interceptors)+len(c.client.NetworkInterceptors)+4)
	chain = append(chain, c.client.Interceptors...)
	chain = append(chain, c.retryInterceptor)
	chain = append(chain, bridgeInterceptor)
	chain = append(chain, c.cacheInterceptor)
	chain = append(chain, c.connectInterceptor)
	chain = append(chain, c.client.NetworkInterceptors...)
	chain = append(chain, c.terminalInterceptor)
	return chain
}

// retryInterceptor implements the retry/follow-up engine (spec.md §4.8,
// C8): it re-enters the rest of the chain with a rewritten request on
// redirects/challenges/eligible resends, until the policy surfaces a
// result.
func (c *Call) retryInterceptor(ch *Chain) (*Response, error) {
	req := ch.Request()
	attempt := 0

	for {
		if c.isCanceled() {
			return nil, ErrCanceled
		}

		resp, err := ch.proceedWithInfo(req, c.infoFor(req, attempt))
		if err != nil {
			var ce *callExchangeError
			if !errors.As(err, &ce) {
				return nil, err
			}
			decision := c.policy.ForError(reqInfo(req), ce.wroteAnyBytes, ce.handshakeFailure, ce.fallbackHandshake, ce.haveAnotherRoute)
			if decision.Action != followup.RetryNewRoute {
				return nil, ce.cause
			}
			if err := waitBackOff(req.ctx(), decision.Wait); err != nil {
				return nil, err
			}
			attempt++
			continue
		}

		var proxyAuth, serverAuth addr.Authenticator
		if c.client.Address != nil {
			proxyAuth = c.client.Address.ProxyAuthenticator
			serverAuth = c.client.Address.Authenticator
		}
		decision, derr := c.policy.ForResponse(reqInfo(req), resp.Code, resp.Headers, serverAuth, proxyAuth, resp.route)
		if derr != nil {
			resp.Close()
			return nil, derr
		}

		switch decision.Action {
		case followup.Resend:
			resp.Close()
			if err := waitBackOff(req.ctx(), decision.Wait); err != nil {
				return nil, err
			}
			attempt++
			req = req.WithURL(decision.URL)
		case followup.FollowUp:
			resp.Close()
			attempt++
			nextReq := req.WithMethod(decision.Method, decision.DropBody).WithURL(decision.URL)
			hdrs := nextReq.Headers
			if decision.StripCredentials {
				hdrs = hdrs.WithRemoved("Authorization").WithRemoved("Cookie")
			}
			if decision.AuthHeader != "" {
				hdrs = hdrs.WithSet(decision.AuthHeader, decision.AuthValue)
			}
			req = nextReq.WithHeaders(hdrs)
		default: // Surface, and RetryNewRoute (connectInterceptor already exhausts routes itself)
			return resp, nil
		}
	}
}

// waitBackOff pauses for d, the spacing followup.Policy computed for a
// 408/503 resend or a TLS-fallback route retry (spec.md §4.8/§4.12),
// returning early if ctx is done first.
func waitBackOff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func reqInfo(r *Request) followup.RequestInfo {
	oneShot := r.Body != nil && r.Body.OneShot
	return followup.RequestInfo{Method: r.Method, URL: r.URL, OneShot: oneShot, Replayable: r.replayable()}
}

// cacheInterceptor consults the cache before connecting and writes a
// successful, cacheable network response back (spec.md §4.7).
func (c *Call) cacheInterceptor(ch *Chain) (*Response, error) {
	store := c.client.Cache
	req := ch.Request()
	if store == nil || (req.Method != "GET" && req.Method != "HEAD") {
		return ch.Proceed(req)
	}

	key := cache.Key(req.URL.String())
	stored, hit := store.Get(key)
	var storedEntry *cache.Entry
	if hit {
		storedEntry = &stored
	}

	now := time.Now().Unix()
	decision := cache.Strategy(req.Headers, req.OnlyIfCached, storedEntry, now)

	if decision.OnlyIfCachedFail {
		return &Response{Protocol: "cache", Code: 504, Message: "Gateway Timeout", Headers: headers.Empty, Body: emptyBody{}}, nil
	}

	if !decision.SendNetworkRequest {
		return entryToResponse(*decision.CachedResponse, nil), nil
	}

	netResp, err := ch.Proceed(req.WithHeaders(decision.NetworkRequestHeaders))
	if err != nil {
		return nil, err
	}

	if netResp.Code == 304 && decision.CachedResponse != nil {
		stale := entryToResponse(*decision.CachedResponse, nil)
		merged := cache.Merge304(*decision.CachedResponse, netResp.Headers, now)
		store.Put(key, merged)
		netResp.Close()
		result := entryToResponse(merged, netResp)
		result.CacheResponse = stale
		return result, nil
	}

	authenticated := req.Headers.Has("Authorization")
	if cache.CanWrite(req.Method, netResp.Code, netResp.Headers, authenticated, req.AllowCacheForAuthenticated) {
		body, berr := readAllAndRestore(netResp)
		if berr == nil {
			store.Put(key, cache.Entry{
				RequestMethod:   req.Method,
				RequestHeaders:  req.Headers,
				ResponseCode:    netResp.Code,
				ResponseHeaders: netResp.Headers,
				Protocol:        netResp.Protocol,
				FetchedAt:       netResp.SentAtMillis / 1000,
				ReceivedAt:      now,
				Body:            body,
			})
		}
	}
	return netResp, nil
}

// connectInterceptor acquires a pooled connection or dials a fresh one,
// trying routes in order until one connects (spec.md §4.1 "Failover
// rule"), then hands the chain down with that connection attached.
func (c *Call) connectInterceptor(ch *Chain) (*Response, error) {
	req := ch.Request()
	address := deriveAddress(c.client.Address, req.URL)

	pooled := c.client.Pool.Acquire(address, false)
	reused := pooled != nil

	var conn *xfer.Connection
	if reused {
		xc, ok := pooled.(*xfer.Connection)
		if !ok {
			return nil, errors.New("reqengine: pooled connection is not an *xfer.Connection")
		}
		conn = xc
	} else {
		planner := &routeplan.Planner{Address: address, URL: req.URL, Database: c.routeDB, Listener: ch.listener, CallInfo: ch.info}
		routes, err := planner.Plan(req.ctx())
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, route := range routes {
			if c.isCanceled() {
				return nil, ErrCanceled
			}
			dialed, derr := xfer.Dial(req.ctx(), route, ch.listener, ch.info, c.client.Log)
			if derr != nil {
				c.routeDB.Failed(route)
				lastErr = derr
				continue
			}
			conn = dialed
			break
		}
		if conn == nil {
			if lastErr == nil {
				lastErr = routeplan.ErrNoAddresses
			}
			return nil, &callExchangeError{cause: lastErr}
		}
	}

	c.setActiveConn(conn)
	defer c.setActiveConn(nil)

	if ch.listener.ConnectionAcquired != nil {
		ch.listener.ConnectionAcquired(ch.info, event.ConnectionInfo{Protocol: conn.Protocol(), Reused: reused})
	}

	resp, err := ch.withConnection(conn).Proceed(req)

	if ch.listener.ConnectionReleased != nil {
		ch.listener.ConnectionReleased(ch.info, event.ConnectionInfo{Protocol: conn.Protocol(), Reused: reused})
	}

	if err != nil {
		c.client.Pool.Remove(conn)
		conn.Close()
		return nil, err
	}

	if conn.IsMultiplexed() {
		// A multiplexed connection accepts concurrent streams, so it can
		// go back in the pool as soon as it exists there; reused ones are
		// already pooled.
		if !reused {
			c.client.Pool.Put(conn)
		}
		return resp, nil
	}

	// An HTTP/1 connection is exclusive to one exchange at a time (spec.md
	// §4.2 "a connection enters the pool only after a successful
	// exchange", §4.3's IDLE-only reuse rule): it must not be reacquirable
	// until the caller has finished reading and closed the response body.
	wrapped := *resp
	wrapped.Body = &poolReturningBody{ReadCloser: resp.Body, pool: c.client.Pool, conn: conn}
	return &wrapped, nil
}

// poolReturningBody defers returning an HTTP/1 connection to the pool
// until the streaming response body is closed, so a second call can't
// acquire it while this exchange's body is still being read.
type poolReturningBody struct {
	io.ReadCloser
	pool *connpool.Pool
	conn *xfer.Connection
	once sync.Once
}

func (b *poolReturningBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.pool.Put(b.conn) })
	return err
}

func (b *poolReturningBody) Trailers() headers.Headers {
	if t, ok := b.ReadCloser.(trailerPeeker); ok {
		return t.Trailers()
	}
	return headers.Empty
}

// terminalInterceptor performs the actual exchange: write the request,
// read the response headers, and return a streaming body (spec.md
// §4.5).
func (c *Call) terminalInterceptor(ch *Chain) (*Response, error) {
	req := ch.Request()
	conn := ch.Connection()
	if conn == nil {
		return nil, errors.New("reqengine: terminal interceptor reached with no connection")
	}

	if ch.listener.RequestHeadersStart != nil {
		ch.listener.RequestHeadersStart(ch.info)
	}

	var body io.Reader
	bodyLen := int64(-1)
	if req.Body != nil {
		bodyLen = req.Body.Length
		r, berr := req.Body.Open()
		if berr != nil {
			return nil, &callExchangeError{cause: berr}
		}
		body = r
	}

	sentAt := time.Now().UnixMilli()
	if body != nil && ch.listener.RequestBodyStart != nil {
		ch.listener.RequestBodyStart(ch.info)
	}

	ex, werr := conn.WriteRequest(req.Method, req.URL, req.Headers, body, bodyLen)
	if ch.listener.RequestHeadersEnd != nil {
		ch.listener.RequestHeadersEnd(ch.info, req.Headers.Len())
	}
	if body != nil && ch.listener.RequestBodyEnd != nil {
		ch.listener.RequestBodyEnd(ch.info, bodyLen)
	}
	if werr != nil {
		return nil, &callExchangeError{cause: werr, wroteAnyBytes: true}
	}

	if ch.listener.ResponseHeadersStart != nil {
		ch.listener.ResponseHeadersStart(ch.info)
	}
	code, message, respHeaders, respBody, rerr := ex.ReadResponse()
	if rerr != nil {
		return nil, &callExchangeError{cause: rerr, wroteAnyBytes: true}
	}
	if ch.listener.ResponseHeadersEnd != nil {
		ch.listener.ResponseHeadersEnd(ch.info, code)
	}
	if ch.listener.ResponseBodyStart != nil {
		ch.listener.ResponseBodyStart(ch.info)
	}

	receivedAt := time.Now().UnixMilli()
	info := ch.info
	listener := ch.listener
	resp := &Response{
		Protocol:         conn.Protocol(),
		Code:             code,
		Message:          message,
		Headers:          respHeaders,
		Body:             &eventBody{ReadCloser: respBody, onClose: func() { fireResponseBodyEnd(listener, info) }},
		Handshake:        handshakeOf(conn),
		SentAtMillis:     sentAt,
		ReceivedAtMillis: receivedAt,
		route:            conn.Route(),
	}
	return resp, nil
}

func fireResponseBodyEnd(listener event.Listener, info event.CallInfo) {
	if listener.ResponseBodyEnd != nil {
		listener.ResponseBodyEnd(info, 0)
	}
}

func handshakeOf(conn *xfer.Connection) *tls.ConnectionState { return nil }

// eventBody fires ResponseBodyEnd exactly once when the caller closes
// the response body (spec.md §4.10 "Every *_start has exactly one
// matching *_end").
type eventBody struct {
	io.ReadCloser
	once    sync.Once
	onClose func()
}

func (b *eventBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.onClose)
	return err
}

func (b *eventBody) Trailers() headers.Headers {
	if t, ok := b.ReadCloser.(trailerPeeker); ok {
		return t.Trailers()
	}
	return headers.Empty
}

// callExchangeError carries the retry-relevant context ForError needs,
// distinguishing it from a plain I/O error so retryInterceptor can
// recognize it via errors.As (spec.md §4.8 "Retry-on-failure").
type callExchangeError struct {
	cause             error
	wroteAnyBytes     bool
	handshakeFailure  bool
	fallbackHandshake bool
	haveAnotherRoute  bool
}

func (e *callExchangeError) Error() string { return e.cause.Error() }
func (e *callExchangeError) Unwrap() error { return e.cause }

// deriveAddress builds the per-request Address: the client's configured
// collaborators (DNS, dialer, proxy selector, authenticators, pinning)
// targeting req.URL's host/port/scheme, per spec.md §3's Address
// identity.
func deriveAddress(base *addr.Address, u *hurl.URL) *addr.Address {
	cp := *base
	cp.Host = u.Host
	cp.Port = u.Port
	if !u.IsHTTPS() {
		cp.TLSConfig = nil
	}
	return &cp
}

// entryToResponse builds a Response served entirely from a cache entry,
// optionally recording the network response that produced it (304
// revalidation).
func entryToResponse(e cache.Entry, networkResp *Response) *Response {
	return &Response{
		Protocol:         e.Protocol,
		Code:             e.ResponseCode,
		Message:          "",
		Headers:          e.ResponseHeaders,
		Body:             &bytesBody{r: bytes.NewReader(e.Body)},
		ReceivedAtMillis: e.ReceivedAt * 1000,
		NetworkResponse:  networkResp,
	}
}

// readAllAndRestore drains resp.Body for caching, then replaces it with
// a fresh in-memory reader so the caller can still consume the body
// after the cache write.
func readAllAndRestore(resp *Response) ([]byte, error) {
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = &bytesBody{r: bytes.NewReader(data)}
	return data, err
}

type bytesBody struct{ r *bytes.Reader }

func (b *bytesBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bytesBody) Close() error                { return nil }

type emptyBody struct{}

func (emptyBody) Read([]byte) (int, error) { return 0, io.EOF }
func (emptyBody) Close() error             { return nil }
