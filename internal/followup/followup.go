/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package followup implements the retry/follow-up engine (spec.md
// §4.8, C8): after each exchange, decide whether to recover on a new
// route, resend unchanged, issue a follow-up request, or surface the
// result to the caller. Grounded on the teacher's
// persistConn.shouldRetryRequest (src/http/tport/persist_conn.go) for the
// retry-on-failure half, generalized from "was the connection reused"
// to the full status-code follow-up table spec.md adds.
package followup

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/headers"
	"github.com/badu/reqengine/hurl"
)

// ResendBackOff returns the wait policy for the single 408/503 resend and
// for retrying a route after a fallback-eligible TLS handshake failure
// (spec.md §4.8/§4.12) — a short exponential backoff, never more than a
// few hundred milliseconds since both are hard-capped at one attempt.
func ResendBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// MaxFollowUps caps the number of follow-up requests per call (spec.md
// §4.8 "at most 20 follow-ups").
const MaxFollowUps = 20

// ErrTooManyFollowUps is surfaced once MaxFollowUps is exceeded.
var ErrTooManyFollowUps = errors.New("followup: too many follow-up requests")

// Action is what the engine decided to do after one exchange.
type Action int

const (
	// Surface means give the response (or error) to the caller as-is.
	Surface Action = iota
	// RetryNewRoute means redial, trying the next untried route.
	RetryNewRoute
	// Resend means resend the identical request on a fresh connection
	// (408/503 with no positive Retry-After).
	Resend
	// FollowUp means issue a new request per Decision's Method/URL/Body
	// fields (redirects, 401/407 challenges).
	FollowUp
)

// Decision is the engine's verdict for one exchange.
type Decision struct {
	Action Action
	Method string
	URL    *hurl.URL
	// DropBody means the follow-up request must not replay the original
	// body (e.g. a 303 converting PUT to GET).
	DropBody bool
	// AuthHeader, when non-empty, is added to the follow-up request
	// (401/407 authenticator result).
	AuthHeader string
	AuthValue  string
	// StripCredentials means drop Authorization/cookie-jar contributions
	// because the follow-up crosses origins (spec.md §4.8 "Cross-origin
	// drops Authorization...").
	StripCredentials bool
	// Wait, when nonzero, is how long the caller must pause before
	// issuing the Resend or RetryNewRoute this Decision carries (spec.md
	// §4.8/§4.12's 408/503 resend and TLS-fallback retry spacing).
	Wait time.Duration
}

// Policy carries the per-call state the engine needs across exchanges:
// how many follow-ups have been issued, and which auth challenges have
// already been answered (spec.md "Authenticator is called at most once
// per challenge per call").
type Policy struct {
	RetryOnConnectionFailure bool
	FollowRedirects          bool
	// FollowSSLRedirects gates redirects that downgrade the scheme from
	// https to http (spec.md §4.8 "Cross-HTTPS->HTTP redirects require
	// follow_ssl_redirects").
	FollowSSLRedirects bool

	followUps      int
	answeredServer bool
	answeredProxy  bool
	resent408503   bool
}

// RequestInfo is the subset of the in-flight request the engine needs to
// decide a follow-up, decoupled from the root package's Request type to
// avoid an import cycle.
type RequestInfo struct {
	Method     string
	URL        *hurl.URL
	OneShot    bool // true if the body cannot be replayed (spec.md GLOSSARY "one_shot")
	Replayable bool
}

// ForResponse decides the next action given the response that came back
// for req, per the table in spec.md §4.8.
func (p *Policy) ForResponse(req RequestInfo, statusCode int, respHeaders headers.Headers, authServer, authProxy addr.Authenticator, route *addr.Route) (d Decision, err error) {
	defer func() {
		if err == nil && d.Action == FollowUp && p.followUps > MaxFollowUps {
			d, err = Decision{}, ErrTooManyFollowUps
		}
	}()

	switch statusCode {
	case 407:
		return p.challenge(req, respHeaders, authProxy, &p.answeredProxy, route, statusCode)
	case 401:
		return p.challenge(req, respHeaders, authServer, &p.answeredServer, route, statusCode)
	case 300, 301, 302, 303:
		return p.redirect(req, respHeaders, statusCode)
	case 307, 308:
		return p.redirectPreserving(req, respHeaders, statusCode)
	case 408:
		return p.resendIfEligible(req, respHeaders)
	case 503:
		if retryAfterSeconds(respHeaders) == 0 {
			return p.resendIfEligible(req, respHeaders)
		}
		return Decision{Action: Surface}, nil
	default:
		return Decision{Action: Surface}, nil
	}
}

func (p *Policy) challenge(req RequestInfo, respHeaders headers.Headers, auth addr.Authenticator, answered *bool, route *addr.Route, code int) (Decision, error) {
	if auth == nil || *answered {
		return Decision{Action: Surface}, nil
	}
	*answered = true
	result, err := auth.Authenticate(route, code, respHeaders)
	if err != nil {
		return Decision{}, err
	}
	if result == nil {
		return Decision{Action: Surface}, nil
	}
	p.followUps++
	return Decision{
		Action:     FollowUp,
		Method:     req.Method,
		URL:        req.URL,
		AuthHeader: result.Header,
		AuthValue:  result.Value,
	}, nil
}

func (p *Policy) redirect(req RequestInfo, respHeaders headers.Headers, code int) (Decision, error) {
	if !p.FollowRedirects {
		return Decision{Action: Surface}, nil
	}
	loc := respHeaders.Get("Location")
	if loc == "" {
		return Decision{Action: Surface}, nil
	}
	target, err := req.URL.Resolve(loc)
	if err != nil {
		return Decision{Action: Surface}, nil
	}
	if sslDowngrade(req.URL, target) && !p.FollowSSLRedirects {
		return Decision{Action: Surface}, nil
	}

	method := req.Method
	dropBody := false
	switch {
	case code == 303:
		if method != "GET" && method != "HEAD" {
			method = "GET"
			dropBody = true
		}
	case code == 300 || code == 301 || code == 302:
		if method != "GET" && method != "HEAD" {
			method = "GET"
			dropBody = true
		}
	}

	p.followUps++
	return Decision{
		Action:           FollowUp,
		Method:           method,
		URL:              target,
		DropBody:         dropBody,
		StripCredentials: crossOrigin(req.URL, target),
	}, nil
}

func (p *Policy) redirectPreserving(req RequestInfo, respHeaders headers.Headers, code int) (Decision, error) {
	if !p.FollowRedirects {
		return Decision{Action: Surface}, nil
	}
	if req.OneShot {
		return Decision{Action: Surface}, nil
	}
	loc := respHeaders.Get("Location")
	if loc == "" {
		return Decision{Action: Surface}, nil
	}
	target, err := req.URL.Resolve(loc)
	if err != nil {
		return Decision{Action: Surface}, nil
	}
	if sslDowngrade(req.URL, target) && !p.FollowSSLRedirects {
		return Decision{Action: Surface}, nil
	}
	p.followUps++
	return Decision{
		Action:           FollowUp,
		Method:           req.Method,
		URL:              target,
		StripCredentials: crossOrigin(req.URL, target),
	}, nil
}

func (p *Policy) resendIfEligible(req RequestInfo, respHeaders headers.Headers) (Decision, error) {
	if p.resent408503 {
		return Decision{Action: Surface}, nil
	}
	if !p.RetryOnConnectionFailure || !req.Replayable {
		return Decision{Action: Surface}, nil
	}
	if retryAfterSeconds(respHeaders) > 0 {
		return Decision{Action: Surface}, nil
	}
	p.resent408503 = true
	return Decision{Action: Resend, Method: req.Method, URL: req.URL, Wait: backOffWait()}, nil
}

// ForError decides whether a connection/IO failure (no response
// produced) should retry on a new route, per spec.md §4.8's
// retry-on-failure rules, grounded on persistConn.shouldRetryRequest.
func (p *Policy) ForError(req RequestInfo, wroteAnyBytes bool, handshakeFailure bool, fallbackHandshake bool, haveAnotherRoute bool) Decision {
	if !p.RetryOnConnectionFailure || req.OneShot {
		return Decision{Action: Surface}
	}
	if handshakeFailure && !fallbackHandshake {
		return Decision{Action: Surface}
	}
	if wroteAnyBytes && !req.Replayable {
		return Decision{Action: Surface}
	}
	if !haveAnotherRoute {
		return Decision{Action: Surface}
	}
	decision := Decision{Action: RetryNewRoute, Method: req.Method, URL: req.URL}
	if handshakeFailure && fallbackHandshake {
		decision.Wait = backOffWait()
	}
	return decision
}

// backOffWait draws one interval from ResendBackOff, clamping the
// backoff.Stop sentinel to zero since both call sites are hard-capped to
// a single attempt and never consult the policy again.
func backOffWait() time.Duration {
	d := ResendBackOff().NextBackOff()
	if d < 0 {
		return 0
	}
	return d
}

func retryAfterSeconds(h headers.Headers) int {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// crossOrigin reports whether scheme+host+port differ, per spec.md §4.8
// "Cross-origin drops Authorization, Cookie-Jar contributions, and
// credentials."
func crossOrigin(from, to *hurl.URL) bool {
	if from == nil || to == nil {
		return true
	}
	return from.Scheme != to.Scheme || from.Host != to.Host || from.Port != to.Port
}

// sslDowngrade reports whether following the redirect would move from
// https to http, per spec.md §4.8 "Cross-HTTPS->HTTP redirects require
// follow_ssl_redirects".
func sslDowngrade(from, to *hurl.URL) bool {
	if from == nil || to == nil {
		return false
	}
	return from.Scheme == hurl.HTTPS && to.Scheme == hurl.HTTP
}
