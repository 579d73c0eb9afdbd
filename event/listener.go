/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package event implements the call-lifecycle observer API from spec.md
// §4.10: a fixed, ordered sequence of callbacks per call, generalized
// from the teacher's trc.ClientTrace hook surface (which only covers a
// single round trip) to the full call including redirects, 100-continue,
// and connection reuse.
package event

import (
	"crypto/tls"
	"net"
	"time"
)

// Listener is the stateless callback surface for one call. Any field may
// be nil; a nil hook is simply skipped. Unlike trc.ClientTrace (composed
// via reflection for chaining multiple traces), exactly one Listener
// backs one call, built fresh per call by a Factory — this repo's
// generalization of the "interceptor chain without inheritance" design
// note (spec.md §9) applied to observers: a Listener is a plain value of
// function fields, no interface, no dynamic dispatch tower.
type Listener struct {
	CallStart func(CallInfo)
	CallEnd   func(CallInfo)
	CallFailed func(CallInfo, error)
	Canceled  func(CallInfo)

	ProxySelectStart func(CallInfo, string)
	ProxySelectEnd   func(CallInfo, []string)

	DNSStart func(CallInfo, string)
	DNSEnd   func(CallInfo, []net.IPAddr, error)

	ConnectStart      func(CallInfo, net.Addr)
	SecureConnectStart func(CallInfo)
	SecureConnectEnd   func(CallInfo, tls.ConnectionState, error)
	ConnectEnd        func(CallInfo, net.Addr, string, error)
	ConnectFailed     func(CallInfo, net.Addr, error)

	ConnectionAcquired func(CallInfo, ConnectionInfo)
	ConnectionReleased func(CallInfo, ConnectionInfo)

	RequestHeadersStart func(CallInfo)
	RequestHeadersEnd   func(CallInfo, int)
	RequestBodyStart    func(CallInfo)
	RequestBodyEnd      func(CallInfo, int64)
	RequestFailed       func(CallInfo, error)

	ResponseHeadersStart func(CallInfo)
	ResponseHeadersEnd   func(CallInfo, int)
	ResponseBodyStart    func(CallInfo)
	ResponseBodyEnd      func(CallInfo, int64)
	ResponseFailed       func(CallInfo, error)
}

// CallInfo identifies the call an event belongs to and the current
// attempt number (incremented once per redirect/retry block, per
// spec.md §4.10 "a redirect adds another ... block").
type CallInfo struct {
	CallID  string
	Attempt int
	Method  string
	URL     string
}

// ConnectionInfo describes a connection acquired for an exchange.
type ConnectionInfo struct {
	Protocol string // "http/1.1" or "h2"
	Reused   bool
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// Factory produces a fresh Listener for each call, mirroring OkHttp's
// EventListener.Factory: a plain function value, not an interface with
// inheritance (spec.md §9 design note).
type Factory func(CallInfo) Listener

// Noop is the default Factory: every hook nil, zero overhead on the hot
// path when the caller doesn't care about events.
func Noop(CallInfo) Listener { return Listener{} }

// now is the package's replaceable clock, set to time.Now; no code in the
// package reads it.
var now = time.Now
