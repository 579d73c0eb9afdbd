/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package event

import (
	"crypto/tls"
	"net"
	"sync"
)

// Recorder records every callback's name in invocation order, for tests
// asserting the ordered sequence in spec.md §4.10 and the "every
// *_start has exactly one matching *_end or *_failed" invariant in
// spec.md §8.
type Recorder struct {
	mu  sync.Mutex
	Seq []string
}

// Attach returns a Listener that records each event's name. Only the
// call-level hooks (CallStart, CallEnd, CallFailed, Canceled) then forward
// to the matching hook in base (if non-nil); every other event is recorded
// and not forwarded.
func (r *Recorder) Attach(base Listener) Listener {
	return Listener{
		CallStart:  func(i CallInfo) { r.record("call_start"); callHook(base.CallStart, i) },
		CallEnd:    func(i CallInfo) { r.record("call_end"); callHook(base.CallEnd, i) },
		CallFailed: func(i CallInfo, err error) { r.record("call_failed"); callErrHook(base.CallFailed, i, err) },
		Canceled:   func(i CallInfo) { r.record("canceled"); callHook(base.Canceled, i) },

		ProxySelectStart: func(i CallInfo, s string) { r.record("proxy_select_start") },
		ProxySelectEnd:   func(i CallInfo, s []string) { r.record("proxy_select_end") },

		DNSStart: func(i CallInfo, h string) { r.record("dns_start") },
		DNSEnd:   func(i CallInfo, a []net.IPAddr, err error) { r.record("dns_end") },

		ConnectStart:       func(i CallInfo, a net.Addr) { r.record("connect_start") },
		SecureConnectStart: func(i CallInfo) { r.record("secure_connect_start") },
		SecureConnectEnd:   func(i CallInfo, s tls.ConnectionState, err error) { r.record("secure_connect_end") },
		ConnectEnd:         func(i CallInfo, a net.Addr, p string, err error) { r.record("connect_end") },
		ConnectFailed:      func(i CallInfo, a net.Addr, err error) { r.record("connect_failed") },

		ConnectionAcquired: func(i CallInfo, c ConnectionInfo) { r.record("connection_acquired") },
		ConnectionReleased: func(i CallInfo, c ConnectionInfo) { r.record("connection_released") },

		RequestHeadersStart: func(i CallInfo) { r.record("request_headers_start") },
		RequestHeadersEnd:   func(i CallInfo, n int) { r.record("request_headers_end") },
		RequestBodyStart:    func(i CallInfo) { r.record("request_body_start") },
		RequestBodyEnd:      func(i CallInfo, n int64) { r.record("request_body_end") },
		RequestFailed:       func(i CallInfo, err error) { r.record("request_failed") },

		ResponseHeadersStart: func(i CallInfo) { r.record("response_headers_start") },
		ResponseHeadersEnd:   func(i CallInfo, n int) { r.record("response_headers_end") },
		ResponseBodyStart:    func(i CallInfo) { r.record("response_body_start") },
		ResponseBodyEnd:      func(i CallInfo, n int64) { r.record("response_body_end") },
		ResponseFailed:       func(i CallInfo, err error) { r.record("response_failed") },
	}
}

func (r *Recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Seq = append(r.Seq, name)
}

func callHook(fn func(CallInfo), i CallInfo) {
	if fn != nil {
		fn(i)
	}
}

func callErrHook(fn func(CallInfo, error), i CallInfo, err error) {
	if fn != nil {
		fn(i, err)
	}
}
