/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package xfer implements dialing (TCP, optional proxy CONNECT tunnel,
// TLS handshake with connection-spec fallback) and the Exchange (C6)
// that binds one call to one stream on one connection. Grounded on the
// teacher's Transport.dialConn/getConn (src/http/transport.go), trimmed
// of the HTTP/2-is-disabled branches the teacher comments out — here
// HTTP/2 is implemented, not disabled.
package xfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/internal/h1"
	"github.com/badu/reqengine/internal/h2"
	"github.com/badu/reqengine/internal/rlog"
	"github.com/badu/reqengine/tlsspec"
)

// Connection wraps one established transport connection — either HTTP/1
// (a raw net.Conn plus an h1.Codec, one exchange at a time) or HTTP/2 (an
// h2.Connection, which multiplexes internally) — and implements
// connpool.Conn so the pool can manage it without importing this package
// (spec.md §4.2/§4.4).
type Connection struct {
	route  *addr.Route
	conn   net.Conn
	proto  string // "http/1.1" or "h2"
	h1     *h1.Codec
	h2conn *h2.Connection

	idleAt time.Time
	allocs int
}

func (c *Connection) Address() *addr.Address { return c.route.Address }
func (c *Connection) Route() *addr.Route     { return c.route }
func (c *Connection) Protocol() string       { return c.proto }

func (c *Connection) IsMultiplexed() bool {
	return c.proto == "h2"
}

func (c *Connection) HasCapacity() bool {
	if c.h2conn != nil {
		return c.h2conn.HasCapacity()
	}
	return c.h1.State() == h1.Idle
}

func (c *Connection) NoNewExchanges() bool {
	if c.h2conn != nil {
		return c.h2conn.NoNewExchanges()
	}
	return false
}

func (c *Connection) AllocationCount() int {
	if c.h2conn != nil {
		return c.h2conn.StreamCount()
	}
	if c.h1.State() != h1.Idle {
		return 1
	}
	return 0
}

func (c *Connection) IdleAt() time.Time     { return c.idleAt }
func (c *Connection) SetIdleAt(t time.Time) { c.idleAt = t }

func (c *Connection) Close() error {
	if c.h2conn != nil {
		return c.h2conn.Close()
	}
	return c.conn.Close()
}

// Codec returns the HTTP/1 codec for this connection, or nil for h2
// connections — Exchange uses this to drive one request/response cycle.
func (c *Connection) Codec() *h1.Codec { return c.h1 }

// H2 returns the HTTP/2 connection, or nil for http/1.1 connections.
func (c *Connection) H2() *h2.Connection { return c.h2conn }

func (c *Connection) markAllocated() { c.allocs++ }

// Dial establishes a new Connection for route: it dials the socket
// (through a proxy if required), negotiates TLS with connection-spec
// fallback for HTTPS routes, and picks the HTTP/1 or HTTP/2 codec based
// on ALPN (spec.md §4.1 step 4, §4.9, §12).
func Dial(ctx context.Context, route *addr.Route, listener event.Listener, info event.CallInfo, log rlog.Logger) (*Connection, error) {
	dialer := route.Address.Dialer
	rawConn, err := dialProxyAware(ctx, route, dialer)
	if err != nil {
		return nil, errors.Wrap(err, "xfer: dial")
	}

	if !route.Address.IsHTTPS() {
		codec := h1.NewCodec(rawConn, rawConn)
		return &Connection{route: route, conn: rawConn, proto: "http/1.1", h1: codec, idleAt: time.Now()}, nil
	}

	tlsConn, negotiated, err := handshakeWithFallback(ctx, rawConn, route, listener, info)
	if err != nil {
		rawConn.Close()
		return nil, errors.Wrap(err, "xfer: TLS handshake")
	}

	if negotiated == "h2" {
		h2c, err := h2.Dial(tlsConn, log)
		if err != nil {
			tlsConn.Close()
			return nil, errors.Wrap(err, "xfer: h2 dial")
		}
		return &Connection{route: route, conn: tlsConn, proto: "h2", h2conn: h2c, idleAt: time.Now()}, nil
	}
	codec := h1.NewCodec(tlsConn, tlsConn)
	return &Connection{route: route, conn: tlsConn, proto: "http/1.1", h1: codec, idleAt: time.Now()}, nil
}

// dialProxyAware opens the raw transport-layer socket, CONNECT-tunneling
// through an HTTP proxy first when route.RequiresTunnel is set, grounded
// on dialConn's "case cm.targetScheme == HTTPS" CONNECT branch.
func dialProxyAware(ctx context.Context, route *addr.Route, dialer addr.Dialer) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", route.SocketAddr())
	if err != nil {
		if route.Proxy.Type != addr.Direct {
			return nil, &net.OpError{Op: "proxyconnect", Net: "tcp", Err: err}
		}
		return nil, err
	}
	if !route.RequiresTunnel {
		return conn, nil
	}
	target := net.JoinHostPort(route.Address.Host, fmt.Sprint(route.Address.Port))
	if err := writeConnect(conn, target); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readConnectResponse(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func writeConnect(conn net.Conn, target string) error {
	_, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	return err
}

// readConnectResponse reads the proxy's response to CONNECT using the
// HTTP/1 status-line parser, exactly as the teacher's dialConn does with
// ReadResponse on a throwaway bufio.Reader ("okay to use and discard
// buffered reader here, because TLS server will not speak until spoken
// to").
func readConnectResponse(conn net.Conn) error {
	codec := h1.NewCodec(conn, conn)
	status, err := codec.ReadStatusLine()
	if err != nil {
		return err
	}
	if _, err := codec.ReadHeaders(); err != nil {
		return err
	}
	if status.Code != 200 {
		return fmt.Errorf("xfer: proxy CONNECT failed: %d %s", status.Code, status.Reason)
	}
	return nil
}

// handshakeWithFallback performs the TLS handshake, retrying with the
// next entry in route.Address.ConnectionSpecs when the failure is
// fallback-eligible (spec.md §4.9/§8, tlsspec.Classify).
func handshakeWithFallback(ctx context.Context, rawConn net.Conn, route *addr.Route, listener event.Listener, info event.CallInfo) (*tls.Conn, string, error) {
	specs := route.Address.ConnectionSpecs
	if len(specs) == 0 {
		specs = tlsspec.Default()
	}

	var lastErr error
	for attempt := 0; attempt < len(specs); attempt++ {
		cfg := tlsspec.ClientConfig(specs, attempt, route.Address.TLSConfig, route.Address.Host)
		tlsConn := tls.Client(rawConn, cfg)

		if listener.SecureConnectStart != nil {
			listener.SecureConnectStart(info)
		}
		err := tlsConn.HandshakeContext(ctx)
		if err == nil {
			state := tlsConn.ConnectionState()
			if listener.SecureConnectEnd != nil {
				listener.SecureConnectEnd(info, state, nil)
			}
			if pinner := route.Address.Pinner; pinner != nil {
				if err := verifyPins(pinner, route.Address.Host, state); err != nil {
					return nil, "", err
				}
			}
			return tlsConn, state.NegotiatedProtocol, nil
		}

		if listener.SecureConnectEnd != nil {
			listener.SecureConnectEnd(info, tls.ConnectionState{}, err)
		}
		lastErr = err
		if tlsspec.Classify(classifiableError(err)) != tlsspec.FallbackEligible {
			return nil, "", err
		}
		// attempt+1 retries the handshake on the same underlying socket
		// with the next, more permissive spec and the SCSV marker set —
		// the server is expected to reject the socket if it detects the
		// downgrade was unwarranted (RFC 7507).
	}
	return nil, "", lastErr
}

// classifiableError maps the x509 errors Go's tls package actually
// returns to tlsspec's Fatal classification, since crypto/x509 doesn't
// export marker interfaces tlsspec.Classify can type-switch on directly
// (tlsspec.Classify only recognizes its own HostnameError/PinningError).
// errors.As looks through the *tls.CertificateVerificationError wrapper.
func classifiableError(err error) error {
	var hostErr x509.HostnameError
	var authorityErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	switch {
	case errors.As(err, &hostErr):
		return tlsspec.HostnameError{}
	case errors.As(err, &authorityErr), errors.As(err, &invalidErr):
		return tlsspec.PinningError{} // any Fatal marker routes to Classify's Fatal branch
	default:
		return err
	}
}

// verifyPins computes the SHA-256 SubjectPublicKeyInfo hash of each peer
// certificate and compares it against the pins matching host, per
// spec.md §8 scenario 5's "sha256/<base64>" pin format.
func verifyPins(pinner *tlsspec.Pinner, host string, state tls.ConnectionState) error {
	pins := pinner.FindPins(host)
	if len(pins) == 0 {
		return nil
	}
	for _, cert := range state.PeerCertificates {
		sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		hash := "sha256/" + base64.StdEncoding.EncodeToString(sum[:])
		for _, pin := range pins {
			if pin.Hash == hash {
				return nil
			}
		}
	}
	return &tlsspec.PinningError{Host: host}
}
