/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package tlsspec implements the connection-spec TLS fallback policy from
// spec.md §4.12: an ordered list of (TLS versions, cipher suites) to try,
// downgrading with TLS_FALLBACK_SCSV on fallback-eligible handshake
// failure.
package tlsspec

import "crypto/tls"

// tlsFallbackSCSV is the signaling cipher suite value clients add to the
// ClientHello to tell a patched server "this is a fallback, don't accept a
// downgrade you wouldn't otherwise allow" (RFC 7507).
const tlsFallbackSCSV = 0x5600

// Spec describes one TLS configuration attempt: cleartext or a specific
// version/cipher range.
type Spec struct {
	Name         string
	Cleartext    bool
	MinVersion   uint16
	MaxVersion   uint16
	CipherSuites []uint16 // nil means "use Go's default selection"
}

// Modern is a strict modern-TLS spec: TLS 1.2+ and AEAD cipher suites only.
var Modern = Spec{
	Name:       "MODERN",
	MinVersion: tls.VersionTLS12,
	MaxVersion: tls.VersionTLS13,
	CipherSuites: []uint16{
		tls.TLS_AES_128_GCM_SHA256,
		tls.TLS_AES_256_GCM_SHA384,
		tls.TLS_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	},
}

// Compatible is the fallback-eligible spec: TLS 1.0+ with a broader cipher
// range, for servers that haven't caught up to Modern.
var Compatible = Spec{
	Name:       "COMPATIBLE",
	MinVersion: tls.VersionTLS10,
	MaxVersion: tls.VersionTLS13,
	CipherSuites: []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	},
}

// Cleartext is the plaintext "spec" used for http:// addresses; it never
// appears in the fallback chain, only as a marker for Address.IsHTTPS.
var Cleartext = Spec{Name: "CLEARTEXT", Cleartext: true}

// Default is the ordered fallback chain a new Address uses unless
// overridden: try Modern, then fall back to Compatible.
func Default() []Spec { return []Spec{Modern, Compatible} }

// ClientConfig builds a *tls.Config for attempt index i against chain,
// adding the SCSV marker to every attempt after the first to signal a
// voluntary downgrade (spec.md §4.12, §8 scenario 6).
func ClientConfig(chain []Spec, attempt int, base *tls.Config, serverName string) *tls.Config {
	spec := chain[attempt]
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	cfg.MinVersion = spec.MinVersion
	cfg.MaxVersion = spec.MaxVersion
	if spec.CipherSuites != nil {
		suites := append([]uint16{}, spec.CipherSuites...)
		if attempt > 0 {
			suites = append(suites, tlsFallbackSCSV)
		}
		cfg.CipherSuites = suites
	}
	return cfg
}

// HasSCSV reports whether cfg's cipher list carries the fallback marker;
// used by tests to assert the first attempt never carries it and later
// attempts always do (spec.md §8 scenario 6).
func HasSCSV(cfg *tls.Config) bool {
	for _, c := range cfg.CipherSuites {
		if c == tlsFallbackSCSV {
			return true
		}
	}
	return false
}

// FailureKind classifies a handshake failure for the fallback/fatal split
// in spec.md §4.12 and §7.
type FailureKind int

const (
	// FallbackEligible handshake errors (protocol/version/cipher
	// mismatch) should retry on the next spec in the chain.
	FallbackEligible FailureKind = iota
	// Fatal handshake errors (certificate expired/untrusted, hostname
	// mismatch, pinning failure) must never trigger a fallback attempt.
	Fatal
)

// Classify inspects a handshake error and decides whether it is eligible
// for spec fallback. Certificate-related errors are always Fatal; anything
// else observed during the handshake itself is FallbackEligible.
func Classify(err error) FailureKind {
	if err == nil {
		return FallbackEligible
	}
	switch err.(type) {
	case HostnameError, x509UnknownAuthorityLike, x509CertificateInvalidLike:
		return Fatal
	}
	return FallbackEligible
}

// HostnameError indicates the certificate's SAN list did not match the
// requested hostname.
type HostnameError struct {
	Host string
}

func (e HostnameError) Error() string {
	return "tlsspec: certificate is not valid for " + e.Host
}

// x509UnknownAuthorityLike and x509CertificateInvalidLike are marker
// interfaces with unexported methods, so only this package's own types
// satisfy them (PinningError implements certificateInvalid); crypto/x509's
// errors never do. True x509 errors are mapped to HostnameError or
// PinningError by the caller in internal/xfer before reaching Classify.
type x509UnknownAuthorityLike interface{ unknownAuthority() }
type x509CertificateInvalidLike interface{ certificateInvalid() }

// PinningError indicates the certificate chain did not match the
// configured CertificatePinner predicate (spec.md §8 scenario 5).
type PinningError struct {
	Host string
}

func (e PinningError) Error() string { return "tlsspec: certificate pinning failure for " + e.Host }

func (PinningError) certificateInvalid() {}
