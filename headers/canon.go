/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package headers

import "errors"

// CanonicalName returns name in MIME-header-style canonical form
// ("content-type" -> "Content-Type"), the same algorithm the teacher's
// hdr.CanonicalHeaderKey uses (net/textproto's algorithm), kept because
// spec.md §3 only requires ASCII case-insensitive comparison, and
// canonicalizing on write is the simplest way to get that for free on every
// subsequent Get/Has/Values.
func CanonicalName(name string) string {
	if validCanonical(name) {
		return name
	}
	buf := []byte(name)
	upper := true
	for i, c := range buf {
		if upper && 'a' <= c && c <= 'z' {
			buf[i] = c - ('a' - 'A')
		} else if !upper && 'A' <= c && c <= 'Z' {
			buf[i] = c + ('a' - 'A')
		}
		upper = c == '-'
	}
	return string(buf)
}

// validCanonical reports whether name is already canonical, so
// CanonicalName can skip the allocation on the common repeated-header path.
func validCanonical(name string) bool {
	upper := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == ' ' || c == ':' {
			return false
		}
		if upper && 'A' <= c && c <= 'Z' {
			upper = false
			continue
		}
		if !upper && 'a' <= c && c <= 'z' {
			continue
		}
		if c == '-' {
			upper = true
			continue
		}
		if '0' <= c && c <= '9' {
			upper = false
			continue
		}
		return false
	}
	return true
}

var (
	errInvalidHeaderName  = errors.New("headers: invalid header field name")
	errInvalidHeaderValue = errors.New("headers: invalid header field value")
)

// checkName validates a header field name per RFC 7230 token rules (VCHAR
// minus ":" and whitespace), per spec.md §3.
func checkName(name string) error {
	if name == "" {
		return errInvalidHeaderName
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isTokenByte(c) {
			return errInvalidHeaderName
		}
	}
	return nil
}

// checkValue validates a header field value: VCHAR plus space and HT,
// control characters forbidden on outbound, per spec.md §3.
func checkValue(value string) error {
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == '\r' || c == '\n' || (c < 0x20 && c != '\t') || c == 0x7f {
			return errInvalidHeaderValue
		}
	}
	return nil
}

// isTokenTable mirrors net/http's lex.go table, kept by the teacher's
// hdr package verbatim; duplicated here in compact form since headers no
// longer depends on hdr.
var isTokenTable = [127]bool{
	'!': true, '#': true, '$': true, '%': true, '&': true, '\'': true,
	'*': true, '+': true, '-': true, '.': true, '^': true, '_': true,
	'`': true, '|': true, '~': true,
}

func isTokenByte(c byte) bool {
	if c >= 128 {
		return false
	}
	if '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' {
		return true
	}
	return isTokenTable[c]
}
