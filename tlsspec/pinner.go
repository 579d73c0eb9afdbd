/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package tlsspec

import "strings"

// Pin is one certificate pin: a hostname pattern and the expected
// "sha256/<base64>" hash of a certificate in the chain.
type Pin struct {
	Pattern string // e.g. "**.example.com", "*.example.com", "example.com"
	Hash    string // e.g. "sha256/AAAA..."
}

// Pinner matches a hostname against its configured Pins. Actual chain
// verification (computing and comparing the SPKI hash) is an external
// collaborator's job per spec.md §1; Pinner only owns the pattern-matching
// rule spec.md §8 scenario 5 calls out as testable.
type Pinner struct {
	Pins []Pin
}

// FindPins returns every Pin whose Pattern matches host.
//
// Pattern matching rules (spec.md §8 scenario 5):
//   - "example.com" matches only that exact host.
//   - "*.example.com" matches exactly one label of subdomain
//     ("a.example.com" but not "a.b.example.com" or "example.com" itself).
//   - "**.example.com" matches the bare domain and any depth of
//     subdomain ("example.com", ".example.com", "a.example.com",
//     "a.b.example.com"), but NOT a different domain that merely ends in
//     the same suffix ("dexample.com", "xample.com").
func (p *Pinner) FindPins(host string) []Pin {
	host = strings.ToLower(host)
	var out []Pin
	for _, pin := range p.Pins {
		if matchesPattern(pin.Pattern, host) {
			out = append(out, pin)
		}
	}
	return out
}

func matchesPattern(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	switch {
	case strings.HasPrefix(pattern, "**."):
		base := pattern[3:]
		return host == base || strings.HasSuffix(host, "."+base)
	case strings.HasPrefix(pattern, "*."):
		base := pattern[2:]
		if !strings.HasSuffix(host, "."+base) {
			return false
		}
		label := strings.TrimSuffix(host, "."+base)
		return label != "" && !strings.Contains(label, ".")
	default:
		return host == pattern
	}
}
