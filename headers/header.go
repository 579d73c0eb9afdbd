/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package headers implements the ordered, case-insensitive header model
// used by requests and responses: a duplicate-preserving list of
// (name, value) pairs, not a map, so that wire order survives a
// round trip.
package headers

import (
	"sort"
	"strings"
)

// entry is one (name, value) pair in wire order. name is stored in its
// canonical form so lookups never re-canonicalize.
type entry struct {
	name  string
	value string
}

// Headers is an ordered, duplicate-preserving list of header fields.
// The zero value is an empty list ready to use.
type Headers struct {
	entries []entry
}

// Builder accumulates header fields before producing an immutable Headers.
type Builder struct {
	h Headers
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends name/value, canonicalizing name and validating both per
// spec.md §3 (VCHAR, no control characters, no colon/whitespace in names).
func (b *Builder) Add(name, value string) *Builder {
	name = CanonicalName(name)
	if err := checkName(name); err != nil {
		panic(err)
	}
	if err := checkValue(value); err != nil {
		panic(err)
	}
	b.h.entries = append(b.h.entries, entry{name, value})
	return b
}

// Set replaces all values of name with a single value.
func (b *Builder) Set(name, value string) *Builder {
	name = CanonicalName(name)
	b.removeAll(name)
	return b.Add(name, value)
}

// RemoveAll deletes every entry for name.
func (b *Builder) RemoveAll(name string) *Builder {
	b.removeAll(CanonicalName(name))
	return b
}

func (b *Builder) removeAll(canon string) {
	out := b.h.entries[:0]
	for _, e := range b.h.entries {
		if e.name != canon {
			out = append(out, e)
		}
	}
	b.h.entries = out
}

// Build returns the accumulated, immutable Headers.
func (b *Builder) Build() Headers {
	cp := make([]entry, len(b.h.entries))
	copy(cp, b.h.entries)
	return Headers{entries: cp}
}

// Empty is the zero-value Headers, reused to avoid allocating nil slices
// all over call sites that just need "no headers".
var Empty = Headers{}

// Get returns the first value for name, or "" if absent.
func (h Headers) Get(name string) string {
	name = CanonicalName(name)
	for _, e := range h.entries {
		if e.name == name {
			return e.value
		}
	}
	return ""
}

// Values returns every value for name in wire order, nil if absent.
func (h Headers) Values(name string) []string {
	name = CanonicalName(name)
	var out []string
	for _, e := range h.entries {
		if e.name == name {
			out = append(out, e.value)
		}
	}
	return out
}

// Has reports whether name has at least one value.
func (h Headers) Has(name string) bool {
	name = CanonicalName(name)
	for _, e := range h.entries {
		if e.name == name {
			return true
		}
	}
	return false
}

// Len returns the number of (name, value) pairs, counting duplicates.
func (h Headers) Len() int { return len(h.entries) }

// Name returns the canonical name at index i, for iterating in wire order.
func (h Headers) Name(i int) string { return h.entries[i].name }

// Value returns the value at index i.
func (h Headers) Value(i int) string { return h.entries[i].value }

// Names returns the distinct header names, each once, in first-seen order.
func (h Headers) Names() []string {
	seen := make(map[string]bool, len(h.entries))
	var out []string
	for _, e := range h.entries {
		if !seen[e.name] {
			seen[e.name] = true
			out = append(out, e.name)
		}
	}
	return out
}

// NewBuilder returns a Builder pre-populated with h's entries, so callers
// can derive a modified copy without mutating h (Headers is immutable once
// built).
func (h Headers) NewBuilder() *Builder {
	b := &Builder{}
	b.h.entries = append(b.h.entries, h.entries...)
	return b
}

// WithSet returns a copy of h with name's values replaced by value.
func (h Headers) WithSet(name, value string) Headers {
	return h.NewBuilder().Set(name, value).Build()
}

// WithAdd returns a copy of h with name/value appended.
func (h Headers) WithAdd(name, value string) Headers {
	return h.NewBuilder().Add(name, value).Build()
}

// WithRemoved returns a copy of h with every entry for name removed.
func (h Headers) WithRemoved(name string) Headers {
	return h.NewBuilder().RemoveAll(name).Build()
}

// Multimap exposes h as a map[string][]string in canonical-key, wire-value
// order — used only at edges that must hand headers to stdlib APIs
// (net/textproto, tests).
func (h Headers) Multimap() map[string][]string {
	m := make(map[string][]string)
	for _, e := range h.entries {
		m[e.name] = append(m[e.name], e.value)
	}
	return m
}

// Vary returns, given the names listed in a Vary response header, the
// corresponding request headers' values for freshness comparison by the
// cache engine (spec.md §4.7).
func (h Headers) Vary(varyNames []string) map[string][]string {
	out := make(map[string][]string, len(varyNames))
	for _, n := range varyNames {
		out[CanonicalName(n)] = h.Values(n)
	}
	return out
}

// sortedEntries returns a stable, name-sorted copy for deterministic wire
// output (matches net/http's header-sorting convention, which the teacher
// carries via hdr's headerSorter).
func (h Headers) sortedEntries() []entry {
	cp := make([]entry, len(h.entries))
	copy(cp, h.entries)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].name < cp[j].name })
	return cp
}

// WriteTo serializes h in "Name: value\r\n" wire format, name-sorted, the
// way hdr.Header.WriteSubset does, excluding any name present in exclude.
func (h Headers) WriteTo(w stringWriter, exclude map[string]bool) error {
	for _, e := range h.sortedEntries() {
		if exclude != nil && exclude[e.name] {
			continue
		}
		v := headerNewlineToSpace.Replace(e.value)
		for _, s := range [...]string{e.name, ": ", v, "\r\n"} {
			if _, err := w.WriteString(s); err != nil {
				return err
			}
		}
	}
	return nil
}

type stringWriter interface {
	WriteString(string) (int, error)
}

var headerNewlineToSpace = strings.NewReplacer("\n", " ", "\r", " ")
