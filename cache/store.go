/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package cache implements the HTTP response cache engine (spec.md §4.7,
// C9): RFC 7234 freshness/validation decisions, 304 merging, and a
// pluggable Store. Nothing in the example pack implements RFC 7234
// directly, so the policy (cache.go) is hand-written against spec.md;
// the Store/entry split follows the teacher's habit of separating a
// narrow public interface from one default implementation (see e.g.
// hdr's Header type versus its canon helpers).
package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/badu/reqengine/headers"
)

// Entry is one stored cache entry: sibling metadata and body blobs, per
// spec.md §1 GLOSSARY "cache entry".
type Entry struct {
	RequestMethod  string
	RequestHeaders headers.Headers // all request headers as sent; Strategy compares those the stored Vary names

	ResponseCode    int
	ResponseHeaders headers.Headers
	Protocol        string
	FetchedAt       int64 // unix seconds, request sent
	ReceivedAt      int64 // unix seconds, response headers received

	Body []byte
}

// Store persists Entries keyed by canonicalized request URL (spec.md
// §4.7 "Keyed by canonicalized request URL"). Implementations need not
// be safe for concurrent use unless documented otherwise; LRUStore is.
type Store interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
	Delete(key string)
}

// Key canonicalizes a request URL into a cache key using xxhash, the way
// the pack's cache-adjacent examples key by hashed URL rather than the
// raw (possibly very long) string.
func Key(canonicalURL string) string {
	sum := xxhash.Sum64String(canonicalURL)
	return formatHex(sum)
}

func formatHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(b)
}

// LRUStore is the default Store, backed by github.com/hashicorp/golang-lru
// (spec.md §6 "a reasonable default store", generalized so callers can
// size it or supply their own Store entirely).
type LRUStore struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewLRUStore creates an LRUStore capped at maxEntries.
func NewLRUStore(maxEntries int) (*LRUStore, error) {
	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, err
	}
	return &LRUStore{lru: c}, nil
}

func (s *LRUStore) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (s *LRUStore) Put(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, e)
}

func (s *LRUStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}
