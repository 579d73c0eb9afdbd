/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package connpool implements the keep-alive connection pool (spec.md
// §4.2, C3): address-keyed registry, acquire/put/evict, and a background
// cleaner. Grounded on the teacher's src/http/tport/persist_conn.go idle
// connection bookkeeping (Transport.idleConn / tryPutIdleConn),
// generalized from "one net/http.Transport" to address-equivalence
// pooling and HTTP/2 multiplex-aware acquisition.
package connpool

import (
	"sync"
	"time"

	"github.com/badu/reqengine/addr"
	"github.com/badu/reqengine/internal/rlog"
)

// Conn is the subset of a connection the pool needs to manage, satisfied
// by internal/xfer.Connection. Defined here (rather than imported) to
// avoid a xfer<->connpool import cycle, the way the teacher splits
// persistConn bookkeeping from the transport that creates persistConns.
type Conn interface {
	Address() *addr.Address
	Route() *addr.Route
	Protocol() string // "http/1.1" or "h2"
	IsMultiplexed() bool
	HasCapacity() bool // true if another exchange can start now
	NoNewExchanges() bool
	AllocationCount() int
	IdleAt() time.Time
	SetIdleAt(time.Time)
	Close() error
}

// Pool is the keep-alive registry. Concurrent mutation is serialized by
// mu, per spec.md §4.2 "Concurrent mutation is serialized per pool."
type Pool struct {
	mu    sync.Mutex
	conns map[*addr.Address][]Conn // bucket key is a *representative* address; see bucket()

	MaxIdleConnections int
	KeepAlive          time.Duration

	log rlog.Logger

	cleanerOnce sync.Once
	stop        chan struct{}
}

// New returns an empty Pool. maxIdle <= 0 means unlimited; keepAlive <= 0
// disables the idle timeout (connections live until evicted some other
// way).
func New(maxIdle int, keepAlive time.Duration, log rlog.Logger) *Pool {
	return &Pool{
		conns:              map[*addr.Address][]Conn{},
		MaxIdleConnections: maxIdle,
		KeepAlive:          keepAlive,
		log:                log,
		stop:               make(chan struct{}),
	}
}

// bucket finds the existing map key that is Address.Equal to a, or a
// itself if none exists yet — this is what makes two differently
// constructed clients with equivalent Address values share one bucket
// (spec.md §4.2 invariant).
func (p *Pool) bucket(a *addr.Address) *addr.Address {
	for k := range p.conns {
		if k.Equal(a) {
			return k
		}
	}
	return a
}

// Acquire returns an existing pooled connection for address that is not
// marked no-new-exchanges and either (a) is HTTP/1 idle and
// requireMultiplexed is false, or (b) is HTTP/2 with capacity. Ties go to
// the most recently used connection (spec.md §4.2 "acquire").
func (p *Pool) Acquire(address *addr.Address, requireMultiplexed bool) Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := p.bucket(address)
	list := p.conns[key]
	var best Conn
	var bestIdx int
	for i, c := range list {
		if c.NoNewExchanges() {
			continue
		}
		if c.IsMultiplexed() {
			if !c.HasCapacity() {
				continue
			}
		} else {
			if requireMultiplexed || c.AllocationCount() > 0 {
				continue
			}
		}
		if best == nil || c.IdleAt().After(best.IdleAt()) {
			best, bestIdx = c, i
		}
	}
	if best != nil && !best.IsMultiplexed() {
		// HTTP/1 connections leave the idle list once acquired; HTTP/2
		// connections stay (other streams may still be idle-eligible).
		p.conns[key] = append(append([]Conn{}, list[:bestIdx]...), list[bestIdx+1:]...)
	}
	return best
}

// Put inserts an idle connection and stamps its idle time (spec.md §4.2
// "put").
func (p *Pool) Put(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.SetIdleAt(time.Now())
	key := p.bucket(c.Address())
	for _, existing := range p.conns[key] {
		if existing == c {
			return
		}
	}
	p.conns[key] = append(p.conns[key], c)
}

// ConnectionBecameIdle resets idle_at if c's allocation set is empty
// (spec.md §4.2 "connection_became_idle").
func (p *Pool) ConnectionBecameIdle(c Conn) bool {
	if c.AllocationCount() > 0 {
		return false
	}
	c.SetIdleAt(time.Now())
	return true
}

// Remove drops c from the pool without closing it (used when an error is
// observed on c: spec.md §4.2 "A connection leaves the pool when any read
// or write error is observed on it").
func (p *Pool) Remove(c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := p.bucket(c.Address())
	list := p.conns[key]
	for i, existing := range list {
		if existing == c {
			p.conns[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// EvictAll closes every connection immediately (spec.md §4.2
// "evict_all").
func (p *Pool) EvictAll() {
	p.mu.Lock()
	all := p.conns
	p.conns = map[*addr.Address][]Conn{}
	p.mu.Unlock()
	for _, list := range all {
		for _, c := range list {
			c.Close()
		}
	}
}

// Size returns the total number of pooled connections (idle + in use),
// used by the cleaner against MaxIdleConnections.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.conns {
		n += len(list)
	}
	return n
}

// StartCleaner launches the background cleaner goroutine exactly once,
// running at most every KeepAlive/2 (spec.md §4.2 "Background cleaner").
func (p *Pool) StartCleaner() {
	p.cleanerOnce.Do(func() {
		if p.KeepAlive <= 0 {
			return
		}
		go p.cleanLoop()
	})
}

// Close stops the cleaner goroutine and evicts every connection.
func (p *Pool) Close() {
	close(p.stop)
	p.EvictAll()
}

func (p *Pool) cleanLoop() {
	interval := p.KeepAlive / 2
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-t.C:
			p.clean()
		}
	}
}

func (p *Pool) clean() {
	now := time.Now()
	over := p.Size() - p.MaxIdleConnections

	p.mu.Lock()
	var toClose []Conn
	for key, list := range p.conns {
		kept := list[:0]
		for _, c := range list {
			expired := c.AllocationCount() == 0 && now.Sub(c.IdleAt()) > p.KeepAlive
			evictForCapacity := p.MaxIdleConnections > 0 && over > 0 && c.AllocationCount() == 0
			if expired || evictForCapacity {
				toClose = append(toClose, c)
				if evictForCapacity {
					over--
				}
				continue
			}
			kept = append(kept, c)
		}
		p.conns[key] = kept
	}
	p.mu.Unlock()

	for _, c := range toClose {
		p.log.Debug("connpool: closing idle connection")
		c.Close()
	}
}
