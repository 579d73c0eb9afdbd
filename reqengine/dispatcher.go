/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import "sync"

// Dispatcher bounds async concurrency and tracks every in-flight call for
// cancellation (spec.md §4.9, C10). Grounded on the teacher's
// Transport's idle-connection bookkeeping pattern (one mutex guarding a
// handful of slices/maps), generalized from connections to calls.
type Dispatcher struct {
	mu sync.Mutex

	maxRequests        int
	maxRequestsPerHost int

	readyAsync   []*Call
	runningAsync []*Call
	runningSync  []*Call
	perHost      map[string]int
}

// NewDispatcher returns a Dispatcher with the given limits. A limit <= 0
// means unlimited.
func NewDispatcher(maxRequests, maxRequestsPerHost int) *Dispatcher {
	return &Dispatcher{
		maxRequests:        maxRequests,
		maxRequestsPerHost: maxRequestsPerHost,
		perHost:            map[string]int{},
	}
}

// hostKey is the canonicalized host used for the per-host limit (spec.md
// §4.9 "bounds per canonicalized host").
func hostKey(call *Call) string {
	if call.request.URL == nil {
		return ""
	}
	return call.request.URL.Host
}

// enqueue places call on ready_async, then promotes as many ready calls
// as capacity allows, running each promoted call's callback on its own
// goroutine (spec.md §4.9 "scheduling model: parallel worker
// threads/tasks for async").
func (d *Dispatcher) enqueue(call *Call, callback func(*Response, error)) {
	call.asyncCallback = callback // invoked from within runAsync once the call is promoted
	d.mu.Lock()
	d.readyAsync = append(d.readyAsync, call)
	d.mu.Unlock()
	d.promote()
}

// promote moves as many ready calls into running_async as the global and
// per-host limits permit, starting a goroutine for each.
func (d *Dispatcher) promote() {
	for {
		d.mu.Lock()
		var next *Call
		for i, c := range d.readyAsync {
			host := hostKey(c)
			if d.maxRequests > 0 && len(d.runningAsync) >= d.maxRequests {
				break
			}
			if d.maxRequestsPerHost > 0 && d.perHost[host] >= d.maxRequestsPerHost {
				continue
			}
			next = c
			d.readyAsync = append(d.readyAsync[:i:i], d.readyAsync[i+1:]...)
			d.runningAsync = append(d.runningAsync, c)
			d.perHost[host]++
			break
		}
		d.mu.Unlock()
		if next == nil {
			return
		}
		go d.runAsync(next)
	}
}

func (d *Dispatcher) runAsync(call *Call) {
	resp, err := call.execute()
	d.finished(call)
	if call.asyncCallback != nil {
		call.asyncCallback(resp, err)
	}
}

// finished removes call from running_async/running_sync and decrements
// its host count, then promotes the next ready call (spec.md §4.9 "On
// call finish the dispatcher promotes from ready").
func (d *Dispatcher) finished(call *Call) {
	d.mu.Lock()
	d.runningAsync = removeCall(d.runningAsync, call)
	d.runningSync = removeCall(d.runningSync, call)
	host := hostKey(call)
	if d.perHost[host] > 0 {
		d.perHost[host]--
	}
	d.mu.Unlock()
	d.promote()
}

func (d *Dispatcher) trackSync(call *Call) {
	d.mu.Lock()
	d.runningSync = append(d.runningSync, call)
	d.mu.Unlock()
}

// cancelAll sets the canceled flag on every tracked call (spec.md §4.9
// "cancel_all() sets the canceled flag on every tracked call and
// stream").
func (d *Dispatcher) cancelAll() {
	d.mu.Lock()
	all := make([]*Call, 0, len(d.readyAsync)+len(d.runningAsync)+len(d.runningSync))
	all = append(all, d.readyAsync...)
	all = append(all, d.runningAsync...)
	all = append(all, d.runningSync...)
	d.mu.Unlock()
	for _, c := range all {
		c.Cancel()
	}
}

func removeCall(list []*Call, call *Call) []*Call {
	for i, c := range list {
		if c == call {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
