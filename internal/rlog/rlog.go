/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package rlog is the engine's internal structured-logging seam: a thin
// wrapper over *zap.Logger that defaults to a no-op logger so the library
// stays silent unless a caller opts in (ambient stack, see SPEC_FULL.md §1).
package rlog

import "go.uber.org/zap"

// Logger is the subset of *zap.Logger the engine's internals use.
type Logger struct {
	z *zap.Logger
}

// Nop is the default, zero-cost logger.
var Nop = Logger{z: zap.NewNop()}

// Wrap adapts a caller-supplied *zap.Logger. A nil z falls back to Nop.
func Wrap(z *zap.Logger) Logger {
	if z == nil {
		return Nop
	}
	return Logger{z: z}
}

func (l Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// With returns a Logger with fields attached to every subsequent entry,
// mirroring zap's own API so call sites read identically to vanilla zap
// usage elsewhere in the pack (e.g. caddyserver/caddy).
func (l Logger) With(fields ...zap.Field) Logger {
	return Logger{z: l.z.With(fields...)}
}
