// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the named counters netio, mux, and scatter
// increment as they move frames and blocks around: framesSent,
// bytesReceived, blocksReencoded, and so on. It is a deliberately small
// slice of the teacher's original stats package — this module has no
// bigmachine task-result merge step to attach a snapshot/aggregation
// API to, so Values, AddAll, and Set are not carried forward; only the
// create-on-first-use counter map that netio/mux/scatter actually call
// into survives.
package stats

import (
	"sync"
	"sync/atomic"
)

// A Map is a set of named counters, created lazily on first reference.
type Map struct {
	mu     sync.Mutex
	counts map[string]*Int
}

// NewMap returns a fresh, empty Map.
func NewMap() *Map {
	return &Map{counts: make(map[string]*Int)}
}

// Int returns the counter named name, creating it if this is the first
// reference.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts[name]
	if c == nil {
		c = new(Int)
		m.counts[name] = c
	}
	return c
}

// Snapshot returns the current value of every counter in m, for tests
// and diagnostic logging.
func (m *Map) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for name, c := range m.counts {
		out[name] = c.Get()
	}
	return out
}

// An Int is an atomically-updated counter. The zero value counts zero,
// and a nil *Int absorbs Add/Get as no-ops so a counter can be omitted
// from a Map without callers needing a nil check.
type Int struct {
	val int64
}

// Add increments the counter by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the counter's current value.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
