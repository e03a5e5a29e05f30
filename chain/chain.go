// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package chain implements BufferChain, the ordered, append-only sequence
// of immutable blocks that backs every duct channel's receive-side state,
// and OrderedBufferChain, the per-sender staging area used to merge an
// all-to-all scatter into deterministic rank order.
package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/ctxsync"
)

// BufferChainElement is one block appended to a BufferChain: an immutable
// buffer, the prefix sum of element counts through and including this
// block, and a reserved offset into the buffer at which the first
// complete record begins.
type BufferChainElement struct {
	Buffer                block.BinaryBuffer
	CumulativeElementCount int
	OffsetOfFirst          int
}

// NewElement constructs a BufferChainElement. OffsetOfFirst is reserved
// for future byte-level slicing support and must currently be zero; a
// non-zero value is an Invariant error (spec §3, §9 open question).
func NewElement(buf block.BinaryBuffer, cumulative, offset int) (BufferChainElement, error) {
	if offset != 0 {
		return BufferChainElement{}, errors.E(errors.Fatal, "offset_of_first: non-zero offset is reserved and unsupported")
	}
	return BufferChainElement{Buffer: buf, CumulativeElementCount: cumulative, OffsetOfFirst: offset}, nil
}

// Snapshot is a stable view over a BufferChain's elements as of the
// moment it was taken. Because the chain only ever appends, indices into
// a Snapshot remain valid even as the chain continues to grow
// concurrently.
type Snapshot struct {
	elements []BufferChainElement
}

// Len returns the number of blocks in the snapshot.
func (s Snapshot) Len() int { return len(s.elements) }

// At returns the i'th block in the snapshot.
func (s Snapshot) At(i int) BufferChainElement { return s.elements[i] }

// Size returns the total number of elements covered by the snapshot, or
// 0 if the snapshot is empty.
func (s Snapshot) Size() int {
	if len(s.elements) == 0 {
		return 0
	}
	return s.elements[len(s.elements)-1].CumulativeElementCount
}

// Locate returns the index of the block containing the global element at
// position k (0-based), and the 0-based offset of k within that block's
// run of elements. Locate uses the cumulative-count field to binary
// search rather than scan (spec §4.1 design rationale). ok is false if k
// is out of range for the snapshot.
func (s Snapshot) Locate(k int) (blockIndex, offsetInBlock int, ok bool) {
	if k < 0 || k >= s.Size() {
		return 0, 0, false
	}
	i := sort.Search(len(s.elements), func(i int) bool {
		return s.elements[i].CumulativeElementCount > k
	})
	prev := 0
	if i > 0 {
		prev = s.elements[i-1].CumulativeElementCount
	}
	return i, k - prev, true
}

// BufferChain is an ordered, append-only sequence of blocks, a closed
// flag, and a condition variable, safe for concurrent append and
// concurrent consume by a single appending writer and any number of
// readers (spec §3, §4.1, §5).
type BufferChain struct {
	mu     sync.Mutex
	bcast  *ctxsync.Broadcaster
	elems  []BufferChainElement
	closed bool
	err    error
}

// New returns an empty, open BufferChain.
func New() *BufferChain {
	c := &BufferChain{}
	c.bcast = ctxsync.NewBroadcaster(&c.mu)
	return c
}

// AppendBuilder seals b's contents into an immutable buffer, appends a
// new element with cumulative = previous cumulative + b.Elements(), and
// resets b to empty. AppendBuilder is thread-safe and runs in O(1).
func (c *BufferChain) AppendBuilder(b *block.Builder) error {
	if b.Empty() {
		return nil
	}
	buf, n := b.Detach()
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, err := NewElement(buf, c.size()+n, 0)
	if err != nil {
		return err
	}
	c.elems = append(c.elems, elem)
	c.bcast.Broadcast()
	return nil
}

// AppendElement appends an already-sealed element. This method is not
// safe for use concurrently with other appenders; it is used only by
// OrderedBufferChain.MergeInto, after every sender on the channel has
// closed (spec §4.1, §5, §9 second open question).
func (c *BufferChain) AppendElement(e BufferChainElement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elems = append(c.elems, e)
	c.bcast.Broadcast()
}

// AppendSealed computes buf's cumulative element count and appends it
// under a single lock, so that concurrent callers on the same chain
// (multiple senders on a direct channel, per spec §4.4) can never
// interleave a read of the current size with another goroutine's
// append — which would otherwise let two blocks record the same or a
// decreasing CumulativeElementCount, violating the §3 monotonicity
// invariant. Unlike AppendElement, AppendSealed is safe for concurrent
// use by multiple appenders.
func (c *BufferChain) AppendSealed(buf block.BinaryBuffer, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, err := NewElement(buf, c.size()+n, 0)
	if err != nil {
		return err
	}
	c.elems = append(c.elems, elem)
	c.bcast.Broadcast()
	return nil
}

// Wait blocks until the next append or close, or until ctx is done.
func (c *BufferChain) Wait(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bcast.Wait(ctx, c.bcast.Gen())
}

// WaitUntilClosed blocks until the chain is closed, or until ctx is
// done. It returns immediately if the chain is already closed.
func (c *BufferChain) WaitUntilClosed(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.closed {
		gen := c.bcast.Gen()
		if err := c.bcast.Wait(ctx, gen); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the chain closed and wakes all waiters. Close is
// idempotent (P7): calls after the first are no-ops.
func (c *BufferChain) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.bcast.Broadcast()
}

// Fail closes the chain and records err, which Err subsequently returns.
// Fail is used when a transport error makes the channel unrecoverable
// (spec §7 propagation policy).
func (c *BufferChain) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	if !c.closed {
		c.closed = true
		c.bcast.Broadcast()
	}
}

// Err returns the error passed to Fail, if any.
func (c *BufferChain) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsClosed reports whether the chain has been closed.
func (c *BufferChain) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// DeleteAll releases every block's backing storage. DeleteAll is only
// safe to call once no iterator still holds a reference into the chain.
func (c *BufferChain) DeleteAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.elems {
		c.elems[i].Buffer.Release()
	}
	c.elems = nil
}

// Size returns the cumulative element count of the last block, or 0 if
// the chain is empty.
func (c *BufferChain) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size()
}

func (c *BufferChain) size() int {
	if len(c.elems) == 0 {
		return 0
	}
	return c.elems[len(c.elems)-1].CumulativeElementCount
}

// Snapshot takes a stable view of the chain's current elements. Readers
// may traverse the returned Snapshot without further coordination with
// concurrent appenders (spec §3 "concurrent readers may iterate... safely").
func (c *BufferChain) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	elems := make([]BufferChainElement, len(c.elems))
	copy(elems, c.elems)
	return Snapshot{elements: elems}
}

// OrderedBufferChain stages BufferChainElements by sender rank. MergeInto
// atomically transcribes every rank's elements, in rank order, into a
// target BufferChain, recomputing cumulative counts (spec §3, §4.1).
type OrderedBufferChain struct {
	mu      sync.Mutex
	byRank  map[int][]block.BinaryBuffer
	counts  map[int][]int
	merged  bool
}

// NewOrdered returns an empty OrderedBufferChain.
func NewOrdered() *OrderedBufferChain {
	return &OrderedBufferChain{
		byRank: make(map[int][]block.BinaryBuffer),
		counts: make(map[int][]int),
	}
}

// Append stages buf as the next block received from rank, carrying n
// elements. Append preserves per-rank flush order.
func (o *OrderedBufferChain) Append(rank int, buf block.BinaryBuffer, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byRank[rank] = append(o.byRank[rank], buf)
	o.counts[rank] = append(o.counts[rank], n)
}

// MergeInto transcribes all staged blocks, ordered by rank ascending and
// then by arrival order within a rank, into target, recomputing
// cumulative element counts along the way. MergeInto must only be called
// once all senders have closed on the owning channel (spec §4.1, §9); a
// second call returns an Invariant error.
func (o *OrderedBufferChain) MergeInto(target *BufferChain) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.merged {
		return errors.E(errors.Fatal, "OrderedBufferChain: MergeInto called more than once")
	}
	o.merged = true

	ranks := make([]int, 0, len(o.byRank))
	for r := range o.byRank {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	cumulative := target.Size()
	for _, r := range ranks {
		bufs := o.byRank[r]
		counts := o.counts[r]
		for i, buf := range bufs {
			cumulative += counts[i]
			elem, err := NewElement(buf, cumulative, 0)
			if err != nil {
				return err
			}
			target.AppendElement(elem)
		}
	}
	return nil
}
