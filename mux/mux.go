// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mux implements the channel multiplexer: the per-worker
// routing table that maps inbound wire frames onto the right
// chain.BufferChain, and the Channel handle that local code allocates
// and reads through (spec §4.4).
package mux

import (
	"context"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/internal/bitset"
	"github.com/ductwork/duct/stats"
	"github.com/ductwork/duct/stream"
)

func wrapBuffer(b []byte) block.BinaryBuffer { return block.NewBinaryBuffer(b) }

// Channel is the receive-side state for one channel_id: its target
// chain, an optional ordered staging area for all-to-all scatter
// channels, and the set of senders that have closed so far (spec §3).
type Channel struct {
	ID       uint32
	n        int // group size
	Target   *chain.BufferChain
	ordered  *chain.OrderedBufferChain

	mu      sync.Mutex
	closedBy *bitset.Set
}

// newChannel returns an open Channel of the given id and group size. If
// ordered is true, inbound data is staged per-sender and merged into
// Target only once every sender has closed (spec §4.4, §4.5).
func newChannel(id uint32, n int, ordered bool) *Channel {
	c := &Channel{
		ID:       id,
		n:        n,
		Target:   chain.New(),
		closedBy: bitset.New(n),
	}
	if ordered {
		c.ordered = chain.NewOrdered()
	}
	return c
}

// IsFinished reports whether the target chain has been closed: either
// every sender has closed, or the channel has failed (spec §3 channel
// invariant).
func (c *Channel) IsFinished() bool {
	return c.Target.IsClosed()
}

// MarkSenderClosed records that rank has closed this channel. Once every
// rank has closed, any ordered staging area is merged into the target
// chain and the target chain is closed (spec §4.4). It is used both for
// remote CHANNEL_CLOSE frames and for a local sender's own close (spec
// §4.5 edge case (c): every sender, including the receiver itself,
// closes exactly once).
func (c *Channel) MarkSenderClosed(rank int) error {
	c.mu.Lock()
	c.closedBy.SetBit(rank)
	allClosed := c.closedBy.All()
	c.mu.Unlock()

	if !allClosed {
		return nil
	}
	if c.ordered != nil {
		if err := c.ordered.MergeInto(c.Target); err != nil {
			return err
		}
	}
	c.Target.Close()
	return nil
}

// Fail marks the channel's target chain as failed, propagating err to
// any iterator reading it (spec §7 propagation policy).
func (c *Channel) Fail(err error) {
	c.Target.Close()
	c.Target.Fail(err)
}

// AppendFromRank appends buf, carrying n elements, as rank's
// contribution to this channel — the same path HandleData uses for a
// remote sender's frames. For an ordered channel this stages into the
// per-rank merge area rather than Target directly, so a local writer
// (scatter's own rank, or a runtimeapi.GetNetworkEmitters self-emitter)
// participates in the deterministic rank-ordered merge exactly like
// every other sender (spec §4.4, §4.5).
func (c *Channel) AppendFromRank(rank int, buf block.BinaryBuffer, n int) error {
	if c.ordered != nil {
		c.ordered.Append(rank, buf, n)
		return nil
	}
	return c.Target.AppendSealed(buf, n)
}

// SelfDestination returns a stream.Destination through which rank's own
// emitter feeds this channel in-process, instead of over the wire — the
// local leg of the N Destinations a runtimeapi.GetNetworkEmitters call
// constructs for a network channel (spec §6).
func (c *Channel) SelfDestination(rank int) stream.Destination {
	return &selfDestination{ch: c, rank: rank}
}

type selfDestination struct {
	ch   *Channel
	rank int
}

func (d *selfDestination) Send(_ context.Context, buf block.BinaryBuffer, n int) error {
	return d.ch.AppendFromRank(d.rank, buf, n)
}

func (d *selfDestination) SendClose(context.Context) error {
	return d.ch.MarkSenderClosed(d.rank)
}

// Multiplexer owns every Channel on a worker. Channel-id allocation is a
// monotone per-worker counter; the contract (enforced by the caller, per
// spec §6) is that every worker in the group invokes
// NewChannel in the same program order, so the same
// call returns the same id everywhere.
type Multiplexer struct {
	n int // group size

	mu       sync.Mutex
	next     uint32
	channels map[uint32]*Channel
	// pending holds blocks received for a channel_id before the local
	// side has allocated it; adopted into the Channel once it exists
	// (spec §4.4 "buffers provisionally... adopted on allocation").
	pending map[uint32]*pendingChannel

	Stats *stats.Map
}

type pendingChannel struct {
	ordered  *chain.OrderedBufferChain
	closedBy *bitset.Set
}

// NewMultiplexer returns a Multiplexer for a group of size n.
func NewMultiplexer(n int) *Multiplexer {
	return &Multiplexer{
		n:        n,
		channels: make(map[uint32]*Channel),
		pending:  make(map[uint32]*pendingChannel),
		Stats:    stats.NewMap(),
	}
}

// NewChannel allocates the next channel id and returns its handle. If
// ordered is true, the channel stages inbound data per-sender for a
// deterministic rank-ordered merge (used by scatter; spec §4.4, §4.5).
func (m *Multiplexer) NewChannel(ordered bool) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	ch := newChannel(id, m.n, ordered)
	p, hadPending := m.pending[id]
	delete(m.pending, id)
	m.channels[id] = ch
	m.Stats.Int("channelsAllocated").Add(1)
	log.Printf("mux: allocated channel %d (ordered=%v)", id, ordered)
	if !hadPending {
		return ch
	}

	// Adopt data that arrived before local allocation (spec §4.4).
	for i := 0; i < m.n; i++ {
		if p.closedBy.IsSet(i) {
			ch.closedBy.SetBit(i)
		}
	}
	if ordered {
		// Future inbound data keeps staging in the adopted map; it is
		// merged only once every sender has closed.
		ch.ordered = p.ordered
		if ch.closedBy.All() {
			if err := ch.ordered.MergeInto(ch.Target); err != nil {
				log.Error.Printf("mux: merge pending channel %d: %v", id, err)
			}
			ch.Target.Close()
		}
	} else {
		// Direct channels have no ongoing staging area: splice the
		// provisional data straight into the target chain now.
		if err := p.ordered.MergeInto(ch.Target); err != nil {
			log.Error.Printf("mux: adopt pending channel %d: %v", id, err)
		}
		if ch.closedBy.All() {
			ch.Target.Close()
		}
	}
	return ch
}

// Channel returns the handle for id, or nil if it has not yet been
// allocated locally.
func (m *Multiplexer) Channel(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

// HandleData appends a received block of n elements from srcRank onto
// channel id, per spec §4.4. If the channel has not yet been allocated
// locally, the block is staged provisionally.
func (m *Multiplexer) HandleData(id uint32, srcRank int, buf []byte, n int) error {
	m.mu.Lock()
	ch := m.channels[id]
	if ch == nil {
		p := m.pendingPerhapsCreate(id)
		m.mu.Unlock()
		return p.append(srcRank, buf, n)
	}
	m.mu.Unlock()

	return ch.AppendFromRank(srcRank, wrapBuffer(buf), n)
}

// HandleClose records a CHANNEL_CLOSE from srcRank on channel id, per
// spec §4.4.
func (m *Multiplexer) HandleClose(id uint32, srcRank int) error {
	m.mu.Lock()
	ch := m.channels[id]
	if ch == nil {
		p := m.pendingPerhapsCreate(id)
		m.mu.Unlock()
		p.closedBy.SetBit(srcRank)
		return nil
	}
	m.mu.Unlock()
	m.Stats.Int("closeFramesHandled").Add(1)
	return ch.MarkSenderClosed(srcRank)
}

func (m *Multiplexer) pendingPerhapsCreate(id uint32) *pendingChannel {
	p, ok := m.pending[id]
	if !ok {
		p = &pendingChannel{
			ordered:  chain.NewOrdered(),
			closedBy: bitset.New(m.n),
		}
		m.pending[id] = p
	}
	return p
}

func (p *pendingChannel) append(srcRank int, buf []byte, n int) error {
	p.ordered.Append(srcRank, wrapBuffer(buf), n)
	return nil
}

// FailAll marks every channel on the multiplexer as failed with err. It
// is invoked by netio when a connection is lost (spec §4.6, §7).
func (m *Multiplexer) FailAll(err error) {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()
	for _, ch := range channels {
		ch.Fail(errors.E(errors.Net, err, "mux: connection failure"))
	}
}
