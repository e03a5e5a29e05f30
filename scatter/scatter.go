// Copyright 2015 Timo Bingmann <tb@panthema.net>
// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scatter implements the all-to-all shuffle protocol: given a
// local source chain and a partition vector, each worker redistributes
// its share of the collection so that every worker ends up with a
// contiguous, deterministically ordered range (spec §4.5).
package scatter

import (
	"bufio"
	"bytes"
	"context"

	"github.com/grailbio/base/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
	"github.com/ductwork/duct/mux"
	"github.com/ductwork/duct/netio"
	"github.com/ductwork/duct/stats"
)

// Offsets is a partition vector of length N. Offsets[j] is the global
// prefix of the source chain, up to and including the portion destined
// for worker j; Offsets[-1] is implicitly 0 (spec §4.5).
type Offsets []int

// rangeFor returns the half-open element range [lo, hi) destined for
// worker j.
func (o Offsets) rangeFor(j int) (lo, hi int) {
	if j == 0 {
		return 0, o[0]
	}
	return o[j-1], o[j]
}

// Run executes the scatter protocol for worker group.MyRank: it
// partitions source according to offsets and, for every peer j,
// transmits the range of records covering [offsets[j-1], offsets[j])
// (spec §4.5 steps 1-3). channelID must have been allocated identically
// — in the same program order — on every worker (spec §6). c is the
// codec for the record type carried by source; it is used only to
// decode-and-reencode the rare block that straddles a partition
// boundary (spec §4.5(b), §9 open question on offset_of_first) — blocks
// that fall entirely within one peer's range are handed over whole and
// never touched.
//
// Run returns once every peer's CLOSE has been sent; it does not wait
// for remote acknowledgement, matching the fire-and-forget nature of the
// wire protocol (spec §4.5, §5 ordering guarantees).
func Run[T any](ctx context.Context, group *netio.NetGroup, channelID uint32, source *chain.BufferChain, localTarget *mux.Channel, offsets Offsets, c codec.Codec[T]) error {
	n := group.Size()
	if len(offsets) != n {
		return errors.E(errors.Invalid, "scatter: offsets length must equal group size")
	}
	snap := source.Snapshot()

	grp, ctx := errgroup.WithContext(ctx)
	for j := 0; j < n; j++ {
		j := j
		lo, hi := offsets.rangeFor(j)
		if lo > hi {
			return errors.E(errors.Invalid, "scatter: offsets must be non-decreasing")
		}
		elems, err := slice(snap, lo, hi, c, group.Stats)
		if err != nil {
			return err
		}
		if j == group.MyRank {
			// Step 2: stage the local share through the same path a remote
			// sender's frames take, then record our own close (edge case
			// (c): self-close is local bookkeeping, not a wire frame). For
			// an ordered channel this keeps the self-rank's contribution
			// merging into its correct rank-ordered slot rather than
			// landing at the front of the chain regardless of MyRank.
			if err := appendLocal(group.MyRank, elems, localTarget); err != nil {
				return err
			}
			if err := localTarget.MarkSenderClosed(group.MyRank); err != nil {
				return err
			}
			continue
		}
		grp.Go(func() error {
			return sendElements(ctx, group, channelID, elems, j)
		})
	}
	return grp.Wait()
}

// slice returns the BufferChainElements covering element range [lo, hi)
// of snap. Blocks that lie entirely within the range are returned
// byte-for-byte, without copying; a block straddling lo or hi is
// decoded and re-encoded to carry only the elements that belong to this
// range (spec §4.5(b)).
func slice[T any](snap chain.Snapshot, lo, hi int, c codec.Codec[T], st *stats.Map) ([]chain.BufferChainElement, error) {
	if lo >= hi {
		return nil, nil
	}
	startBlock, startOff, ok := snap.Locate(lo)
	if !ok {
		return nil, errors.E(errors.Fatal, "scatter: offset out of range of source chain")
	}
	endBlock, endOff, ok := snap.Locate(hi - 1)
	if !ok {
		return nil, errors.E(errors.Fatal, "scatter: offset out of range of source chain")
	}

	var out []chain.BufferChainElement
	cumulative := 0
	for b := startBlock; b <= endBlock; b++ {
		elem := snap.At(b)
		prevCumulative := 0
		if b > 0 {
			prevCumulative = snap.At(b - 1).CumulativeElementCount
		}
		blockLen := elem.CumulativeElementCount - prevCumulative

		rangeStart, rangeEnd := 0, blockLen
		if b == startBlock {
			rangeStart = startOff
		}
		if b == endBlock {
			rangeEnd = endOff + 1
		}

		if rangeStart == 0 && rangeEnd == blockLen {
			st.Int("blocksPassedWhole").Add(1)
			cumulative += blockLen
			newElem, err := chain.NewElement(elem.Buffer, cumulative, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, newElem)
			continue
		}
		st.Int("blocksReencoded").Add(1)
		buf, n, err := reencode(elem.Buffer, rangeStart, rangeEnd, c)
		if err != nil {
			return nil, err
		}
		cumulative += n
		newElem, err := chain.NewElement(buf, cumulative, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, newElem)
	}
	return out, nil
}

// reencode decodes records [rangeStart, rangeEnd) out of buf and encodes
// them into a freshly sealed block. This is the only place the scatter
// protocol looks inside a record's encoding; it is reserved for the
// boundary blocks that slice cuts through.
func reencode[T any](buf block.BinaryBuffer, rangeStart, rangeEnd int, c codec.Codec[T]) (block.BinaryBuffer, int, error) {
	r := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	for i := 0; i < rangeStart; i++ {
		if _, err := c.Decode(r); err != nil {
			return block.BinaryBuffer{}, 0, errors.E(errors.Fatal, err, "scatter: reencode: skip")
		}
	}
	w := block.NewBuilder()
	for i := rangeStart; i < rangeEnd; i++ {
		v, err := c.Decode(r)
		if err != nil {
			return block.BinaryBuffer{}, 0, errors.E(errors.Fatal, err, "scatter: reencode: decode")
		}
		if err := c.Encode(w, v); err != nil {
			return block.BinaryBuffer{}, 0, errors.E(errors.Fatal, err, "scatter: reencode: encode")
		}
	}
	out, n := w.Detach()
	return out, n, nil
}

// blockCounts turns elems' prefix-sum CumulativeElementCounts back into
// per-block element counts, the form both the wire frames and
// Channel.AppendFromRank want.
func blockCounts(elems []chain.BufferChainElement) ([]block.BinaryBuffer, []int) {
	bufs := make([]block.BinaryBuffer, len(elems))
	ns := make([]int, len(elems))
	prevCumulative := 0
	for i, elem := range elems {
		bufs[i] = elem.Buffer
		ns[i] = elem.CumulativeElementCount - prevCumulative
		prevCumulative = elem.CumulativeElementCount
	}
	return bufs, ns
}

// appendLocal stages rank's own elems into target through
// Channel.AppendFromRank, the same entry point remote senders' frames
// use (spec §4.4, §4.5): an ordered channel merges the self contribution
// in rank order along with everyone else's; a direct channel appends it
// straight into Target.
func appendLocal(rank int, elems []chain.BufferChainElement, target *mux.Channel) error {
	bufs, ns := blockCounts(elems)
	for i, buf := range bufs {
		if err := target.AppendFromRank(rank, buf, ns[i]); err != nil {
			return err
		}
	}
	return nil
}

// sendElements streams elems to dstRank over the wire, followed by a
// CHANNEL_CLOSE (spec §4.5 step 3, edge cases (a) and (b)).
func sendElements(ctx context.Context, group *netio.NetGroup, channelID uint32, elems []chain.BufferChainElement, dstRank int) error {
	bufs, ns := blockCounts(elems)
	for i, buf := range bufs {
		if err := group.SendData(ctx, dstRank, channelID, ns[i], buf.Bytes()); err != nil {
			return err
		}
	}
	// Edge case (a): an empty range still sends exactly one CLOSE.
	return group.SendClose(ctx, dstRank, channelID)
}
