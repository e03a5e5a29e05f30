// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"bufio"
	"bytes"
	"context"

	"github.com/grailbio/base/errors"

	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
)

// ErrExhausted is returned by Iterator.Next when no record is available,
// that is, when HasNext would report false (spec §7 "Exhausted").
var ErrExhausted = errors.E(errors.Precondition, "stream: next called without has_next")

// Iterator deserializes records of type T out of a chain.BufferChain, in
// the order they were appended (spec §4.3).
type Iterator[T any] struct {
	ch    *chain.BufferChain
	codec codec.Codec[T]

	snap   chain.Snapshot
	block  int // index into snap of the block currently being read
	reader *bufio.Reader
}

// NewIterator returns an Iterator over ch, decoding records with c.
func NewIterator[T any](ch *chain.BufferChain, c codec.Codec[T]) *Iterator[T] {
	return &Iterator[T]{ch: ch, codec: c}
}

// advance moves past any exhausted blocks, positioning reader at the
// next record, if any is currently available. It re-snapshots the chain
// when the current snapshot has been fully consumed, to pick up blocks
// appended since the last snapshot.
func (it *Iterator[T]) advance() {
	for {
		if it.reader != nil && it.readerHasMore() {
			return
		}
		if it.block >= it.snap.Len() {
			it.snap = it.ch.Snapshot()
		}
		if it.block >= it.snap.Len() {
			it.reader = nil
			return
		}
		it.reader = bufio.NewReader(bytes.NewReader(it.snap.At(it.block).Buffer.Bytes()))
		if _, err := it.reader.Peek(1); err != nil {
			// Empty block: skip it and keep looking.
			it.block++
			continue
		}
	}
}

// readerHasMore reports whether the current block's reader has any
// unread bytes left, without blocking.
func (it *Iterator[T]) readerHasMore() bool {
	if it.reader == nil {
		return false
	}
	_, err := it.reader.Peek(1)
	return err == nil
}

// HasNext reports whether a call to Next would currently succeed,
// without blocking. It returns true if the current block has remaining
// bytes, or a later block is already present in the chain (spec §4.3).
func (it *Iterator[T]) HasNext() bool {
	it.advance()
	return it.reader != nil && it.readerHasMore()
}

// Next deserializes and returns the next record, advancing the cursor.
// Next checks HasNext itself and returns ErrExhausted if it reports
// false (spec §7).
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if !it.HasNext() {
		return zero, ErrExhausted
	}
	v, err := it.codec.Decode(it.reader)
	if err != nil {
		return zero, errors.E(errors.Fatal, err, "stream: codec decode failed")
	}
	if !it.readerHasMore() {
		it.block++
	}
	return v, nil
}

// WaitForAll blocks until the chain is closed, returning immediately if
// it already is. After WaitForAll returns, HasNext reflects all data
// that will ever arrive (spec §4.3).
func (it *Iterator[T]) WaitForAll(ctx context.Context) error {
	return it.ch.WaitUntilClosed(ctx)
}

// IsFinished reports whether the chain is closed and the cursor has
// reached the end of the last block (spec §4.3, §3 channel invariant).
func (it *Iterator[T]) IsFinished() bool {
	if !it.ch.IsClosed() {
		return false
	}
	return !it.HasNext()
}

// Err returns any transport error that caused the underlying chain to
// fail (spec §7 propagation policy).
func (it *Iterator[T]) Err() error {
	return it.ch.Err()
}
