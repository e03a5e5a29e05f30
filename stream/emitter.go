// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stream provides the typed producer/consumer endpoints of a
// duct channel: Emitter serializes records into a chain.BufferChain (or
// onto the wire), and Iterator deserializes them back out in order.
package stream

import (
	"context"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
)

// ErrClosed is returned by Emitter.Emit and Emitter.Flush when called
// after the emitter has been closed (spec §7 "Closed").
var ErrClosed = errors.E(errors.Precondition, "stream: emit after close")

// Destination is where a flushed block goes: the local chain for a local
// partition, or the network for a remote one. LocalDestination below
// covers the plain local-chain case; mux.Channel.SelfDestination and
// netio.Destination implement this for a network channel's local and
// remote legs, respectively (spec §6 GetNetworkEmitters).
type Destination interface {
	// Send hands a sealed buffer with n elements to the destination.
	// Send takes ownership of buf.
	Send(ctx context.Context, buf block.BinaryBuffer, n int) error
	// SendClose signals that no more data will be sent by this emitter.
	SendClose(ctx context.Context) error
}

// LocalDestination appends directly into a local chain.BufferChain,
// closing it when the configured number of senders have all closed
// (spec §4.4 "direct append to target chain").
type LocalDestination struct {
	Chain *chain.BufferChain

	mu     sync.Mutex
	remain int
}

// NewLocalDestination returns a Destination that appends into ch and
// closes ch once n distinct emitters have each called SendClose.
func NewLocalDestination(ch *chain.BufferChain, n int) *LocalDestination {
	return &LocalDestination{Chain: ch, remain: n}
}

func (d *LocalDestination) Send(_ context.Context, buf block.BinaryBuffer, n int) error {
	return d.Chain.AppendSealed(buf, n)
}

func (d *LocalDestination) SendClose(context.Context) error {
	d.mu.Lock()
	d.remain--
	closeNow := d.remain == 0
	d.mu.Unlock()
	if closeNow {
		d.Chain.Close()
	}
	return nil
}

// Emitter serializes records of type T into a Builder, flushing full
// blocks to a Destination (spec §4.2). A single Emitter must only be
// used from one goroutine at a time; per-emitter FIFO order is
// guaranteed by that single-writer contract, matching sliceio.Reader's
// "should not be called concurrently" convention.
type Emitter[T any] struct {
	codec     codec.Codec[T]
	dest      Destination
	builder   *block.Builder
	threshold int
	closed    bool
}

// NewEmitter returns an Emitter that encodes records with c and flushes
// full blocks to dest. threshold <= 0 selects block.DefaultThreshold.
func NewEmitter[T any](c codec.Codec[T], dest Destination, threshold int) *Emitter[T] {
	if threshold <= 0 {
		threshold = block.DefaultThreshold
	}
	log.Debug.Printf("stream: new emitter, block threshold %s", data.Size(int64(threshold)))
	return &Emitter[T]{
		codec:     c,
		dest:      dest,
		builder:   block.NewBuilder(),
		threshold: threshold,
	}
}

// Emit serializes x into the current Builder. If the Builder has reached
// the block threshold after writing, Emit flushes. Per spec §7, Emit itself
// never returns an encoding-failure error: encoding failures are a
// serializer contract bug and are classified Invariant; Emit panics with
// the codec's error rather than returning it, since a correct
// codec for a fixed wire format cannot fail on a well-typed value.
func (e *Emitter[T]) Emit(ctx context.Context, x T) error {
	if e.closed {
		return ErrClosed
	}
	if err := e.codec.Encode(e.builder, x); err != nil {
		panic(errors.E(errors.Fatal, err, "stream: codec encode failed"))
	}
	if e.builder.Len() >= e.threshold {
		return e.Flush(ctx)
	}
	return nil
}

// Flush seals the Builder, if non-empty, and hands the resulting block
// to the destination.
func (e *Emitter[T]) Flush(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	if e.builder.Empty() {
		return nil
	}
	buf, n := e.builder.Detach()
	return e.dest.Send(ctx, buf, n)
}

// Close flushes any buffered records and then sends the channel
// terminator to the destination. Close implies Flush-then-terminator
// uniformly (spec §4.2, §9 third open question); Close is not
// idempotent and subsequent calls return ErrClosed.
func (e *Emitter[T]) Close(ctx context.Context) error {
	if e.closed {
		return ErrClosed
	}
	if err := e.Flush(ctx); err != nil {
		return err
	}
	e.closed = true
	return e.dest.SendClose(ctx)
}
