// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package runtimeapi declares the external collaborator contract a
// dataflow runtime is expected to satisfy to drive this module's
// exchange primitives. This module supplies no optimizer or scheduler —
// that remains the runtime's job, matching spec §1's scope boundary —
// only the interfaces a runtime implementation plugs into.
//
// Go does not allow a generic method on a non-generic interface, so the
// typed operations named in spec §6 (GetNetworkEmitters[T], and so on)
// are free functions here that take the untyped Runtime handle and a
// codec.Codec[T], and return the module's typed stream types. This
// mirrors how codec.Codec[T] itself sits alongside the untyped
// chain.BufferChain rather than inside it.
package runtimeapi

import (
	"context"

	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
	"github.com/ductwork/duct/mux"
	"github.com/ductwork/duct/netio"
	"github.com/ductwork/duct/scatter"
	"github.com/ductwork/duct/stream"
)

// DIAHandle identifies a runtime-allocated local distributed-array
// fragment (a local operator's in-memory result), opaque to this
// module.
type DIAHandle string

// ChannelHandle identifies a runtime-allocated network channel: its
// mux.Multiplexer channel id and whether the channel is ordered. The
// NetGroup is found through Runtime.NetGroup, not through the handle.
type ChannelHandle struct {
	ID      uint32
	Ordered bool
}

// Runtime is the collaborator a dataflow engine implements to let this
// module's exchange primitives allocate and look up the state they
// operate on (spec §6). A runtime implementation owns the lifetime of
// DIAs, channels, the multiplexer, and the net group; this module only
// ever borrows them through this interface.
type Runtime interface {
	// AllocateLocalDIA reserves storage for a new local result and
	// returns its handle.
	AllocateLocalDIA(ctx context.Context) (DIAHandle, error)
	// LocalChain returns the BufferChain backing a local DIA.
	LocalChain(h DIAHandle) (*chain.BufferChain, error)

	// AllocateNetworkChannel allocates the next channel id on the local
	// multiplexer, in lockstep with every other worker in the group
	// (spec §6: callers are responsible for calling this in the same
	// program order on every worker).
	AllocateNetworkChannel(ctx context.Context, ordered bool) (ChannelHandle, error)
	// Channel returns the mux.Channel handle for a previously allocated
	// network channel.
	Channel(h ChannelHandle) (*mux.Channel, error)

	// NetGroup returns the worker's NetGroup, used to send data and
	// close frames to peers.
	NetGroup() *netio.NetGroup
}

// GetLocalEmitter returns a typed Emitter that appends records into the
// local DIA h's buffer chain (spec §6, §4.2).
func GetLocalEmitter[T any](rt Runtime, h DIAHandle, c codec.Codec[T], threshold int) (*stream.Emitter[T], error) {
	target, err := rt.LocalChain(h)
	if err != nil {
		return nil, err
	}
	return stream.NewEmitter[T](c, stream.NewLocalDestination(target, 1), threshold), nil
}

// GetIterator returns a typed Iterator reading the local DIA h's buffer
// chain (spec §6, §4.3).
func GetIterator[T any](rt Runtime, h DIAHandle, c codec.Codec[T]) (*stream.Iterator[T], error) {
	target, err := rt.LocalChain(h)
	if err != nil {
		return nil, err
	}
	return stream.NewIterator[T](target, c), nil
}

// GetChannelIterator returns a typed Iterator reading a network
// channel's receive-side target chain (spec §6, §4.4).
func GetChannelIterator[T any](rt Runtime, h ChannelHandle, c codec.Codec[T]) (*stream.Iterator[T], error) {
	ch, err := rt.Channel(h)
	if err != nil {
		return nil, err
	}
	return stream.NewIterator[T](ch.Target, c), nil
}

// GetNetworkEmitters returns one typed Emitter per rank in the group for
// a previously allocated network channel (spec §6, §4.2, §4.4): index
// rt.NetGroup().MyRank is backed by ch's own SelfDestination, staging
// directly into the channel's receive-side state exactly like a remote
// sender's frames; every other index is backed by a netio.Destination
// that writes CHANNEL_DATA/CHANNEL_CLOSE frames to that peer. Callers
// drive emitters[j] to send this worker's share destined for rank j.
func GetNetworkEmitters[T any](rt Runtime, h ChannelHandle, c codec.Codec[T], threshold int) ([]*stream.Emitter[T], error) {
	ch, err := rt.Channel(h)
	if err != nil {
		return nil, err
	}
	group := rt.NetGroup()
	n := group.Size()
	emitters := make([]*stream.Emitter[T], n)
	for j := 0; j < n; j++ {
		var dest stream.Destination
		if j == group.MyRank {
			dest = ch.SelfDestination(j)
		} else {
			dest = netio.NewDestination(group, h.ID, j)
		}
		emitters[j] = stream.NewEmitter[T](c, dest, threshold)
	}
	return emitters, nil
}

// Scatter runs the scatter protocol (spec §4.5) over a network channel
// previously allocated via AllocateNetworkChannel, reading source from
// the local DIA h.
func Scatter[T any](ctx context.Context, rt Runtime, h DIAHandle, ch ChannelHandle, offsets scatter.Offsets, c codec.Codec[T]) error {
	source, err := rt.LocalChain(h)
	if err != nil {
		return err
	}
	target, err := rt.Channel(ch)
	if err != nil {
		return err
	}
	return scatter.Run(ctx, rt.NetGroup(), ch.ID, source, target, offsets, c)
}
