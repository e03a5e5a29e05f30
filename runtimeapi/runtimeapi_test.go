// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package runtimeapi

import (
	"context"
	"fmt"
	"testing"

	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
	"github.com/ductwork/duct/mux"
	"github.com/ductwork/duct/netio"
)

// memRuntime is a minimal single-worker Runtime used only to exercise
// the collaborator contract's wiring; it has no scheduler or optimizer.
type memRuntime struct {
	dias     map[DIAHandle]*chain.BufferChain
	nextDIA  int
	mux      *mux.Multiplexer
	channels map[ChannelHandle]*mux.Channel
	group    *netio.NetGroup
}

func newMemRuntime(group *netio.NetGroup, groupSize int) *memRuntime {
	return &memRuntime{
		dias:     make(map[DIAHandle]*chain.BufferChain),
		mux:      mux.NewMultiplexer(groupSize),
		channels: make(map[ChannelHandle]*mux.Channel),
		group:    group,
	}
}

func (r *memRuntime) AllocateLocalDIA(ctx context.Context) (DIAHandle, error) {
	h := DIAHandle(fmt.Sprintf("dia-%d", r.nextDIA))
	r.nextDIA++
	r.dias[h] = chain.New()
	return h, nil
}

func (r *memRuntime) LocalChain(h DIAHandle) (*chain.BufferChain, error) {
	c, ok := r.dias[h]
	if !ok {
		return nil, fmt.Errorf("unknown DIA %s", h)
	}
	return c, nil
}

func (r *memRuntime) AllocateNetworkChannel(ctx context.Context, ordered bool) (ChannelHandle, error) {
	ch := r.mux.NewChannel(ordered)
	h := ChannelHandle{ID: ch.ID, Ordered: ordered}
	r.channels[h] = ch
	return h, nil
}

func (r *memRuntime) Channel(h ChannelHandle) (*mux.Channel, error) {
	ch, ok := r.channels[h]
	if !ok {
		return nil, fmt.Errorf("unknown channel %v", h)
	}
	return ch, nil
}

func (r *memRuntime) NetGroup() *netio.NetGroup { return r.group }

func TestLocalEmitterAndIteratorRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := newMemRuntime(nil, 1)

	h, err := rt.AllocateLocalDIA(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e, err := GetLocalEmitter[string](rt, h, codec.StringCodec{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := e.Emit(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}

	it, err := GetIterator[string](rt, h, codec.StringCodec{})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for it.HasNext() {
		v, decErr := it.Next(ctx)
		if decErr != nil {
			t.Fatal(decErr)
		}
		got = append(got, v)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

// TestNetworkEmittersSendToSelfAndPeer exercises GetNetworkEmitters[T]
// directly, rather than through scatter.Run: each worker sends one
// record to itself (through mux.Channel.SelfDestination) and one to its
// peer (through netio.Destination), and each worker's channel target
// must end up holding exactly its own self record and the record its
// peer sent it, without ever going through scatter.
func TestNetworkEmittersSendToSelfAndPeer(t *testing.T) {
	ctx := context.Background()
	err := netio.ExecuteLocalMock(ctx, 2, func(ctx context.Context, g *netio.NetGroup) error {
		rt := newMemRuntime(g, 2)
		chh, err := rt.AllocateNetworkChannel(ctx, false)
		if err != nil {
			return err
		}
		go func() { _ = g.Serve(ctx, rt.mux) }()

		emitters, err := GetNetworkEmitters[string](rt, chh, codec.StringCodec{}, 0)
		if err != nil {
			return err
		}
		peer := 1 - g.MyRank
		if err := emitters[g.MyRank].Emit(ctx, fmt.Sprintf("self-%d", g.MyRank)); err != nil {
			return err
		}
		if err := emitters[peer].Emit(ctx, fmt.Sprintf("peer-%d", g.MyRank)); err != nil {
			return err
		}
		for _, e := range emitters {
			if err := e.Close(ctx); err != nil {
				return err
			}
		}

		it, err := GetChannelIterator[string](rt, chh, codec.StringCodec{})
		if err != nil {
			return err
		}
		if err := it.WaitForAll(ctx); err != nil {
			return err
		}
		got := map[string]bool{}
		for it.HasNext() {
			v, decErr := it.Next(ctx)
			if decErr != nil {
				return decErr
			}
			got[v] = true
		}
		want := []string{fmt.Sprintf("self-%d", g.MyRank), fmt.Sprintf("peer-%d", peer)}
		for _, w := range want {
			if !got[w] {
				return fmt.Errorf("rank %d: missing %q in received set %v", g.MyRank, w, got)
			}
		}
		if len(got) != 2 {
			return fmt.Errorf("rank %d: got %d records, want 2: %v", g.MyRank, len(got), got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestScatterSingleWorkerIsIdentity(t *testing.T) {
	ctx := context.Background()
	err := netio.ExecuteLocalMock(ctx, 1, func(ctx context.Context, g *netio.NetGroup) error {
		rt := newMemRuntime(g, 1)
		dia, err := rt.AllocateLocalDIA(ctx)
		if err != nil {
			return err
		}
		e, err := GetLocalEmitter[string](rt, dia, codec.StringCodec{}, 0)
		if err != nil {
			return err
		}
		for _, v := range []string{"x", "y", "z"} {
			if err := e.Emit(ctx, v); err != nil {
				return err
			}
		}
		if err := e.Close(ctx); err != nil {
			return err
		}

		chh, err := rt.AllocateNetworkChannel(ctx, false)
		if err != nil {
			return err
		}
		if err := Scatter[string](ctx, rt, dia, chh, []int{3}, codec.StringCodec{}); err != nil {
			return err
		}

		it, err := GetChannelIterator[string](rt, chh, codec.StringCodec{})
		if err != nil {
			return err
		}
		if err := it.WaitForAll(ctx); err != nil {
			return err
		}
		var got []string
		for it.HasNext() {
			v, decErr := it.Next(ctx)
			if decErr != nil {
				return decErr
			}
			got = append(got, v)
		}
		if len(got) != 3 || got[0] != "x" || got[1] != "y" || got[2] != "z" {
			return fmt.Errorf("single-worker scatter to self = %v, want [x y z]", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
