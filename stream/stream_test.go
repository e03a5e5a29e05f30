// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stream

import (
	"context"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"

	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
)

func TestEmitterIteratorRoundTrip(t *testing.T) {
	const n = 200
	fz := fuzz.New().NilChance(0).NumElements(n, n)
	var values []string
	fz.Fuzz(&values)

	ch := chain.New()
	dest := NewLocalDestination(ch, 1)
	// A small threshold forces many flushes, exercising multi-block reads.
	e := NewEmitter[string](codec.StringCodec{}, dest, 64)
	ctx := context.Background()
	for _, v := range values {
		if err := e.Emit(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !ch.IsClosed() {
		t.Fatal("chain should be closed after Emitter.Close")
	}

	it := NewIterator[string](ch, codec.StringCodec{})
	var got []string
	for it.HasNext() {
		v, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d values, want %d", len(got), len(values))
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("element %d: got %q, want %q", i, got[i], values[i])
		}
	}
	if !it.IsFinished() {
		t.Error("iterator should report finished once chain is closed and drained")
	}
}

func TestEmitAfterCloseFails(t *testing.T) {
	ch := chain.New()
	e := NewEmitter[string](codec.StringCodec{}, NewLocalDestination(ch, 1), 0)
	ctx := context.Background()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.Emit(ctx, "x"); err != ErrClosed {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
	if err := e.Close(ctx); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestNextWithoutHasNextFails(t *testing.T) {
	ch := chain.New()
	ch.Close()
	it := NewIterator[string](ch, codec.StringCodec{})
	it.HasNext() // drains the (empty) chain so a direct Next would be exhausted either way
	if _, err := it.Next(context.Background()); err != ErrExhausted {
		t.Errorf("Next() on exhausted iterator = %v, want ErrExhausted", err)
	}
}

func TestIteratorHasNextIsNonBlockingUntilDataArrives(t *testing.T) {
	ch := chain.New()
	it := NewIterator[string](ch, codec.StringCodec{})
	if it.HasNext() {
		t.Fatal("HasNext should report false before any data has been appended")
	}

	dest := NewLocalDestination(ch, 1)
	e := NewEmitter[string](codec.StringCodec{}, dest, 0)
	if err := e.Emit(context.Background(), "late"); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !it.HasNext() {
		t.Fatal("HasNext should see the appended record once the emitter flushes")
	}
}

func TestWaitForAllBlocksUntilClosed(t *testing.T) {
	ch := chain.New()
	it := NewIterator[string](ch, codec.StringCodec{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := it.WaitForAll(ctx); err != nil {
			t.Error(err)
		}
	}()

	select {
	case <-done:
		t.Fatal("WaitForAll returned before the chain was closed")
	case <-time.After(20 * time.Millisecond):
	}
	ch.Close()
	<-done
}

func TestLocalDestinationClosesAfterAllSenders(t *testing.T) {
	ch := chain.New()
	dest := NewLocalDestination(ch, 2)
	ctx := context.Background()
	if err := dest.SendClose(ctx); err != nil {
		t.Fatal(err)
	}
	if ch.IsClosed() {
		t.Fatal("chain should remain open until every sender has closed")
	}
	if err := dest.SendClose(ctx); err != nil {
		t.Fatal(err)
	}
	if !ch.IsClosed() {
		t.Fatal("chain should close once every sender has closed")
	}
}
