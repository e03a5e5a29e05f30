// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package chain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ductwork/duct/block"
)

func appendString(t *testing.T, c *BufferChain, s string) {
	t.Helper()
	b := block.NewBuilder()
	b.Write([]byte(s))
	b.PutRecord()
	if err := c.AppendBuilder(b); err != nil {
		t.Fatal(err)
	}
}

func TestBufferChainSnapshotStableUnderConcurrentAppend(t *testing.T) {
	c := New()
	appendString(t, c, "a")
	appendString(t, c, "bb")

	snap := c.Snapshot()
	if got, want := snap.Len(), 2; got != want {
		t.Fatalf("snapshot Len() = %d, want %d", got, want)
	}
	if got, want := snap.Size(), 2; got != want {
		t.Fatalf("snapshot Size() = %d, want %d", got, want)
	}

	appendString(t, c, "ccc") // appended after the snapshot was taken

	if got, want := snap.Len(), 2; got != want {
		t.Errorf("snapshot mutated by later append: Len() = %d, want %d", got, want)
	}
	if got, want := c.Size(), 3; got != want {
		t.Errorf("chain Size() = %d, want %d", got, want)
	}
}

func TestSnapshotLocate(t *testing.T) {
	c := New()
	appendString(t, c, "a")  // elements [0,1)
	appendString(t, c, "bb") // elements [1,2) -- one element, two bytes
	appendString(t, c, "c")  // elements [2,3)
	snap := c.Snapshot()

	cases := []struct {
		k          int
		blockIndex int
		offset     int
	}{
		{0, 0, 0},
		{1, 1, 0},
		{2, 2, 0},
	}
	for _, tc := range cases {
		bi, off, ok := snap.Locate(tc.k)
		if !ok {
			t.Errorf("Locate(%d): ok = false", tc.k)
			continue
		}
		if bi != tc.blockIndex || off != tc.offset {
			t.Errorf("Locate(%d) = (%d, %d), want (%d, %d)", tc.k, bi, off, tc.blockIndex, tc.offset)
		}
	}
	if _, _, ok := snap.Locate(3); ok {
		t.Error("Locate(3) should be out of range")
	}
	if _, _, ok := snap.Locate(-1); ok {
		t.Error("Locate(-1) should be out of range")
	}
}

func TestBufferChainCloseIsIdempotent(t *testing.T) {
	c := New()
	c.Close()
	c.Close() // P7: must not panic or deadlock
	if !c.IsClosed() {
		t.Error("chain should report closed")
	}
}

func TestBufferChainWaitUntilClosed(t *testing.T) {
	c := New()
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.WaitUntilClosed(ctx); err != nil {
			t.Error(err)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	c.Close()
	<-done
}

func TestBufferChainFailPropagatesErr(t *testing.T) {
	c := New()
	wantErr := errTest("boom")
	c.Fail(wantErr)
	if !c.IsClosed() {
		t.Error("Fail should close the chain")
	}
	if c.Err() != wantErr {
		t.Errorf("Err() = %v, want %v", c.Err(), wantErr)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }

func TestOrderedBufferChainMergeOrdersByRank(t *testing.T) {
	o := NewOrdered()
	var wg sync.WaitGroup
	inputs := map[int]string{2: "c", 0: "a", 1: "b"}
	for rank, s := range inputs {
		rank, s := rank, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Append(rank, block.NewBinaryBuffer([]byte(s)), 1)
		}()
	}
	wg.Wait()

	target := New()
	if err := o.MergeInto(target); err != nil {
		t.Fatal(err)
	}
	target.Close()

	snap := target.Snapshot()
	if got, want := snap.Len(), 3; got != want {
		t.Fatalf("merged chain has %d blocks, want %d", got, want)
	}
	var got string
	for i := 0; i < snap.Len(); i++ {
		got += string(snap.At(i).Buffer.Bytes())
	}
	if want := "abc"; got != want {
		t.Errorf("merged order = %q, want %q (rank-ascending)", got, want)
	}
}

func TestOrderedBufferChainMergeTwiceFails(t *testing.T) {
	o := NewOrdered()
	o.Append(0, block.NewBinaryBuffer([]byte("x")), 1)
	target := New()
	if err := o.MergeInto(target); err != nil {
		t.Fatal(err)
	}
	if err := o.MergeInto(target); err == nil {
		t.Error("second MergeInto call should return an error")
	}
}
