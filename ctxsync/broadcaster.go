// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a context-aware wakeup primitive for a
// single append-only writer with many readers: chain.BufferChain uses
// it to let readers block until the next append, close, or ctx.Done(),
// without missing a wakeup that happens between checking state and
// starting to wait.
package ctxsync

import (
	"context"
	"sync"
)

// Broadcaster lets any number of goroutines wait for the next state
// change made under l, the same way sync.Cond does, but with two
// differences suited to a reader that re-checks a predicate in a loop
// (chain.BufferChain.WaitUntilClosed): Wait takes the generation the
// caller last observed, so a Broadcast racing with the caller's Unlock
// is never silently missed, and ctx.Done() is itself a wakeup source.
type Broadcaster struct {
	l          sync.Locker
	generation uint64
	wake       chan struct{}
}

// NewBroadcaster returns a Broadcaster guarded by l. l must already be
// held whenever Gen, Broadcast, or Wait is called.
func NewBroadcaster(l sync.Locker) *Broadcaster {
	return &Broadcaster{l: l, wake: make(chan struct{})}
}

// Gen returns the current generation, for a caller that wants to Wait
// only if no Broadcast has happened since it last checked.
func (b *Broadcaster) Gen() uint64 {
	return b.generation
}

// Broadcast advances the generation and wakes every current waiter.
func (b *Broadcaster) Broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
	b.generation++
}

// Wait blocks until the generation advances past since, or until ctx is
// done. l must be held on entry and is re-acquired before Wait returns,
// mirroring sync.Cond.Wait's calling convention. If the generation has
// already advanced past since, Wait returns immediately without
// releasing l.
func (b *Broadcaster) Wait(ctx context.Context, since uint64) error {
	if b.generation != since {
		return nil
	}
	wake := b.wake
	b.l.Unlock()
	var err error
	select {
	case <-wake:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.l.Lock()
	return err
}
