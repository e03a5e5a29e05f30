// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"testing"
)

func TestBroadcasterWakesAllWaiters(t *testing.T) {
	var (
		mu          sync.Mutex
		b           = NewBroadcaster(&mu)
		start, done sync.WaitGroup
	)
	const N = 100
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			mu.Lock()
			gen := b.Gen()
			start.Done()
			if err := b.Wait(context.Background(), gen); err != nil {
				t.Error(err)
			}
			mu.Unlock()
			done.Done()
		}()
	}

	start.Wait()
	mu.Lock()
	b.Broadcast()
	mu.Unlock()
	done.Wait()
}

func TestBroadcasterWaitReturnsImmediatelyIfGenerationAdvanced(t *testing.T) {
	var mu sync.Mutex
	b := NewBroadcaster(&mu)
	mu.Lock()
	gen := b.Gen()
	b.Broadcast()
	// The generation already moved past gen, so Wait must not block (and
	// therefore must not release mu either).
	if err := b.Wait(context.Background(), gen); err != nil {
		t.Errorf("got %v, want nil", err)
	}
	mu.Unlock()
}

func TestBroadcasterWaitErrOnCanceledContext(t *testing.T) {
	var mu sync.Mutex
	b := NewBroadcaster(&mu)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mu.Lock()
	gen := b.Gen()
	if got, want := b.Wait(ctx, gen), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	mu.Unlock()
}
