// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package netio

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

type recordingHandler struct {
	dataCh  chan []byte
	closeCh chan int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{dataCh: make(chan []byte, 16), closeCh: make(chan int, 16)}
}

func (h *recordingHandler) HandleData(channelID uint32, srcRank int, payload []byte, elementCount int) error {
	h.dataCh <- payload
	return nil
}

func (h *recordingHandler) HandleClose(channelID uint32, srcRank int) error {
	h.closeCh <- srcRank
	return nil
}

func TestSendDataAndCloseAreDelivered(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	h0, h1 := newRecordingHandler(), newRecordingHandler()
	err := ExecuteLocalMock(ctx, 2, func(ctx context.Context, g *NetGroup) error {
		grp, ctx := errgroup.WithContext(ctx)
		h := h0
		if g.MyRank == 1 {
			h = h1
		}
		grp.Go(func() error { return g.Serve(ctx, h) })

		if g.MyRank == 0 {
			if err := g.SendData(ctx, 1, 5, 3, []byte("xyz")); err != nil {
				return err
			}
			if err := g.SendClose(ctx, 1, 5); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-h1.dataCh:
		if string(got) != "xyz" {
			t.Errorf("payload = %q, want %q", got, "xyz")
		}
	default:
		t.Fatal("rank 1 never received the data frame")
	}
	select {
	case rank := <-h1.closeCh:
		if rank != 0 {
			t.Errorf("close from rank %d, want 0", rank)
		}
	default:
		t.Fatal("rank 1 never received the close frame")
	}
}

func TestSendToUnknownRankFails(t *testing.T) {
	ctx := context.Background()
	g := New(0, []net.Conn{nil, nil})
	if err := g.SendData(ctx, 1, 0, 1, []byte("x")); err == nil {
		t.Error("SendData to a nil connection should fail")
	}
}
