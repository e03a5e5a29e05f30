// Copyright 2015 Timo Bingmann <tb@panthema.net>
// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package netio implements NetGroup, a collection of point-to-point
// connections among the workers of a group, and the per-connection
// dispatcher loop that decodes wire frames and hands them to a
// multiplexer (spec §4.6).
package netio

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/errgroup"

	"github.com/ductwork/duct/stats"
	"github.com/ductwork/duct/wire"
)

// FrameHandler is invoked once per fully-received frame: HandleData for
// KindData, with payload holding the frame's bytes, and HandleClose for
// KindClose, which carries no payload.
type FrameHandler interface {
	HandleData(channelID uint32, srcRank int, payload []byte, elementCount int) error
	HandleClose(channelID uint32, srcRank int) error
}

// NetGroup holds N-1 point-to-point full-duplex byte streams: one to
// every other rank in a group of size N (spec §3). Connections[MyRank]
// is always nil.
type NetGroup struct {
	MyRank      int
	Connections []net.Conn
	Stats       *stats.Map

	writers []sync.Mutex // serializes concurrent writers per connection
}

// New returns a NetGroup for myRank with the given peer connections.
// conns must have length equal to the group size, with conns[myRank] ==
// nil. Stats is populated with framesSent, bytesSent, framesReceived,
// bytesReceived and connectionsFailed counters as the group is used.
func New(myRank int, conns []net.Conn) *NetGroup {
	return &NetGroup{
		MyRank:      myRank,
		Connections: conns,
		Stats:       stats.NewMap(),
		writers:     make([]sync.Mutex, len(conns)),
	}
}

// Size returns the group size.
func (g *NetGroup) Size() int { return len(g.Connections) }

// SendData writes a CHANNEL_DATA frame and its payload to dstRank (spec
// §4.2, §6).
func (g *NetGroup) SendData(ctx context.Context, dstRank int, channelID uint32, elementCount int, payload []byte) error {
	hdr := wire.FrameHeader{
		Kind:         wire.KindData,
		SrcRank:      uint16(g.MyRank),
		ChannelID:    channelID,
		ElementCount: uint32(elementCount),
		ByteLength:   uint32(len(payload)),
	}
	return g.send(dstRank, hdr, payload)
}

// SendClose writes a CHANNEL_CLOSE frame to dstRank (spec §4.2, §6).
func (g *NetGroup) SendClose(ctx context.Context, dstRank int, channelID uint32) error {
	hdr := wire.FrameHeader{
		Kind:      wire.KindClose,
		SrcRank:   uint16(g.MyRank),
		ChannelID: channelID,
	}
	return g.send(dstRank, hdr, nil)
}

func (g *NetGroup) send(dstRank int, hdr wire.FrameHeader, payload []byte) error {
	conn := g.Connections[dstRank]
	if conn == nil {
		return errors.E(errors.Invalid, "netio: no connection to rank")
	}
	g.writers[dstRank].Lock()
	defer g.writers[dstRank].Unlock()
	if err := hdr.Encode(conn); err != nil {
		return errors.E(errors.Net, err, "netio: send header")
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return errors.E(errors.Net, err, "netio: send payload")
		}
	}
	g.Stats.Int("framesSent").Add(1)
	g.Stats.Int("bytesSent").Add(int64(len(payload)))
	return nil
}

// Serve runs one read loop per peer connection, decoding frames and
// dispatching them to h (spec §4.6: "non-blocking reads with a framed
// read-buffer helper... on payload completion it invokes the registered
// callback"). Each read loop checks ctx only between frames: a loop
// blocked reading from its connection returns only once that read
// completes or fails. Serve blocks until all read loops have finished.
func (g *NetGroup) Serve(ctx context.Context, h FrameHandler) error {
	grp, ctx := errgroup.WithContext(ctx)
	for rank, conn := range g.Connections {
		if conn == nil {
			continue
		}
		rank, conn := rank, conn
		grp.Go(func() error {
			return g.readLoop(ctx, rank, conn, h)
		})
	}
	return grp.Wait()
}

func (g *NetGroup) readLoop(ctx context.Context, srcRank int, conn net.Conn, h FrameHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		hdr, err := wire.DecodeHeader(conn)
		if err != nil {
			// A short read (often io.EOF, wrapped by DecodeHeader) means
			// the peer closed; any other decode error is a protocol
			// violation. Both are fatal for this connection (spec §4.6
			// failure semantics).
			return g.fail(srcRank, err, h)
		}
		switch hdr.Kind {
		case wire.KindData:
			payload := make([]byte, hdr.ByteLength)
			if _, err := io.ReadFull(conn, payload); err != nil {
				return g.fail(srcRank, err, h)
			}
			g.Stats.Int("framesReceived").Add(1)
			g.Stats.Int("bytesReceived").Add(int64(len(payload)))
			if err := h.HandleData(hdr.ChannelID, int(hdr.SrcRank), payload, int(hdr.ElementCount)); err != nil {
				log.Error.Printf("netio: handle data from rank %d: %v", srcRank, err)
				return err
			}
		case wire.KindClose:
			if err := h.HandleClose(hdr.ChannelID, int(hdr.SrcRank)); err != nil {
				log.Error.Printf("netio: handle close from rank %d: %v", srcRank, err)
				return err
			}
		}
	}
}

// fail reports a dead connection to srcRank: a short read or any other
// I/O error is treated as fatal for that connection, and if h has a
// FailAll(error) method (as mux.Multiplexer does) every channel it
// routes is failed with the error (spec §4.6, §7).
func (g *NetGroup) fail(srcRank int, err error, h FrameHandler) error {
	g.Stats.Int("connectionsFailed").Add(1)
	wrapped := errors.E(errors.Net, err, "netio: connection failed")
	log.Error.Printf("netio: rank %d: %v", srcRank, wrapped)
	if f, ok := h.(interface{ FailAll(error) }); ok {
		f.FailAll(wrapped)
	}
	return wrapped
}
