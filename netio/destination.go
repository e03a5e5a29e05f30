// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package netio

import (
	"context"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/stream"
)

// Destination is the network leg of a channel's N Destinations (spec §6
// GetNetworkEmitters): it turns Emitter flushes into CHANNEL_DATA frames
// addressed to one peer, and Close into a single CHANNEL_CLOSE. It is
// the out-of-process counterpart to mux.Channel.SelfDestination.
type Destination struct {
	Group     *NetGroup
	ChannelID uint32
	DstRank   int
}

var _ stream.Destination = (*Destination)(nil)

// NewDestination returns a Destination that sends flushed blocks for
// channelID to dstRank over group.
func NewDestination(group *NetGroup, channelID uint32, dstRank int) *Destination {
	return &Destination{Group: group, ChannelID: channelID, DstRank: dstRank}
}

func (d *Destination) Send(ctx context.Context, buf block.BinaryBuffer, n int) error {
	return d.Group.SendData(ctx, d.DstRank, d.ChannelID, n, buf.Bytes())
}

func (d *Destination) SendClose(ctx context.Context) error {
	return d.Group.SendClose(ctx, d.DstRank, d.ChannelID)
}
