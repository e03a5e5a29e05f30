// Copyright 2015 Timo Bingmann <tb@panthema.net>
// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package netio

import (
	"context"
	"net"

	"golang.org/x/sync/errgroup"
)

// ExecuteLocalMock constructs n in-memory-connected NetGroups, one per
// rank, by synthesizing a net.Pipe for every pair (i, j) with i < j, and
// runs body concurrently for each rank, joining on completion. This is
// the Go equivalent of net_group.cpp's Socket::CreatePair loop (spec
// §4.6 "Local mock").
func ExecuteLocalMock(ctx context.Context, n int, body func(ctx context.Context, g *NetGroup) error) error {
	groups := make([]*NetGroup, n)
	for i := 0; i < n; i++ {
		groups[i] = New(i, make([]net.Conn, n))
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := net.Pipe()
			groups[i].Connections[j] = a
			groups[j].Connections[i] = b
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g := groups[i]
		grp.Go(func() error {
			return body(ctx, g)
		})
	}
	return grp.Wait()
}
