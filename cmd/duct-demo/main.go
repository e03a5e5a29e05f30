// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Duct-demo is a binary used to exercise duct's exchange primitives
// without a real cluster: it spins up an in-memory group of workers
// and runs a scatter over a list of string records, printing what each
// worker ends up holding.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/spf13/pflag"

	"github.com/ductwork/duct/chain"
	"github.com/ductwork/duct/codec"
	"github.com/ductwork/duct/mux"
	"github.com/ductwork/duct/netio"
	"github.com/ductwork/duct/scatter"
	"github.com/ductwork/duct/stream"
)

func main() {
	var (
		workers = pflag.IntP("workers", "n", 3, "number of local workers")
		literal = pflag.StringP("records", "r", "", "comma-separated records; reads stdin if empty")
		ordered = pflag.Bool("ordered", false, "use an ordered (rank-merged) scatter channel")
	)
	pflag.Parse()

	records := readRecords(*literal)
	if len(records) == 0 {
		log.Error.Printf("duct-demo: no input records")
		os.Exit(2)
	}
	// Each worker starts out owning one contiguous shard of the input,
	// the way a prior stage of a real pipeline would have left it.
	shardBounds := evenSplit(len(records), *workers)

	ctx := context.Background()
	err := netio.ExecuteLocalMock(ctx, *workers, func(ctx context.Context, g *netio.NetGroup) error {
		lo := 0
		if g.MyRank > 0 {
			lo = shardBounds[g.MyRank-1]
		}
		shard := records[lo:shardBounds[g.MyRank]]
		return runWorker(ctx, g, shard, *ordered)
	})
	if err != nil {
		log.Error.Printf("duct-demo: %v", err)
		os.Exit(1)
	}
}

func runWorker(ctx context.Context, g *netio.NetGroup, shard []string, ordered bool) error {
	n := g.Size()
	mx := mux.NewMultiplexer(n)
	ch := mx.NewChannel(ordered)

	go func() {
		if err := g.Serve(ctx, mx); err != nil {
			log.Error.Printf("duct-demo: rank %d: serve: %v", g.MyRank, err)
		}
	}()

	// Redistribute this worker's own shard by hash of its content, so
	// each record lands on the same rank everywhere regardless of which
	// worker originally held it. scatter.Run partitions by contiguous
	// range, so the shard is physically reordered into bucket order
	// before it is emitted, and the offsets recorded as the cumulative
	// bucket sizes.
	buckets := scatter.HashPartitioner(len(shard), n, func(i int) []byte { return []byte(shard[i]) })
	reordered := make([]string, 0, len(shard))
	offsets := make(scatter.Offsets, n)
	cum := 0
	for j, bucket := range buckets {
		for _, i := range bucket {
			reordered = append(reordered, shard[i])
		}
		cum += len(bucket)
		offsets[j] = cum
	}

	source := chain.New()
	c := codec.StringCodec{}
	emitter := stream.NewEmitter[string](c, stream.NewLocalDestination(source, 1), 0)
	for _, r := range reordered {
		if err := emitter.Emit(ctx, r); err != nil {
			return err
		}
	}
	if err := emitter.Close(ctx); err != nil {
		return err
	}

	if err := scatter.Run[string](ctx, g, ch.ID, source, ch, offsets, c); err != nil {
		return err
	}

	it := stream.NewIterator[string](ch.Target, c)
	if err := it.WaitForAll(ctx); err != nil {
		return err
	}
	var got []string
	for it.HasNext() {
		v, err := it.Next(ctx)
		if err != nil {
			return err
		}
		got = append(got, v)
	}
	fmt.Printf("rank %d: %v\n", g.MyRank, got)
	return nil
}

// evenSplit returns an Offsets vector that divides n records as evenly
// as possible across numWorkers, for demo purposes only.
func evenSplit(n, numWorkers int) scatter.Offsets {
	offsets := make(scatter.Offsets, numWorkers)
	base, rem := n/numWorkers, n%numWorkers
	cum := 0
	for i := 0; i < numWorkers; i++ {
		share := base
		if i < rem {
			share++
		}
		cum += share
		offsets[i] = cum
	}
	return offsets
}

func readRecords(literal string) []string {
	if literal != "" {
		return strings.Split(literal, ",")
	}
	var out []string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out
}
