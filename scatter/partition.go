// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scatter

import (
	"github.com/spaolacci/murmur3"
)

// HashPartitioner assigns each of a sequence of n records, rendered to
// bytes by keyBytes, to worker hash(key_i) % numWorkers, preserving each
// worker's relative record order (spec §5.8 domain-stack addition: a hash-partitioned
// scatter on top of the range-based protocol in Run).
//
// Unlike Run's range partitioning, a hash partition is not necessarily
// contiguous in the source chain's element order; HashPartitioner
// returns, for each worker, the list of element indices assigned to it
// rather than a single [lo, hi) range.
func HashPartitioner(n, numWorkers int, keyBytes func(i int) []byte) [][]int {
	buckets := make([][]int, numWorkers)
	for i := 0; i < n; i++ {
		h := murmur3.Sum32(keyBytes(i))
		w := int(h) % numWorkers
		if w < 0 {
			w += numWorkers
		}
		buckets[w] = append(buckets[w], i)
	}
	return buckets
}
