// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blockstore declares the external collaborator contract a
// dataflow runtime's block manager is expected to satisfy if a
// BufferChain ever needs to spill a sealed block to secondary storage
// under memory pressure. No implementation lives in this module: the
// paging subsystem itself is out of scope, matching the Non-goal on
// durable storage across process restarts. The interface only declares
// the contract: chain.BufferChain does not accept a Store and never
// spills, and nothing else in this module calls one.
package blockstore

import "context"

// Handle identifies a block previously written to a Store. Its contents
// are opaque to callers.
type Handle string

// Store persists sealed blocks outside process memory and retrieves them
// on demand. Implementations must treat WriteBlock's argument as owned
// by the caller for the duration of the call only.
type Store interface {
	WriteBlock(ctx context.Context, data []byte) (Handle, error)
	ReadBlock(ctx context.Context, h Handle) ([]byte, error)
	Remove(ctx context.Context, h Handle) error
}
