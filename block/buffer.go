// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package block provides the immutable byte blocks that back duct's
// buffer chains, together with the builder used to accumulate records
// into them.
package block

import (
	"bytes"
)

// DefaultThreshold is the default size, in bytes, at which an Emitter
// flushes its Builder into a sealed BinaryBuffer.
const DefaultThreshold = 32 * 1024

// BinaryBuffer is an owned, immutable region of bytes. Once sealed it is
// never mutated; equality is structural. Buffers are shared by reference
// between the appender that sealed them, the chain that holds them, and
// any iterators reading through the chain.
type BinaryBuffer struct {
	bytes []byte
}

// NewBinaryBuffer wraps b as a BinaryBuffer without copying. Callers must
// not mutate b after this call.
func NewBinaryBuffer(b []byte) BinaryBuffer {
	return BinaryBuffer{bytes: b}
}

// Bytes returns the buffer's backing bytes. The returned slice must not
// be mutated.
func (b BinaryBuffer) Bytes() []byte { return b.bytes }

// Len returns the number of bytes in the buffer.
func (b BinaryBuffer) Len() int { return len(b.bytes) }

// Equal reports whether b and o hold byte-identical content.
func (b BinaryBuffer) Equal(o BinaryBuffer) bool {
	return bytes.Equal(b.bytes, o.bytes)
}

// Release drops the buffer's reference to its backing storage. Release is
// only safe to call once no iterator still holds a reference to b; it is
// invoked by chain.BufferChain.DeleteAll.
func (b *BinaryBuffer) Release() {
	b.bytes = nil
}

// Builder is a mutable byte sink with an append cursor and a
// monotonically increasing element count: the number of distinct
// records serialized into it so far. Detaching the builder transfers its
// backing storage to a new BinaryBuffer and resets the builder to empty.
type Builder struct {
	buf      bytes.Buffer
	elements int
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Write appends p to the builder. It implements io.Writer and never
// fails.
func (b *Builder) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// WriteByte appends a single byte.
func (b *Builder) WriteByte(c byte) error {
	return b.buf.WriteByte(c)
}

// PutRecord marks the completion of one serialized record, incrementing
// the element count. Callers write the record's bytes via Write/WriteByte
// before calling PutRecord.
func (b *Builder) PutRecord() {
	b.elements++
}

// Elements returns the number of complete records written to the
// builder since the last Detach.
func (b *Builder) Elements() int { return b.elements }

// Len returns the number of bytes currently buffered.
func (b *Builder) Len() int { return b.buf.Len() }

// Empty reports whether the builder holds no records.
func (b *Builder) Empty() bool { return b.elements == 0 }

// Detach seals the builder's current contents into an immutable
// BinaryBuffer and resets the builder to empty, ready for reuse.
func (b *Builder) Detach() (BinaryBuffer, int) {
	buf := NewBinaryBuffer(b.buf.Bytes())
	n := b.elements
	b.buf = bytes.Buffer{}
	b.elements = 0
	return buf, n
}
