// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package codec provides the typed encode/decode contract used by
// stream.Emitter and stream.Iterator. Chains and blocks store only
// bytes; typing lives entirely at this layer (spec §9 "typed emitters
// over untyped blocks").
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"

	"github.com/ductwork/duct/block"
	"github.com/ductwork/duct/wire"
)

// Codec encodes and decodes values of type T to and from a duct block.
// Implementations must be deterministic: the same value must always
// encode to the same bytes, since scatter's ordering guarantees (spec
// §4.5, §5) are defined in terms of byte-identical replay.
type Codec[T any] interface {
	// Encode writes v's wire representation to w and calls w.PutRecord.
	Encode(w *block.Builder, v T) error
	// Decode reads one value from r, which is positioned at the start of
	// a record.
	Decode(r *bufio.Reader) (T, error)
}

// StringCodec encodes strings as `u32 length || bytes`, per spec §6.
type StringCodec struct{}

func (StringCodec) Encode(w *block.Builder, v string) error {
	if err := wire.PutString(w, v); err != nil {
		return err
	}
	w.PutRecord()
	return nil
}

func (StringCodec) Decode(r *bufio.Reader) (string, error) {
	return wire.GetString(r)
}

// Int64Codec encodes int64 values as fixed-width little-endian integers.
type Int64Codec struct{}

func (Int64Codec) Encode(w *block.Builder, v int64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	w.PutRecord()
	return nil
}

func (Int64Codec) Decode(r *bufio.Reader) (int64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// Uint64Codec encodes uint64 values as fixed-width little-endian
// integers.
type Uint64Codec struct{}

func (Uint64Codec) Encode(w *block.Builder, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	w.PutRecord()
	return nil
}

func (Uint64Codec) Decode(r *bufio.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// GobCodec adapts encoding/gob as a Codec for record types without a
// hand-rolled wire format, grounded on sliceio/buffer.go's gob-stream
// technique. Each record is length-prefixed so Decode can bound its read
// without consuming bytes belonging to the next record.
type GobCodec[T any] struct{}

func (GobCodec[T]) Encode(w *block.Builder, v T) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return err
	}
	if err := wire.PutUint32(w, uint32(body.Len())); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	w.PutRecord()
	return nil
}

func (GobCodec[T]) Decode(r *bufio.Reader) (T, error) {
	var zero T
	n, err := wire.GetUint32(r)
	if err != nil {
		return zero, err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return zero, err
	}
	var v T
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&v); err != nil {
		return zero, err
	}
	return v, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
