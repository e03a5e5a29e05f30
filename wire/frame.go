// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines duct's point-to-point frame format: the
// little-endian header that precedes every CHANNEL_DATA and
// CHANNEL_CLOSE message on a NetGroup connection.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/base/errors"
)

// Magic identifies a duct frame header.
const Magic uint32 = 0x43374101

// Kind distinguishes CHANNEL_DATA from CHANNEL_CLOSE frames.
type Kind uint8

const (
	// KindData carries element_count records in byte_length bytes of
	// payload that follows the header.
	KindData Kind = 1
	// KindClose marks the sender as done on this channel; no payload
	// follows.
	KindClose Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the encoded size, in bytes, of a FrameHeader.
const HeaderSize = 4 + 1 + 1 + 2 + 4 + 4 + 4

// MaxPayload is a hard ceiling on ByteLength, guarding against a
// corrupted or malicious header driving an unbounded allocation (spec
// §7 ProtocolError: "payload size exceeds a hard ceiling").
const MaxPayload = 1 << 30 // 1 GiB

// FrameHeader precedes every frame on a NetGroup connection, exactly per
// spec §6:
//
//	u32  magic         = 0x43_37_41_01
//	u8   kind          ; 1 = DATA, 2 = CLOSE
//	u8   reserved
//	u16  src_rank
//	u32  channel_id
//	u32  element_count ; number of records in payload (0 for CLOSE)
//	u32  byte_length   ; bytes of payload following
type FrameHeader struct {
	Kind         Kind
	SrcRank      uint16
	ChannelID    uint32
	ElementCount uint32
	ByteLength   uint32
}

// Encode writes h's wire representation to w.
func (h FrameHeader) Encode(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(h.Kind)
	buf[5] = 0 // reserved
	binary.LittleEndian.PutUint16(buf[6:8], h.SrcRank)
	binary.LittleEndian.PutUint32(buf[8:12], h.ChannelID)
	binary.LittleEndian.PutUint32(buf[12:16], h.ElementCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.ByteLength)
	_, err := w.Write(buf[:])
	if err != nil {
		return errors.E(errors.Net, err, "wire: write frame header")
	}
	return nil
}

// DecodeHeader reads and validates a FrameHeader from r.
func DecodeHeader(r io.Reader) (FrameHeader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, errors.E(errors.Net, err, "wire: read frame header")
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return FrameHeader{}, errors.E(errors.Invalid, "wire: bad magic in frame header")
	}
	kind := Kind(buf[4])
	if kind != KindData && kind != KindClose {
		return FrameHeader{}, errors.E(errors.Invalid, "wire: unknown frame kind")
	}
	h := FrameHeader{
		Kind:         kind,
		SrcRank:      binary.LittleEndian.Uint16(buf[6:8]),
		ChannelID:    binary.LittleEndian.Uint32(buf[8:12]),
		ElementCount: binary.LittleEndian.Uint32(buf[12:16]),
		ByteLength:   binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.ByteLength > MaxPayload {
		return FrameHeader{}, errors.E(errors.Invalid, "wire: payload exceeds maximum frame size")
	}
	if h.Kind == KindClose && h.ByteLength != 0 {
		return FrameHeader{}, errors.E(errors.Invalid, "wire: CLOSE frame carries a payload")
	}
	return h, nil
}

// PutUint32 appends v to w in little-endian form.
func PutUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// GetUint32 reads a little-endian uint32 from r.
func GetUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// PutString appends s to w as `u32 length || bytes`.
func PutString(w io.Writer, s string) error {
	if err := PutUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// GetString reads a string previously written by PutString.
func GetString(r io.Reader) (string, error) {
	n, err := GetUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
