/*
 *
 * Copyright 2025 The lapce-ai Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// Frame header layout (24 bytes, little-endian):
//
//	uint32 magic    // 0x00: "LAPC"
//	uint8  version  // 0x04
//	uint8  flags    // 0x05: bit0 compressed, bit1 zero-copy eligible
//	uint16 msgType  // 0x06
//	uint32 length   // 0x08: payload byte count (compressed size if bit0 set)
//	uint64 msgID    // 0x0C: monotonically increasing per direction
//	uint32 crc32    // 0x14: CRC32 over the payload as written
const (
	FrameMagic      = uint32(0x4C415043) // "LAPC"
	FrameVersion    = uint8(1)
	FrameHeaderSize = 24

	// SkipMagic marks a skip-pad: the writer had too little contiguous room
	// before the physical end of the ring and jumped to the start. Readers
	// that see it discard everything up to the next wrap boundary.
	SkipMagic = uint32(0x4C415053) // "LAPS"

	// Frames are padded to 8-byte boundaries in the ring so that the
	// remaining space before the wrap is always large enough to hold a
	// skip marker.
	frameAlign = 8

	// FlagCompressed marks a zstd-compressed payload.
	FlagCompressed = uint8(0x01)
	// FlagZeroCopy marks a payload that may be borrowed straight out of
	// ring storage (set iff the payload is not compressed).
	FlagZeroCopy = uint8(0x02)

	// DefaultMaxMessageSize bounds a single payload (10 MiB).
	DefaultMaxMessageSize = 10 * 1024 * 1024

	// DefaultCompressionThreshold is the smallest payload worth compressing.
	DefaultCompressionThreshold = 1024
)

// Frame decode errors. All of them except ErrFrameTooLarge mean the ring is
// desynchronized and the connection cannot be salvaged.
var (
	ErrBadMagic      = errors.New("frame: bad magic")
	ErrBadVersion    = errors.New("frame: unsupported version")
	ErrBadChecksum   = errors.New("frame: checksum mismatch")
	ErrTruncated     = errors.New("frame: truncated")
	ErrFrameTooLarge = errors.New("frame: payload exceeds maximum message size")
)

// FrameHeader is the decoded 24-byte on-wire header.
type FrameHeader struct {
	Magic   uint32
	Version uint8
	Flags   uint8
	MsgType uint16
	Length  uint32
	MsgID   uint64
	CRC32   uint32
}

func (fh FrameHeader) Compressed() bool { return fh.Flags&FlagCompressed != 0 }

func encodeFrameHeader(dst []byte, fh FrameHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], fh.Magic)
	dst[4] = fh.Version
	dst[5] = fh.Flags
	binary.LittleEndian.PutUint16(dst[6:8], fh.MsgType)
	binary.LittleEndian.PutUint32(dst[8:12], fh.Length)
	binary.LittleEndian.PutUint64(dst[12:20], fh.MsgID)
	binary.LittleEndian.PutUint32(dst[20:24], fh.CRC32)
}

func decodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, ErrTruncated
	}
	return FrameHeader{
		Magic:   binary.LittleEndian.Uint32(b[0:4]),
		Version: b[4],
		Flags:   b[5],
		MsgType: binary.LittleEndian.Uint16(b[6:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		MsgID:   binary.LittleEndian.Uint64(b[12:20]),
		CRC32:   binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}

// alignFrame rounds a frame size up to the ring's frame alignment.
func alignFrame(n uint64) uint64 {
	return (n + frameAlign - 1) &^ (frameAlign - 1)
}

// FrameSpace returns the aligned number of ring bytes a payload of the given
// size occupies, excluding any wrap padding.
func FrameSpace(payloadLen int) uint64 {
	return alignFrame(FrameHeaderSize + uint64(payloadLen))
}

// Codec encodes and decodes frames. A Codec is stateless apart from its
// configuration and the shared zstd coders, and is safe for concurrent use.
type Codec struct {
	maxMessageSize uint32
	threshold      int
	enc            *zstd.Encoder // nil when compression is disabled
	dec            *zstd.Decoder
}

// NewCodec returns a Codec enforcing the given maximum payload size.
// When compress is true, payloads above the default threshold are
// zstd-compressed.
func NewCodec(maxMessageSize uint32, compress bool) (*Codec, error) {
	c := &Codec{
		maxMessageSize: maxMessageSize,
		threshold:      DefaultCompressionThreshold,
	}
	// The decoder is always present: the peer decides whether to compress.
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(maxMessageSize)))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	c.dec = dec
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("codec: zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

// MaxMessageSize returns the configured payload ceiling.
func (c *Codec) MaxMessageSize() uint32 { return c.maxMessageSize }

// Encode builds a complete frame (header + payload) for the given message.
// The payload is compressed when it is large enough and compression wins;
// Length always records the byte count as written to the ring.
func (c *Codec) Encode(msgType uint16, msgID uint64, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > uint64(c.maxMessageSize) {
		return nil, ErrFrameTooLarge
	}

	body := payload
	flags := FlagZeroCopy
	if c.enc != nil && len(payload) >= c.threshold {
		compressed := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			body = compressed
			flags = FlagCompressed
		}
	}

	out := make([]byte, FrameHeaderSize+len(body))
	encodeFrameHeader(out, FrameHeader{
		Magic:   FrameMagic,
		Version: FrameVersion,
		Flags:   flags,
		MsgType: msgType,
		Length:  uint32(len(body)),
		MsgID:   msgID,
		CRC32:   crc32.ChecksumIEEE(body),
	})
	copy(out[FrameHeaderSize:], body)
	return out, nil
}

// Decode validates and decodes one frame, returning the header and an owned
// copy of the payload (decompressed if needed). Validation order matters:
// magic rejects garbage before anything else, the length bound rejects
// attacker-controlled sizes before a payload slice is ever formed, and the
// CRC runs last.
func (c *Codec) Decode(frame []byte) (FrameHeader, []byte, error) {
	fh, body, err := c.validate(frame)
	if err != nil {
		return fh, nil, err
	}
	if fh.Compressed() {
		payload, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return fh, nil, fmt.Errorf("%w: zstd: %v", ErrBadChecksum, err)
		}
		return fh, payload, nil
	}
	return fh, append([]byte(nil), body...), nil
}

// DecodeBorrowed is the zero-copy variant of Decode: for uncompressed
// payloads the returned slice aliases the input and is valid only until the
// ring's read cursor advances past it. Compressed payloads are decompressed
// into a fresh buffer regardless.
func (c *Codec) DecodeBorrowed(frame []byte) (FrameHeader, []byte, error) {
	fh, body, err := c.validate(frame)
	if err != nil {
		return fh, nil, err
	}
	if fh.Compressed() {
		payload, err := c.dec.DecodeAll(body, nil)
		if err != nil {
			return fh, nil, fmt.Errorf("%w: zstd: %v", ErrBadChecksum, err)
		}
		return fh, payload, nil
	}
	return fh, body, nil
}

func (c *Codec) validate(frame []byte) (FrameHeader, []byte, error) {
	fh, err := decodeFrameHeader(frame)
	if err != nil {
		return fh, nil, err
	}
	if fh.Magic != FrameMagic {
		return fh, nil, ErrBadMagic
	}
	if fh.Version != FrameVersion {
		return fh, nil, ErrBadVersion
	}
	if fh.Length > c.maxMessageSize {
		return fh, nil, ErrFrameTooLarge
	}
	if uint64(len(frame)) < FrameHeaderSize+uint64(fh.Length) {
		return fh, nil, ErrTruncated
	}
	body := frame[FrameHeaderSize : FrameHeaderSize+fh.Length]
	if crc32.ChecksumIEEE(body) != fh.CRC32 {
		return fh, nil, ErrBadChecksum
	}
	return fh, body, nil
}
