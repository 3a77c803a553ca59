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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func newTestCodec(t *testing.T, max uint32, compress bool) *Codec {
	t.Helper()
	c, err := NewCodec(max, compress)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

func TestCodecRoundTrip(t *testing.T) {
	c := newTestCodec(t, 1<<20, false)

	for _, n := range []int{0, 1, 7, 8, 64, 1023, 1024, 65536} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 31)
		}
		frame, err := c.Encode(0x0104, 42, payload)
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", n, err)
		}
		fh, got, err := c.Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%d bytes): %v", n, err)
		}
		if fh.MsgType != 0x0104 || fh.MsgID != 42 {
			t.Errorf("header = type %#x id %d, want type 0x0104 id 42", fh.MsgType, fh.MsgID)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload mismatch at %d bytes", n)
		}
	}
}

func TestCodecCompression(t *testing.T) {
	c := newTestCodec(t, 1<<20, true)

	// Highly compressible and above the threshold.
	payload := bytes.Repeat([]byte("abcdefgh"), 1024)
	frame, err := c.Encode(1, 1, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frame) >= FrameHeaderSize+len(payload) {
		t.Fatalf("frame not compressed: %d bytes for %d payload", len(frame), len(payload))
	}
	fh, got, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !fh.Compressed() {
		t.Error("compressed flag not set")
	}
	if !bytes.Equal(got, payload) {
		t.Error("round trip mismatch")
	}

	// Small payloads stay raw.
	small, err := c.Encode(1, 2, []byte("hi"))
	if err != nil {
		t.Fatalf("Encode small: %v", err)
	}
	if fh, _, _ := c.Decode(small); fh.Compressed() {
		t.Error("small payload should not be compressed")
	}
}

func TestCodecValidationOrder(t *testing.T) {
	c := newTestCodec(t, 1<<16, false)
	payload := []byte("the quick brown fox")
	frame, err := c.Encode(3, 7, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	corrupt := func(mutate func([]byte)) []byte {
		f := append([]byte(nil), frame...)
		mutate(f)
		return f
	}

	cases := []struct {
		name   string
		frame  []byte
		ourErr error
	}{
		{"bad magic", corrupt(func(f []byte) { f[0] = 'X' }), ErrBadMagic},
		{"bad version", corrupt(func(f []byte) { f[4] = 99 }), ErrBadVersion},
		{"length out of bounds", corrupt(func(f []byte) {
			binary.LittleEndian.PutUint32(f[8:12], 1<<30)
		}), ErrFrameTooLarge},
		{"truncated", frame[:FrameHeaderSize+3], ErrTruncated},
		{"payload bit flip", corrupt(func(f []byte) { f[FrameHeaderSize] ^= 0x01 }), ErrBadChecksum},
		{"crc bit flip", corrupt(func(f []byte) { f[20] ^= 0x80 }), ErrBadChecksum},
		{"short header", frame[:10], ErrTruncated},
	}
	for _, tc := range cases {
		if _, _, err := c.Decode(tc.frame); !errors.Is(err, tc.ourErr) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.ourErr)
		}
	}
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	c := newTestCodec(t, 1024, false)
	if _, err := c.Encode(1, 1, make([]byte, 1025)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("got %v, want ErrFrameTooLarge", err)
	}
	if _, err := c.Encode(1, 1, make([]byte, 1024)); err != nil {
		t.Fatalf("payload at exactly the limit should encode: %v", err)
	}
}

func TestDecodeBorrowedAliasesFrame(t *testing.T) {
	c := newTestCodec(t, 1<<16, false)
	frame, err := c.Encode(1, 1, []byte("aliased"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, payload, err := c.DecodeBorrowed(frame)
	if err != nil {
		t.Fatalf("DecodeBorrowed: %v", err)
	}
	frame[FrameHeaderSize] = 'X'
	if payload[0] != 'X' {
		t.Error("borrowed payload should alias the frame buffer")
	}

	src := frame2(t, c)
	_, owned, err := c.Decode(src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	src[FrameHeaderSize] = 'Y'
	if owned[0] == 'Y' {
		t.Error("owned payload must not alias the frame buffer")
	}
}

func frame2(t *testing.T, c *Codec) []byte {
	t.Helper()
	f, err := c.Encode(1, 2, []byte("owned"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return f
}

func TestFrameSpaceAlignment(t *testing.T) {
	cases := []struct {
		payload int
		want    uint64
	}{
		{0, 24},
		{1, 32},
		{8, 32},
		{9, 40},
		{40, 64},
	}
	for _, tc := range cases {
		if got := FrameSpace(tc.payload); got != tc.want {
			t.Errorf("FrameSpace(%d) = %d, want %d", tc.payload, got, tc.want)
		}
		if got := FrameSpace(tc.payload); got%frameAlign != 0 {
			t.Errorf("FrameSpace(%d) = %d not %d-byte aligned", tc.payload, got, frameAlign)
		}
	}
}
