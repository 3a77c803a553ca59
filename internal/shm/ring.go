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
)

var (
	// ErrRingClosed indicates the ring has been closed for writing.
	ErrRingClosed = errors.New("ring: closed")

	// ErrRingCorrupt indicates the ring's frame stream is desynchronized.
	// There is no safe byte-by-byte resynchronization; the connection must
	// be torn down.
	ErrRingCorrupt = errors.New("ring: desynchronized")
)

// Ring is a single-producer/single-consumer frame ring over a shared-memory
// data area. Exactly one writer and one reader per instance, by construction:
// each direction of a connection has its own ring.
//
// Frames are never split across the physical end of the data area. When the
// contiguous space before the end is too small, the writer stamps a skip
// marker there and wraps to offset 0; the reader recognizes the marker (or
// a tail too short to hold a header) and jumps over it. All frame writes
// advance the cursors by 8-byte-aligned amounts, so a non-empty tail is
// always at least 8 bytes and the 4-byte marker always fits.
//
// Operations never block; callers wanting to sleep pair the ring with a
// Doorbell.
type Ring struct {
	hdr      *RingHeader
	data     []byte
	capacity uint64
	mask     uint64

	// maxFrame bounds the total frame size accepted on read, so a corrupt
	// length field can never produce an over-read.
	maxFrame uint64

	// pending is the span (in bytes) of a frame handed out by
	// TryReadBorrowed whose cursor advance is deferred until the next read
	// call. Reader-side only; never shared.
	pending uint64
}

// NewRing builds the ring API over a ring header and its data area.
// The data slice must be exactly the header's capacity.
func NewRing(hdr *RingHeader, data []byte, maxMessageSize uint32) *Ring {
	capacity := hdr.Capacity()
	return &Ring{
		hdr:      hdr,
		data:     data,
		capacity: capacity,
		mask:     capacity - 1,
		maxFrame: alignFrame(FrameHeaderSize + uint64(maxMessageSize)),
	}
}

// NewRingForSegment builds a Ring over one direction of a segment.
func NewRingForSegment(seg *Segment, clientToServer bool, maxMessageSize uint32) *Ring {
	h := seg.Header()
	if clientToServer {
		return NewRing(seg.C2SRing(), seg.ringData(h.C2SOffset(), h.C2SCapacity()), maxMessageSize)
	}
	return NewRing(seg.S2CRing(), seg.ringData(h.S2COffset(), h.S2CCapacity()), maxMessageSize)
}

// Capacity returns the ring's byte capacity.
func (r *Ring) Capacity() uint64 { return r.capacity }

// Used returns the bytes currently in flight (writer ahead of reader).
func (r *Ring) Used() uint64 { return r.hdr.Used() }

// Closed reports whether the ring is closed for writing.
func (r *Ring) Closed() bool { return r.hdr.Closed() }

// Close marks the ring closed. The reader drains whatever remains.
func (r *Ring) Close() { r.hdr.SetClosed() }

// TryWrite copies one whole frame into the ring, or does nothing.
// Returns (false, nil) when there is not enough room: that is backpressure,
// not an error. The write is published with a release-ordered cursor store
// after the copy, so a reader that acquire-loads the cursor sees the bytes.
func (r *Ring) TryWrite(frame []byte) (bool, error) {
	if r.hdr.Closed() {
		return false, ErrRingClosed
	}
	need := alignFrame(uint64(len(frame)))
	if need > r.capacity {
		return false, ErrFrameTooLarge
	}

	w := r.hdr.WriteCursor()
	rd := r.hdr.ReadCursor()
	free := r.capacity - (w - rd)

	pos := w & r.mask
	remToEnd := r.capacity - pos
	if remToEnd < need {
		// Not enough contiguous room: stamp a skip marker, charge the whole
		// tail, and start the frame at offset 0. The pad is published on its
		// own as soon as the tail fits, so the reader can consume it and
		// free room for a frame that does not fit alongside it.
		if free < remToEnd {
			return false, nil
		}
		binary.LittleEndian.PutUint32(r.data[pos:], SkipMagic)
		w += remToEnd
		r.hdr.AdvanceWriteCursor(w)
		pos = 0
		free = r.capacity - (w - r.hdr.ReadCursor())
	}
	if free < need {
		return false, nil
	}

	copy(r.data[pos:pos+uint64(len(frame))], frame)
	r.hdr.AdvanceWriteCursor(w + need)
	return true, nil
}

// TryRead returns an owned copy of the next frame (header + payload), or
// (nil, nil) when the ring is empty. Skip-pads are consumed transparently.
// A frame whose length field points past the readable span or past the wrap
// boundary yields ErrRingCorrupt.
func (r *Ring) TryRead() ([]byte, error) {
	frame, span, err := r.peekFrame()
	if err != nil || frame == nil {
		return nil, err
	}
	out := append([]byte(nil), frame...)
	r.hdr.AdvanceReadCursor(r.hdr.ReadCursor() + span)
	return out, nil
}

// TryReadBorrowed returns a view of the next frame straight out of ring
// storage. The view is valid only until the next TryRead/TryReadBorrowed on
// this ring, which advances the read cursor past it; callers needing the
// bytes longer must copy.
func (r *Ring) TryReadBorrowed() ([]byte, error) {
	frame, span, err := r.peekFrame()
	if err != nil || frame == nil {
		return nil, err
	}
	r.pending = span
	return frame, nil
}

// peekFrame locates the next whole frame without consuming it. It first
// commits any deferred borrow, then skips pads until a frame header is in
// view. Returned span is the aligned byte count the frame occupies.
func (r *Ring) peekFrame() ([]byte, uint64, error) {
	if r.pending != 0 {
		r.hdr.AdvanceReadCursor(r.hdr.ReadCursor() + r.pending)
		r.pending = 0
	}

	for {
		rd := r.hdr.ReadCursor()
		w := r.hdr.WriteCursor()
		avail := w - rd
		if avail == 0 {
			return nil, 0, nil
		}
		if avail > r.capacity {
			return nil, 0, ErrRingCorrupt
		}

		pos := rd & r.mask
		remToEnd := r.capacity - pos

		// A tail too short for a header, or one stamped with the skip
		// marker, is wrap padding.
		if remToEnd < FrameHeaderSize || binary.LittleEndian.Uint32(r.data[pos:]) == SkipMagic {
			if avail < remToEnd {
				return nil, 0, ErrRingCorrupt
			}
			r.hdr.AdvanceReadCursor(rd + remToEnd)
			continue
		}

		length := binary.LittleEndian.Uint32(r.data[pos+8 : pos+12])
		span := alignFrame(FrameHeaderSize + uint64(length))
		if span > r.maxFrame || span > remToEnd || span > avail {
			return nil, 0, ErrRingCorrupt
		}
		return r.data[pos : pos+FrameHeaderSize+uint64(length)], span, nil
	}
}

// Drained reports whether the reader has consumed everything the writer
// published. Used by the closing side to decide when teardown is complete.
func (r *Ring) Drained() bool {
	return r.hdr.Used() == 0 && r.pending == 0
}
