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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
)

// Memory layout constants.
const (
	// Magic bytes identifying a shmipc segment.
	SegmentMagic = "LAPCSHM\x00"

	// Current segment layout version.
	SegmentVersion = uint32(1)

	// Segment header size (aligned to 128 bytes).
	SegmentHeaderSize = 128

	// Ring header size (aligned to 64 bytes).
	RingHeaderSize = 64

	// Minimum ring capacity (4 KiB).
	MinRingCapacity = 4096

	// Default ring capacity per direction (16 MiB).
	DefaultRingCapacity = 16 * 1024 * 1024

	// Maximum length of a segment name.
	MaxSegmentNameLen = 64
)

var segmentMagicBytes = [8]byte{'L', 'A', 'P', 'C', 'S', 'H', 'M', 0}

// Platform-specific hooks, set by the per-platform init.
var (
	unmapMemory        func([]byte) error
	closeSegmentHandle func(uintptr) error
)

// SegmentHeader is the fixed 128-byte header at offset 0 of every segment.
// Both processes agree on this layout before anything else; all mutable
// fields are single words accessed atomically.
type SegmentHeader struct {
	magic      [8]byte  // 0x00: "LAPCSHM\0"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved
	totalSize  uint64   // 0x10: total segment size in bytes
	generation uint64   // 0x18: incarnation counter, bumped on recreate
	c2sOff     uint64   // 0x20: offset of client->server ring header
	c2sCap     uint64   // 0x28: client->server ring capacity (power of 2)
	s2cOff     uint64   // 0x30: offset of server->client ring header
	s2cCap     uint64   // 0x38: server->client ring capacity (power of 2)
	creatorPID uint32   // 0x40: pid of the creating process
	openerPID  uint32   // 0x44: pid of the opening process
	creatorRdy uint32   // 0x48: creator finished initialization (0->1)
	openerRdy  uint32   // 0x4C: opener mapped and validated (0->1)
	closed     uint32   // 0x50: cooperative close flag
	pad        uint32   // 0x54
	reserved   [40]byte // 0x58-0x7F
}

func (h *SegmentHeader) Magic() [8]byte      { return h.magic }
func (h *SegmentHeader) setMagic(m [8]byte)  { h.magic = m }
func (h *SegmentHeader) Version() uint32     { return atomic.LoadUint32(&h.version) }
func (h *SegmentHeader) TotalSize() uint64   { return atomic.LoadUint64(&h.totalSize) }
func (h *SegmentHeader) C2SOffset() uint64   { return atomic.LoadUint64(&h.c2sOff) }
func (h *SegmentHeader) C2SCapacity() uint64 { return atomic.LoadUint64(&h.c2sCap) }
func (h *SegmentHeader) S2COffset() uint64   { return atomic.LoadUint64(&h.s2cOff) }
func (h *SegmentHeader) S2CCapacity() uint64 { return atomic.LoadUint64(&h.s2cCap) }

// Generation returns the segment incarnation counter. A peer that observes a
// generation different from the one it connected with is talking to a stale
// mapping and must treat the connection as gone.
func (h *SegmentHeader) Generation() uint64 { return atomic.LoadUint64(&h.generation) }

func (h *SegmentHeader) SetGeneration(g uint64) { atomic.StoreUint64(&h.generation, g) }

func (h *SegmentHeader) CreatorPID() uint32       { return atomic.LoadUint32(&h.creatorPID) }
func (h *SegmentHeader) SetCreatorPID(pid uint32) { atomic.StoreUint32(&h.creatorPID, pid) }
func (h *SegmentHeader) OpenerPID() uint32        { return atomic.LoadUint32(&h.openerPID) }
func (h *SegmentHeader) SetOpenerPID(pid uint32)  { atomic.StoreUint32(&h.openerPID, pid) }

func (h *SegmentHeader) CreatorReady() bool { return atomic.LoadUint32(&h.creatorRdy) != 0 }
func (h *SegmentHeader) SetCreatorReady()   { atomic.StoreUint32(&h.creatorRdy, 1) }
func (h *SegmentHeader) OpenerReady() bool  { return atomic.LoadUint32(&h.openerRdy) != 0 }
func (h *SegmentHeader) SetOpenerReady()    { atomic.StoreUint32(&h.openerRdy, 1) }

// Closed reports the cooperative close flag. Once set by either side the
// other must stop writing and drain what remains.
func (h *SegmentHeader) Closed() bool { return atomic.LoadUint32(&h.closed) != 0 }
func (h *SegmentHeader) SetClosed()   { atomic.StoreUint32(&h.closed, 1) }

// creatorReadyWord exposes the creator-ready flag for doorbell-style waits.
func (h *SegmentHeader) creatorReadyWord() *uint32 { return &h.creatorRdy }
func (h *SegmentHeader) openerReadyWord() *uint32  { return &h.openerRdy }

// RingHeader is the fixed 64-byte header in front of each ring's data area.
// widx and ridx are monotonically increasing logical byte offsets; the data
// area is addressed as idx & (capacity-1). The invariant
// 0 <= widx-ridx <= capacity holds at every observation point.
type RingHeader struct {
	capacity uint64   // 0x00: power-of-two capacity in bytes
	widx     uint64   // 0x08: monotonic write cursor (producer owned)
	ridx     uint64   // 0x10: monotonic read cursor (consumer owned)
	dataSeq  uint32   // 0x18: data-available doorbell word
	spaceSeq uint32   // 0x1C: space-available doorbell word
	closed   uint32   // 0x20: ring closed flag
	pad      uint32   // 0x24
	reserved [24]byte // 0x28-0x3F
	// data area starts at offset 0x40
}

func (r *RingHeader) Capacity() uint64     { return atomic.LoadUint64(&r.capacity) }
func (r *RingHeader) setCapacity(c uint64) { atomic.StoreUint64(&r.capacity, c) }

// WriteCursor acquire-loads the producer cursor so that the consumer's
// subsequent reads of the data area observe the producer's copies.
func (r *RingHeader) WriteCursor() uint64 { return atomic.LoadUint64(&r.widx) }

// AdvanceWriteCursor release-stores the producer cursor, publishing the
// bytes copied before the store.
func (r *RingHeader) AdvanceWriteCursor(idx uint64) { atomic.StoreUint64(&r.widx, idx) }

func (r *RingHeader) ReadCursor() uint64           { return atomic.LoadUint64(&r.ridx) }
func (r *RingHeader) AdvanceReadCursor(idx uint64) { atomic.StoreUint64(&r.ridx, idx) }

func (r *RingHeader) DataSeqWord() *uint32  { return &r.dataSeq }
func (r *RingHeader) SpaceSeqWord() *uint32 { return &r.spaceSeq }

func (r *RingHeader) Closed() bool { return atomic.LoadUint32(&r.closed) != 0 }
func (r *RingHeader) SetClosed()   { atomic.StoreUint32(&r.closed, 1) }

// Used returns widx-ridx; uint64 arithmetic handles cursor wraparound.
func (r *RingHeader) Used() uint64 {
	return atomic.LoadUint64(&r.widx) - atomic.LoadUint64(&r.ridx)
}

// Available returns the free space in bytes.
func (r *RingHeader) Available() uint64 {
	return r.Capacity() - r.Used()
}

// IsPowerOfTwo reports whether n is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two >= n.
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// CalculateSegmentLayout computes the total size and ring header offsets for
// the given per-direction capacities. Offsets are 64-byte aligned.
func CalculateSegmentLayout(c2sCap, s2cCap uint64) (totalSize, c2sOff, s2cOff uint64, err error) {
	for _, c := range [...]struct {
		name string
		cap  uint64
	}{{"client->server", c2sCap}, {"server->client", s2cCap}} {
		if !IsPowerOfTwo(c.cap) {
			return 0, 0, 0, fmt.Errorf("%s ring capacity %d is not a power of two", c.name, c.cap)
		}
		if c.cap < MinRingCapacity {
			return 0, 0, 0, fmt.Errorf("%s ring capacity %d is below minimum %d", c.name, c.cap, MinRingCapacity)
		}
	}

	c2sOff = alignTo64(SegmentHeaderSize)
	s2cOff = alignTo64(c2sOff + RingHeaderSize + c2sCap)
	totalSize = alignTo64(s2cOff + RingHeaderSize + s2cCap)
	return totalSize, c2sOff, s2cOff, nil
}

func alignTo64(n uint64) uint64 {
	return (n + 63) &^ 63
}

// ValidateSegmentHeader checks a freshly mapped header for consistency
// before any ring is touched. Every field an adversarial or stale peer
// controls is range-checked here.
func ValidateSegmentHeader(h *SegmentHeader) error {
	if h.Magic() != segmentMagicBytes {
		return fmt.Errorf("invalid segment magic")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported segment version %d, expected %d", h.Version(), SegmentVersion)
	}

	expectedTotal, expectedC2S, expectedS2C, err := CalculateSegmentLayout(h.C2SCapacity(), h.S2CCapacity())
	if err != nil {
		return fmt.Errorf("segment layout: %w", err)
	}
	if h.TotalSize() != expectedTotal {
		return fmt.Errorf("total size mismatch: got %d, expected %d", h.TotalSize(), expectedTotal)
	}
	if h.C2SOffset() != expectedC2S {
		return fmt.Errorf("client->server ring offset mismatch: got %d, expected %d", h.C2SOffset(), expectedC2S)
	}
	if h.S2COffset() != expectedS2C {
		return fmt.Errorf("server->client ring offset mismatch: got %d, expected %d", h.S2COffset(), expectedS2C)
	}
	return nil
}

// Segment is a mapped shared-memory segment holding one ring per direction.
type Segment struct {
	File   *os.File // backing file handle (nil on Windows)
	Mem    []byte   // the mapped region
	Path   string   // file path or object name
	handle uintptr  // mapping object handle (Windows only)
}

// Header returns the segment header view.
func (s *Segment) Header() *SegmentHeader {
	return (*SegmentHeader)(unsafe.Pointer(&s.Mem[0]))
}

// C2SRing returns the header of the client->server ring.
func (s *Segment) C2SRing() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&s.Mem[s.Header().C2SOffset()]))
}

// S2CRing returns the header of the server->client ring.
func (s *Segment) S2CRing() *RingHeader {
	return (*RingHeader)(unsafe.Pointer(&s.Mem[s.Header().S2COffset()]))
}

// ringData returns the data area byte slice for the ring at the given header
// offset. The slice aliases the shared mapping; only the ring's cursor
// discipline makes access to it safe.
func (s *Segment) ringData(ringOff, capacity uint64) []byte {
	start := ringOff + RingHeaderSize
	return s.Mem[start : start+capacity]
}

// initHeader fills in a freshly created segment. Called by the creator only,
// before CreatorReady is set.
func (s *Segment) initHeader(totalSize, c2sOff, c2sCap, s2cOff, s2cCap, generation uint64) {
	h := s.Header()
	h.setMagic(segmentMagicBytes)
	atomic.StoreUint32(&h.version, SegmentVersion)
	atomic.StoreUint64(&h.totalSize, totalSize)
	atomic.StoreUint64(&h.generation, generation)
	atomic.StoreUint64(&h.c2sOff, c2sOff)
	atomic.StoreUint64(&h.c2sCap, c2sCap)
	atomic.StoreUint64(&h.s2cOff, s2cOff)
	atomic.StoreUint64(&h.s2cCap, s2cCap)
	h.SetCreatorPID(uint32(os.Getpid()))

	s.C2SRing().setCapacity(c2sCap)
	s.S2CRing().setCapacity(s2cCap)

	// Publish: peers validate the header only after this flag flips.
	h.SetCreatorReady()
}

// Close unmaps the region and closes the backing file. It does not unlink
// the segment; see Unlink.
func (s *Segment) Close() error {
	var err error
	if s.Mem != nil {
		if unmapMemory != nil {
			err = multierr.Append(err, unmapMemory(s.Mem))
		}
		s.Mem = nil
	}
	if s.File != nil {
		err = multierr.Append(err, s.File.Close())
		s.File = nil
	}
	if s.handle != 0 && closeSegmentHandle != nil {
		err = multierr.Append(err, closeSegmentHandle(s.handle))
		s.handle = 0
	}
	return err
}
