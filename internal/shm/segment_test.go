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
	"fmt"
	"testing"
	"time"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestSegmentCreateOpen(t *testing.T) {
	name := uniqueName("seg-create")
	seg, err := CreateSegment(name, 65536, 65536, 7)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	defer seg.Unlink()
	defer seg.Close()

	h := seg.Header()
	if h.Magic() != segmentMagicBytes {
		t.Fatal("bad magic after create")
	}
	if h.Generation() != 7 {
		t.Errorf("generation = %d, want 7", h.Generation())
	}
	if h.C2SCapacity() != 65536 || h.S2CCapacity() != 65536 {
		t.Errorf("capacities = %d/%d, want 65536/65536", h.C2SCapacity(), h.S2CCapacity())
	}

	peer, err := OpenSegment(name)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer peer.Close()

	if peer.Header().Generation() != 7 {
		t.Errorf("opener sees generation %d, want 7", peer.Header().Generation())
	}

	// Both mappings address the same memory.
	ring := NewRingForSegment(seg, true, 1024)
	peerRing := NewRingForSegment(peer, true, 1024)
	c := newTestCodec(t, 1024, false)
	if ok, err := ring.TryWrite(encodeTestFrame(t, c, 1, []byte("cross-mapping"))); !ok || err != nil {
		t.Fatalf("TryWrite: %v %v", ok, err)
	}
	frame, err := peerRing.TryRead()
	if err != nil || frame == nil {
		t.Fatalf("peer TryRead: %v %v", frame, err)
	}
	if _, got, _ := c.Decode(frame); !bytes.Equal(got, []byte("cross-mapping")) {
		t.Error("payload did not cross the mappings")
	}
}

func TestSegmentCapacityValidation(t *testing.T) {
	if _, err := CreateSegment(uniqueName("seg-badcap"), 65537, 65536, 1); err == nil {
		t.Fatal("non-power-of-two capacity accepted")
	}
	if _, err := CreateSegment(uniqueName("seg-zerocap"), 0, 65536, 1); err == nil {
		t.Fatal("zero capacity accepted")
	}
}

func TestOpenSegmentMissing(t *testing.T) {
	if _, err := OpenSegment(uniqueName("seg-missing")); err == nil {
		t.Fatal("opening a nonexistent segment should fail")
	}
}

func TestSegmentLayout(t *testing.T) {
	total, c2sOff, s2cOff, err := CalculateSegmentLayout(4096, 8192)
	if err != nil {
		t.Fatalf("CalculateSegmentLayout: %v", err)
	}
	if c2sOff%64 != 0 || s2cOff%64 != 0 {
		t.Errorf("ring offsets %d/%d not 64-byte aligned", c2sOff, s2cOff)
	}
	if c2sOff < SegmentHeaderSize {
		t.Errorf("c2s offset %d overlaps the segment header", c2sOff)
	}
	if s2cOff < c2sOff+RingHeaderSize+4096 {
		t.Errorf("s2c region overlaps c2s: offset %d", s2cOff)
	}
	if total < s2cOff+RingHeaderSize+8192 {
		t.Errorf("total %d too small for the s2c ring", total)
	}
}

func TestValidateSegmentHeader(t *testing.T) {
	name := uniqueName("seg-validate")
	seg, err := CreateSegment(name, 4096, 4096, 1)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	defer seg.Unlink()
	defer seg.Close()

	if err := ValidateSegmentHeader(seg.Header()); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}

	h := seg.Header()
	bad := *h
	bad.setMagic([8]byte{'B', 'O', 'G', 'U', 'S', 0, 0, 0})
	if err := ValidateSegmentHeader(&bad); err == nil {
		t.Error("bad magic accepted")
	}
}

func TestSegmentClosedFlag(t *testing.T) {
	name := uniqueName("seg-closed")
	seg, err := CreateSegment(name, 4096, 4096, 1)
	if err != nil {
		t.Fatalf("CreateSegment: %v", err)
	}
	defer seg.Unlink()
	defer seg.Close()

	peer, err := OpenSegment(name)
	if err != nil {
		t.Fatalf("OpenSegment: %v", err)
	}
	defer peer.Close()

	if peer.Header().Closed() {
		t.Fatal("fresh segment already closed")
	}
	seg.Header().SetClosed()
	if !peer.Header().Closed() {
		t.Fatal("closed flag did not propagate to the peer mapping")
	}
}
