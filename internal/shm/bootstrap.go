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
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// The bootstrap segment is the well-known rendezvous for connection setup: a
// client claims one of a small fixed set of request slots, fills in a
// PendingConnectRequest, and rings the accept doorbell; the listener answers
// with the name and generation of a freshly created per-connection segment.
//
// Slot claiming is the one place with true cross-process contention. It is
// resolved with a single-word CAS plus a short spin-then-sleep retry, never
// a kernel lock: accept traffic is rare and low-volume next to steady-state
// frames.
const (
	BootstrapMagic   = "LAPCBT\x00\x00"
	BootstrapVersion = uint32(1)

	// BootstrapSlots is the number of concurrent connect requests the
	// rendezvous can hold.
	BootstrapSlots = 4

	bootstrapHeaderSize = 128
	connectSlotSize     = 128
	bootstrapSize       = bootstrapHeaderSize + BootstrapSlots*connectSlotSize
)

var bootstrapMagicBytes = [8]byte{'L', 'A', 'P', 'C', 'B', 'T', 0, 0}

// Connect slot states. Transitions: free -CAS-> claimed -> requested ->
// ready|failed -> free (client resets after consuming the response).
const (
	slotFree = uint32(iota)
	slotClaimed
	slotRequested
	slotReady
	slotFailed
)

// Connect error codes published in a failed slot.
const (
	ConnectErrNone = uint32(iota)
	ConnectErrTooLarge
	ConnectErrInternal
)

var (
	// ErrConnectRejected indicates the listener refused the requested ring
	// capacity.
	ErrConnectRejected = errors.New("bootstrap: connect request rejected")

	// ErrConnectTimeout indicates the listener did not answer in time.
	ErrConnectTimeout = errors.New("bootstrap: connect request timed out")

	// ErrSlotsBusy indicates every request slot stayed claimed for the
	// whole retry budget.
	ErrSlotsBusy = errors.New("bootstrap: all connect slots busy")

	// ErrRequestAbandoned indicates the client gave up on its request
	// before the listener could answer it.
	ErrRequestAbandoned = errors.New("bootstrap: connect request abandoned")
)

type bootstrapHeader struct {
	magic     [8]byte // 0x00
	version   uint32  // 0x08
	slotCount uint32  // 0x0C
	acceptSeq uint32  // 0x10: accept doorbell word (listener waits here)
	pad       uint32  // 0x14
	reserved  [104]byte
}

// connectSlot is the fixed-layout PendingConnectRequest record.
type connectSlot struct {
	state       uint32   // 0x00
	responseSeq uint32   // 0x04: reserved for a future response doorbell
	reqC2SCap   uint64   // 0x08: requested client->server ring capacity
	reqS2CCap   uint64   // 0x10: requested server->client ring capacity
	clientPID   uint32   // 0x18
	errCode     uint32   // 0x1C
	generation  uint64   // 0x20: segment generation, listener-filled
	nameLen     uint32   // 0x28
	name        [64]byte // 0x2C: per-connection segment name, listener-filled
	pad2        uint32   // 0x6C
	token       uint64   // 0x70: per-request token, client-stamped
	ackToken    uint64   // 0x78: token the listener answered, echoed back
}

func (s *connectSlot) State() uint32      { return atomic.LoadUint32(&s.state) }
func (s *connectSlot) setState(st uint32) { atomic.StoreUint32(&s.state, st) }
func (s *connectSlot) casState(from, to uint32) bool {
	return atomic.CompareAndSwapUint32(&s.state, from, to)
}

func (s *connectSlot) segmentName() string {
	n := atomic.LoadUint32(&s.nameLen)
	if n > uint32(len(s.name)) {
		n = uint32(len(s.name))
	}
	return string(s.name[:n])
}

// Bootstrap is a mapped bootstrap segment plus its accept doorbell.
type Bootstrap struct {
	name string
	m    *mapping

	// AcceptBell wakes the listener when a request lands.
	AcceptBell Doorbell

	owner bool
}

func (b *Bootstrap) header() *bootstrapHeader {
	return (*bootstrapHeader)(unsafe.Pointer(&b.m.mem[0]))
}

func (b *Bootstrap) slot(i int) *connectSlot {
	off := bootstrapHeaderSize + i*connectSlotSize
	return (*connectSlot)(unsafe.Pointer(&b.m.mem[off]))
}

// CreateBootstrap creates the bootstrap segment for a listener, or attaches
// to a leftover one (stale slots are reset).
func CreateBootstrap(name string) (*Bootstrap, error) {
	m, err := createOrAttachMapping(name+"_boot", bootstrapSize)
	if err != nil {
		return nil, err
	}

	b := &Bootstrap{name: name, m: m, owner: true}
	hdr := b.header()
	if m.created {
		hdr.magic = bootstrapMagicBytes
		atomic.StoreUint32(&hdr.version, BootstrapVersion)
		atomic.StoreUint32(&hdr.slotCount, BootstrapSlots)
	} else {
		if hdr.magic != bootstrapMagicBytes || atomic.LoadUint32(&hdr.version) != BootstrapVersion {
			m.close()
			return nil, fmt.Errorf("bootstrap segment %s: bad magic or version", name)
		}
		// A previous listener died; requests in stale slots will never be
		// answered, so clear them.
		for i := 0; i < BootstrapSlots; i++ {
			b.slot(i).setState(slotFree)
		}
	}

	bell, err := newDoorbell(&hdr.acceptSeq, name+"_"+bellAccept, true)
	if err != nil {
		m.close()
		return nil, err
	}
	b.AcceptBell = bell
	return b, nil
}

// OpenBootstrap attaches a client to an existing bootstrap segment.
func OpenBootstrap(name string) (*Bootstrap, error) {
	m, err := openExistingMapping(name+"_boot", bootstrapSize)
	if err != nil {
		return nil, err
	}
	b := &Bootstrap{name: name, m: m}
	hdr := b.header()
	if hdr.magic != bootstrapMagicBytes || atomic.LoadUint32(&hdr.version) != BootstrapVersion {
		m.close()
		return nil, fmt.Errorf("bootstrap segment %s: bad magic or version", name)
	}

	bell, err := newDoorbell(&hdr.acceptSeq, name+"_"+bellAccept, false)
	if err != nil {
		m.close()
		return nil, err
	}
	b.AcceptBell = bell
	return b, nil
}

// ConnectRequest is a client's published request as seen by the listener.
// Token identifies the request across slot reuse: answers are delivered
// only while the slot still carries it.
type ConnectRequest struct {
	Slot      int
	Token     uint64
	C2SCap    uint64
	S2CCap    uint64
	ClientPID uint32
}

// connectNonce feeds newConnectToken; tokens must differ across the
// requests of one process, the PID distinguishes processes.
var connectNonce atomic.Uint64

func newConnectToken() uint64 {
	t := uint64(os.Getpid())<<40 ^ uint64(time.Now().UnixNano())<<16 ^ connectNonce.Add(1)
	if t == 0 {
		t = 1
	}
	return t
}

// ConnectResponse is the listener's answer.
type ConnectResponse struct {
	SegmentName string
	Generation  uint64
}

// RequestConnect publishes a PendingConnectRequest and waits for the
// listener's response. Slot contention is resolved by spinning briefly over
// the CAS and then sleeping, bounded by the timeout.
func (b *Bootstrap) RequestConnect(c2sCap, s2cCap uint64, timeout time.Duration) (ConnectResponse, error) {
	deadline := time.Now().Add(timeout)

	idx := -1
	for spin := 0; ; spin++ {
		for i := 0; i < BootstrapSlots; i++ {
			if b.slot(i).casState(slotFree, slotClaimed) {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
		if time.Now().After(deadline) {
			return ConnectResponse{}, ErrSlotsBusy
		}
		if spin < 64 {
			runtime.Gosched()
		} else {
			time.Sleep(time.Millisecond)
		}
	}

	token := newConnectToken()
	s := b.slot(idx)
	atomic.StoreUint64(&s.reqC2SCap, c2sCap)
	atomic.StoreUint64(&s.reqS2CCap, s2cCap)
	atomic.StoreUint32(&s.clientPID, uint32(os.Getpid()))
	atomic.StoreUint32(&s.errCode, ConnectErrNone)
	atomic.StoreUint64(&s.token, token)
	atomic.StoreUint64(&s.ackToken, 0)
	s.setState(slotRequested)
	b.AcceptBell.Ring()

	for {
		st := s.State()
		if st == slotReady || st == slotFailed {
			if atomic.LoadUint64(&s.ackToken) != token {
				// A stale answer to an abandoned request landed in the
				// slot after we re-claimed it. Put our request back.
				s.setState(slotRequested)
				b.AcceptBell.Ring()
			} else if st == slotReady {
				resp := ConnectResponse{
					SegmentName: s.segmentName(),
					Generation:  atomic.LoadUint64(&s.generation),
				}
				s.setState(slotFree)
				return resp, nil
			} else {
				code := atomic.LoadUint32(&s.errCode)
				s.setState(slotFree)
				return ConnectResponse{}, fmt.Errorf("%w (code %d)", ErrConnectRejected, code)
			}
		}

		if time.Now().After(deadline) {
			// Abandon the request. The slot stays ours until this store;
			// the listener detects the abandonment by the token check.
			s.setState(slotFree)
			return ConnectResponse{}, ErrConnectTimeout
		}
		// Responses arrive within one accept cycle; a short sleep poll is
		// cheaper and more portable than a per-slot kernel object.
		time.Sleep(200 * time.Microsecond)
	}
}

// NextRequest blocks on the accept doorbell until a published request is
// found, the timeout elapses (returns nil), or the bootstrap is closed.
func (b *Bootstrap) NextRequest(timeout time.Duration) (*ConnectRequest, error) {
	deadline := time.Now().Add(timeout)
	for {
		for i := 0; i < BootstrapSlots; i++ {
			s := b.slot(i)
			if s.State() == slotRequested {
				return &ConnectRequest{
					Slot:      i,
					Token:     atomic.LoadUint64(&s.token),
					C2SCap:    atomic.LoadUint64(&s.reqC2SCap),
					S2CCap:    atomic.LoadUint64(&s.reqS2CCap),
					ClientPID: atomic.LoadUint32(&s.clientPID),
				}, nil
			}
		}

		remaining := time.Until(deadline)
		if timeout > 0 && remaining <= 0 {
			return nil, nil
		}
		if timeout <= 0 {
			remaining = 0 // wait without deadline
		}
		switch b.AcceptBell.Wait(remaining) {
		case WaitClosed:
			return nil, ErrRingClosed
		default:
			// Ready or timed out: rescan, the loop re-checks the deadline.
		}
	}
}

// PublishResponse answers the request identified by token in slot i with a
// per-connection segment name and generation. The client observes the slot
// state flip and verifies the echoed token before consuming. A slot that no
// longer carries the token belongs to a newer request and is left alone;
// the answer is dropped with ErrRequestAbandoned.
func (b *Bootstrap) PublishResponse(i int, token uint64, resp ConnectResponse) error {
	if len(resp.SegmentName) > MaxSegmentNameLen {
		return fmt.Errorf("segment name %q longer than %d", resp.SegmentName, MaxSegmentNameLen)
	}
	s := b.slot(i)
	if atomic.LoadUint64(&s.token) != token {
		return ErrRequestAbandoned
	}
	copy(s.name[:], resp.SegmentName)
	atomic.StoreUint32(&s.nameLen, uint32(len(resp.SegmentName)))
	atomic.StoreUint64(&s.generation, resp.Generation)
	atomic.StoreUint64(&s.ackToken, token)
	if !s.casState(slotRequested, slotReady) {
		return ErrRequestAbandoned
	}
	return nil
}

// PublishError rejects the request identified by token in slot i. Same
// delivery rules as PublishResponse.
func (b *Bootstrap) PublishError(i int, token uint64, code uint32) error {
	s := b.slot(i)
	if atomic.LoadUint64(&s.token) != token {
		return ErrRequestAbandoned
	}
	atomic.StoreUint32(&s.errCode, code)
	atomic.StoreUint64(&s.ackToken, token)
	if !s.casState(slotRequested, slotFailed) {
		return ErrRequestAbandoned
	}
	return nil
}

// Close detaches from the bootstrap segment. The owning listener also
// unlinks it so a later bind starts clean.
func (b *Bootstrap) Close() error {
	if b.AcceptBell != nil {
		b.AcceptBell.Close()
	}
	err := b.m.close()
	if b.owner {
		if uerr := b.m.unlink(); err == nil {
			err = uerr
		}
	}
	return err
}
