//go:build linux

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
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Non-private futex ops. The word lives in shared memory, so the
// FUTEX_PRIVATE_FLAG variants would only match waiters in the same
// address space.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

// futexDoorbell signals through a 32-bit sequence word living in shared
// memory. Ring increments the word and wakes one waiter; Wait compares the
// word against the last value it consumed, so a ring that lands between the
// snapshot and the kernel wait is observed instead of lost.
//
// The word is shared between processes, so the non-private FUTEX_WAIT /
// FUTEX_WAKE ops are required; the _PRIVATE variants only match waiters in
// the same address space.
type futexDoorbell struct {
	word     *uint32
	lastSeen uint32 // local to the single waiter; not shared
	closed   atomic.Bool
}

func newFutexDoorbell(word *uint32) *futexDoorbell {
	return &futexDoorbell{word: word, lastSeen: atomic.LoadUint32(word)}
}

// newDoorbell returns the platform doorbell for a shared seq word. The name
// is unused on Linux: the word itself is the rendezvous.
func newDoorbell(word *uint32, name string, create bool) (Doorbell, error) {
	return newFutexDoorbell(word), nil
}

func (d *futexDoorbell) Ring() {
	atomic.AddUint32(d.word, 1)
	futexWake(d.word, 1)
}

func (d *futexDoorbell) Wait(timeout time.Duration) WaitResult {
	if d.closed.Load() {
		return WaitClosed
	}

	seq := atomic.LoadUint32(d.word)
	if seq != d.lastSeen {
		// Signal arrived before we got here; consume it.
		d.lastSeen = seq
		return WaitReady
	}

	err := futexWaitTimeout(d.word, seq, timeout)
	if d.closed.Load() {
		return WaitClosed
	}
	if cur := atomic.LoadUint32(d.word); cur != seq {
		d.lastSeen = cur
		return WaitReady
	}
	if err == unix.ETIMEDOUT {
		return WaitTimedOut
	}
	// Spurious wake: report ready and let the caller re-check its condition.
	return WaitReady
}

func (d *futexDoorbell) Close() error {
	d.closed.Store(true)
	// Wake our own waiter so it observes the closed flag.
	futexWake(d.word, 1)
	return nil
}

// futexWaitTimeout blocks until the value at addr differs from val, the
// timeout elapses, or a signal interrupts the wait. timeout <= 0 waits
// forever. The value is re-checked before entering the kernel to close the
// lost-wake window.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}

	var tsp *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(tsp)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		// EAGAIN: value changed before the kernel queued us.
		// EINTR: signal; caller re-checks.
		return nil
	case unix.ETIMEDOUT:
		return unix.ETIMEDOUT
	default:
		return errno
	}
}

// futexWake wakes up to n waiters queued on addr.
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0, 0, 0,
	)
}
