//go:build darwin || freebsd || netbsd || openbsd || dragonfly

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
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueDoorbell signals through a named FIFO watched by kqueue. Ring writes
// one byte (a full pipe already carries a pending signal, so EAGAIN is
// success); Wait blocks in kevent on EVFILT_READ with the given timeout and
// drains the pipe on wake. Both processes open the same FIFO O_RDWR so
// neither open blocks on the other.
type kqueueDoorbell struct {
	path   string
	fd     int // FIFO fd, O_RDWR|O_NONBLOCK
	kq     int
	owner  bool // created the FIFO; unlinks it on Close
	closed atomic.Bool
}

// newDoorbell returns the kqueue-backed doorbell for the given object name.
// The shared word is unused on BSD/macOS; the FIFO is the rendezvous.
func newDoorbell(word *uint32, name string, create bool) (Doorbell, error) {
	path := filepath.Join(os.TempDir(), "lapce_bell_"+name)
	if create {
		if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
			return nil, fmt.Errorf("doorbell: mkfifo %s: %w", path, err)
		}
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("doorbell: open %s: %w", path, err)
	}

	kq, err := unix.Kqueue()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("doorbell: kqueue: %w", err)
	}
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		unix.Close(kq)
		unix.Close(fd)
		return nil, fmt.Errorf("doorbell: kevent register: %w", err)
	}

	return &kqueueDoorbell{path: path, fd: fd, kq: kq, owner: create}, nil
}

func (d *kqueueDoorbell) Ring() {
	if d.closed.Load() {
		return
	}
	_, err := unix.Write(d.fd, []byte{1})
	// EAGAIN: the pipe is full, a signal is already pending.
	_ = err
}

func (d *kqueueDoorbell) Wait(timeout time.Duration) WaitResult {
	if d.closed.Load() {
		return WaitClosed
	}

	var tsp *unix.Timespec
	if timeout > 0 {
		ts := unix.NsecToTimespec(timeout.Nanoseconds())
		tsp = &ts
	}

	events := make([]unix.Kevent_t, 1)
	n, err := unix.Kevent(d.kq, nil, events, tsp)
	if d.closed.Load() {
		return WaitClosed
	}
	if err == unix.EINTR {
		return WaitReady // caller re-checks its condition
	}
	if err != nil || n == 0 {
		return WaitTimedOut
	}

	// Drain pending signal bytes; EV_CLEAR resets the filter.
	var buf [64]byte
	unix.Read(d.fd, buf[:])
	return WaitReady
}

func (d *kqueueDoorbell) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Poke the FIFO so a blocked Wait returns and sees the flag.
	unix.Write(d.fd, []byte{1})
	unix.Close(d.kq)
	unix.Close(d.fd)
	if d.owner {
		os.Remove(d.path)
	}
	return nil
}
