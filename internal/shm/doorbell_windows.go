//go:build windows

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
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// eventDoorbell signals through a named auto-reset kernel event. SetEvent on
// an auto-reset event stays signaled until exactly one wait consumes it,
// which is precisely the pending-signal contract Ring requires.
type eventDoorbell struct {
	handle windows.Handle
	closed atomic.Bool
}

// newDoorbell creates or opens the named event. The shared word is unused on
// Windows; the event object is the rendezvous.
func newDoorbell(word *uint32, name string, create bool) (Doorbell, error) {
	objName, err := windows.UTF16PtrFromString(`Local\lapce_bell_` + name)
	if err != nil {
		return nil, err
	}

	var h windows.Handle
	if create {
		// bManualReset=false: auto-reset.
		h, err = windows.CreateEvent(nil, 0, 0, objName)
	} else {
		h, err = windows.OpenEvent(windows.EVENT_ALL_ACCESS, false, objName)
	}
	if err != nil {
		return nil, fmt.Errorf("doorbell: event %s: %w", name, err)
	}
	return &eventDoorbell{handle: h}, nil
}

func (d *eventDoorbell) Ring() {
	if d.closed.Load() {
		return
	}
	windows.SetEvent(d.handle)
}

func (d *eventDoorbell) Wait(timeout time.Duration) WaitResult {
	if d.closed.Load() {
		return WaitClosed
	}

	ms := uint32(windows.INFINITE)
	if timeout > 0 {
		ms = uint32(timeout.Milliseconds())
		if ms == 0 {
			ms = 1
		}
	}

	status, err := windows.WaitForSingleObject(d.handle, ms)
	if d.closed.Load() {
		return WaitClosed
	}
	if err != nil {
		return WaitTimedOut
	}
	switch status {
	case windows.WAIT_OBJECT_0:
		return WaitReady
	default:
		return WaitTimedOut
	}
}

func (d *eventDoorbell) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Unblock any local waiter before the handle goes away.
	windows.SetEvent(d.handle)
	return windows.CloseHandle(d.handle)
}
