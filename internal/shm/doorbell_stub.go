//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly && !windows

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
)

// pollDoorbell is the fallback for platforms without a native wakeup
// primitive: Wait polls the shared seq word with a short sleep. Correct but
// slow; every supported platform has a real implementation.
type pollDoorbell struct {
	word     *uint32
	lastSeen uint32
	closed   atomic.Bool
}

func newDoorbell(word *uint32, name string, create bool) (Doorbell, error) {
	return &pollDoorbell{word: word, lastSeen: atomic.LoadUint32(word)}, nil
}

func (d *pollDoorbell) Ring() {
	atomic.AddUint32(d.word, 1)
}

func (d *pollDoorbell) Wait(timeout time.Duration) WaitResult {
	const pollInterval = 100 * time.Microsecond

	deadline := time.Now().Add(timeout)
	for {
		if d.closed.Load() {
			return WaitClosed
		}
		if cur := atomic.LoadUint32(d.word); cur != d.lastSeen {
			d.lastSeen = cur
			return WaitReady
		}
		if timeout > 0 && time.Now().After(deadline) {
			return WaitTimedOut
		}
		time.Sleep(pollInterval)
	}
}

func (d *pollDoorbell) Close() error {
	d.closed.Store(true)
	return nil
}
