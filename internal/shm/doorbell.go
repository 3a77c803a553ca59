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

import "time"

// WaitResult is the outcome of a Doorbell.Wait.
type WaitResult int

const (
	// WaitReady: the doorbell was rung (possibly before the wait started;
	// a pending signal is never lost).
	WaitReady WaitResult = iota
	// WaitTimedOut: the timeout elapsed with no ring. Liveness decisions
	// are layered above; the primitive only distinguishes signaled from
	// timed out.
	WaitTimedOut
	// WaitClosed: the doorbell was closed locally while waiting.
	WaitClosed
)

func (w WaitResult) String() string {
	switch w {
	case WaitReady:
		return "ready"
	case WaitTimedOut:
		return "timed out"
	case WaitClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Doorbell is the cross-process wakeup primitive paired with one ring
// direction. Ring unblocks at most one outstanding waiter, or leaves a
// pending signal so the next Wait returns immediately; this is what makes
// the non-atomic "write then ring" sequence race-free. Wait may also return
// spuriously, so callers always re-check the ring condition in a loop.
//
// The platform decides the mechanism (futex word, kqueue on a named FIFO,
// named kernel event); nothing above this interface is platform-aware.
type Doorbell interface {
	Ring()
	Wait(timeout time.Duration) WaitResult
	Close() error
}

// Doorbell object names derive from the segment name plus a direction tag so
// the two processes rendezvous on the same kernel object where the platform
// needs one (FIFOs, events). On Linux the shared seq word in the ring header
// is the rendezvous and the name is unused.
const (
	bellC2SData  = "c2s_data"
	bellC2SSpace = "c2s_space"
	bellS2CData  = "s2c_data"
	bellS2CSpace = "s2c_space"
	bellAccept   = "accept"
)
