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

package shmipc

import (
	"errors"
	"fmt"
)

// Transport error taxonomy. WouldBlock is recoverable backpressure; PeerGone
// is recoverable through reconnection; Corrupt, MessageTooLarge and segment
// errors always propagate. The transport never tries to heal a
// desynchronized ring by skipping bytes: any heuristic resynchronization
// risks silently splicing payload data.
var (
	// ErrWouldBlock: the outbound ring is full (or an explicitly
	// non-blocking read found nothing). Retry or back off.
	ErrWouldBlock = errors.New("shmipc: would block")

	// ErrCorrupt: magic, version, CRC or length validation failed. Fatal
	// to the connection; never retried in place.
	ErrCorrupt = errors.New("shmipc: corrupt frame")

	// ErrMessageTooLarge: payload exceeds the configured maximum. Rejected
	// before any copy.
	ErrMessageTooLarge = errors.New("shmipc: message too large")

	// ErrPeerGone: generation mismatch or liveness timeout. Triggers
	// reconnection when a ReconnectionManager is attached.
	ErrPeerGone = errors.New("shmipc: peer gone")

	// ErrClosed: the connection was closed, locally or by the peer.
	ErrClosed = errors.New("shmipc: connection closed")

	// ErrDisconnected: the reconnection attempt ceiling was exhausted.
	ErrDisconnected = errors.New("shmipc: disconnected")
)

// SegmentError wraps an OS-level shared-memory failure (create/map/unlink).
// These usually indicate a permissions or resource-exhaustion problem
// outside the transport's control and are never retried automatically.
type SegmentError struct {
	Op  string // "create", "open", "remove"
	Err error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("shmipc: segment %s: %v", e.Op, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }
