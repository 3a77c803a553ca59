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

// Message types carried in the frame header. The transport treats the value
// as an opaque tag on the hot path; payload-specific parsing belongs to the
// layer above. Types below 0x0020 are reserved for the transport itself.
const (
	// Transport-internal control messages.
	MsgHeartbeat    uint16 = 0x0005
	MsgHandshake    uint16 = 0x0010
	MsgHandshakeAck uint16 = 0x0011
	MsgDisconnect   uint16 = 0x0012

	// Application messages (assistant protocol).
	MsgCompletionRequest  uint16 = 0x0001
	MsgCompletionResponse uint16 = 0x0002
	MsgStreamChunk        uint16 = 0x0003
	MsgError              uint16 = 0x0004

	MsgAskRequest   uint16 = 0x0100
	MsgAskResponse  uint16 = 0x0101
	MsgEditRequest  uint16 = 0x0102
	MsgEditResponse uint16 = 0x0103
	MsgChatMessage  uint16 = 0x0104
	MsgToolCall     uint16 = 0x0105
	MsgToolResult   uint16 = 0x0106
)

// isControl reports whether a message type is consumed by the transport
// itself rather than surfaced to Recv callers.
func isControl(msgType uint16) bool {
	switch msgType {
	case MsgHeartbeat, MsgHandshake, MsgHandshakeAck, MsgDisconnect:
		return true
	}
	return false
}

// Message is one received application message.
type Message struct {
	Type    uint16
	ID      uint64 // per-direction sequence number, 1-based per generation
	Payload []byte
}
