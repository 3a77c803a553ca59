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

// Package shmipc is a shared-memory IPC transport for same-machine
// client/server pairs. Each connection maps one shared segment holding two
// single-producer single-consumer ring buffers, one per direction; messages
// travel as checksummed binary frames and blocked peers sleep on
// cross-process doorbells instead of spinning.
//
// A server binds a well-known name and accepts connections:
//
//	lis, err := shmipc.Listen("lapce-ai", nil)
//	...
//	conn, err := lis.Accept(0)
//
// A client dials the same name, optionally through a Reconnector that
// retries with exponential backoff while the server is down:
//
//	conn, err := shmipc.Dial("lapce-ai", nil)
//
// Conn.Send and Conn.Recv move whole messages; within one direction they
// arrive in order with strictly increasing IDs. All validation failures on
// the receive path are fatal to the connection: recovery is teardown plus a
// fresh connect cycle, never in-place resynchronization.
package shmipc
