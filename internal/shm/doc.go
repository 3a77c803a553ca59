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

// Package shm provides the shared-memory primitives behind the shmipc
// transport: named memory-mapped segments, single-producer/single-consumer
// frame rings, cross-process doorbells, and the binary frame codec.
//
// Two cooperating processes map the same named segment and exchange
// checksummed frames through a pair of lock-free byte rings, one per
// direction. A platform-specific doorbell lets a blocked reader sleep until
// the writer publishes data instead of spinning. The only cross-process
// mutable state is a handful of single-word atomics in the segment and ring
// headers, accessed with acquire/release ordering; no pointer or multi-word
// structure is ever shared mutably.
//
// Nothing in this package spawns goroutines or blocks except Doorbell.Wait.
package shm
