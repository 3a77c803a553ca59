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
	"fmt"

	"github.com/lapce-ai/shmipc/internal/shm"
)

// ResourceLimiter enforces the transport's resource ceilings: message size
// on the send path, segment size and name length at accept time. A zero
// value is unusable; build one from a Config.
type ResourceLimiter struct {
	maxMessageSize uint32
	maxSegmentSize uint64
	maxNameLen     int
}

// NewResourceLimiter builds a limiter from the configuration.
func NewResourceLimiter(cfg *Config) *ResourceLimiter {
	return &ResourceLimiter{
		maxMessageSize: cfg.MaxMessageSize,
		maxSegmentSize: cfg.MaxSegmentSize,
		maxNameLen:     shm.MaxSegmentNameLen,
	}
}

// MaxMessageSize returns the per-payload ceiling.
func (l *ResourceLimiter) MaxMessageSize() uint32 { return l.maxMessageSize }

// CheckMessageSize rejects an oversized payload before any copy happens.
func (l *ResourceLimiter) CheckMessageSize(n int) error {
	if uint64(n) > uint64(l.maxMessageSize) {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, l.maxMessageSize)
	}
	return nil
}

// CheckSegmentName rejects names an OS object path cannot safely carry.
func (l *ResourceLimiter) CheckSegmentName(name string) error {
	if name == "" {
		return fmt.Errorf("shmipc: empty segment name")
	}
	if len(name) > l.maxNameLen {
		return fmt.Errorf("shmipc: segment name %q exceeds %d bytes", name, l.maxNameLen)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '/' || c == '\\' || c == 0 {
			return fmt.Errorf("shmipc: segment name %q contains invalid character", name)
		}
	}
	return nil
}

// CheckRingRequest validates a client's requested per-direction ring
// capacities against the segment ceiling. Called by the listener before any
// segment is created.
func (l *ResourceLimiter) CheckRingRequest(c2sCap, s2cCap uint64) error {
	if c2sCap < shm.MinRingCapacity || s2cCap < shm.MinRingCapacity {
		return fmt.Errorf("shmipc: requested ring capacity below minimum %d", shm.MinRingCapacity)
	}
	if !shm.IsPowerOfTwo(c2sCap) || !shm.IsPowerOfTwo(s2cCap) {
		return fmt.Errorf("shmipc: requested ring capacity must be a power of two")
	}
	total, _, _, err := shm.CalculateSegmentLayout(c2sCap, s2cCap)
	if err != nil {
		return err
	}
	if total > l.maxSegmentSize {
		return fmt.Errorf("shmipc: requested segment size %d exceeds limit %d", total, l.maxSegmentSize)
	}
	return nil
}
