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
	"strings"
	"testing"
)

func testLimiter() *ResourceLimiter {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 1 << 16
	cfg.MaxSegmentSize = 1 << 24
	return NewResourceLimiter(cfg)
}

func TestCheckMessageSize(t *testing.T) {
	l := testLimiter()
	if err := l.CheckMessageSize(1 << 16); err != nil {
		t.Errorf("size at the limit rejected: %v", err)
	}
	if err := l.CheckMessageSize(1<<16 + 1); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized payload: got %v, want ErrMessageTooLarge", err)
	}
	if err := l.CheckMessageSize(0); err != nil {
		t.Errorf("empty payload rejected: %v", err)
	}
}

func TestCheckSegmentName(t *testing.T) {
	l := testLimiter()
	good := []string{"lapce-ai", "a", "conn-0123456789abcdef", "UPPER.case_name"}
	for _, name := range good {
		if err := l.CheckSegmentName(name); err != nil {
			t.Errorf("CheckSegmentName(%q) = %v", name, err)
		}
	}
	bad := []string{
		"",
		"has/slash",
		`has\backslash`,
		"has\x00nul",
		strings.Repeat("x", 65),
	}
	for _, name := range bad {
		if err := l.CheckSegmentName(name); err == nil {
			t.Errorf("CheckSegmentName(%q) accepted", name)
		}
	}
}

func TestCheckRingRequest(t *testing.T) {
	l := testLimiter()
	if err := l.CheckRingRequest(65536, 65536); err != nil {
		t.Errorf("reasonable request rejected: %v", err)
	}
	if err := l.CheckRingRequest(100, 65536); err == nil {
		t.Error("sub-minimum capacity accepted")
	}
	if err := l.CheckRingRequest(65537, 65536); err == nil {
		t.Error("non-power-of-two capacity accepted")
	}
	if err := l.CheckRingRequest(1<<23, 1<<23); err == nil {
		t.Error("request exceeding the segment ceiling accepted")
	}
}
