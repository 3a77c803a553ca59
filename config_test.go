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
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigRoundsCapacityToPowerOfTwo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 5000
	cfg.MaxMessageSize = 1024
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.RingCapacity != 8192 {
		t.Errorf("capacity = %d, want 8192", cfg.RingCapacity)
	}
}

func TestConfigRejectsOversizedMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 1 << 16
	cfg.MaxMessageSize = 1 << 20
	if err := cfg.Validate(); err == nil {
		t.Fatal("message larger than the ring accepted")
	}
}

func TestConfigRejectsUnknownBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backpressure = "drop"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backpressure policy accepted")
	}
}

func TestConfigRejectsTinyCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RingCapacity = 1024
	if err := cfg.Validate(); err == nil {
		t.Fatal("capacity below the minimum accepted")
	}
}

func TestConfigLivenessVsHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LivenessTimeout = time.Second
	cfg.HeartbeatInterval = 2 * time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("liveness timeout shorter than heartbeat interval accepted")
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv("SHMIPC_RING_CAPACITY", "32768")
	t.Setenv("SHMIPC_COMPRESS", "true")
	t.Setenv("SHMIPC_BACKPRESSURE", "error")
	t.Setenv("SHMIPC_MAX_MESSAGE_SIZE", "8192")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RingCapacity != 32768 {
		t.Errorf("ring capacity = %d, want 32768", cfg.RingCapacity)
	}
	if !cfg.Compress {
		t.Error("compress not picked up from the environment")
	}
	if cfg.Backpressure != BackpressureError {
		t.Errorf("backpressure = %q, want error", cfg.Backpressure)
	}
}
