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
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/lapce-ai/shmipc/internal/shm"
)

// Config is the transport configuration surface. All values have working
// defaults; SHMIPC_* environment variables override them.
type Config struct {
	// RingCapacity is the per-direction ring buffer capacity in bytes.
	// Rounded up to a power of two.
	RingCapacity uint64 `envconfig:"SHMIPC_RING_CAPACITY" default:"16777216"`

	// MaxMessageSize bounds a single payload.
	MaxMessageSize uint32 `envconfig:"SHMIPC_MAX_MESSAGE_SIZE" default:"10485760"`

	// MaxSegmentSize bounds the total size of a per-connection segment a
	// listener is willing to create.
	MaxSegmentSize uint64 `envconfig:"SHMIPC_MAX_SEGMENT_SIZE" default:"134217728"`

	// Compress enables zstd compression of large payloads.
	Compress bool `envconfig:"SHMIPC_COMPRESS" default:"false"`

	// Backpressure selects what Send does when the outbound ring is full.
	Backpressure BackpressurePolicy `envconfig:"SHMIPC_BACKPRESSURE" default:"wait"`

	// SendTimeout bounds a Send blocked on backpressure (wait policy only).
	SendTimeout time.Duration `envconfig:"SHMIPC_SEND_TIMEOUT" default:"5s"`

	// LivenessTimeout is how long a connection tolerates total silence
	// (no frames, no heartbeats) before declaring the peer gone.
	LivenessTimeout time.Duration `envconfig:"SHMIPC_LIVENESS_TIMEOUT" default:"10s"`

	// HeartbeatInterval is the target gap between heartbeats on an
	// otherwise idle connection.
	HeartbeatInterval time.Duration `envconfig:"SHMIPC_HEARTBEAT_INTERVAL" default:"1s"`

	// ConnectTimeout bounds the whole Connecting cycle.
	ConnectTimeout time.Duration `envconfig:"SHMIPC_CONNECT_TIMEOUT" default:"5s"`

	// Reconnection backoff parameters.
	ReconnectBaseDelay   time.Duration `envconfig:"SHMIPC_RECONNECT_BASE_DELAY" default:"100ms"`
	ReconnectMaxDelay    time.Duration `envconfig:"SHMIPC_RECONNECT_MAX_DELAY" default:"10s"`
	ReconnectMaxAttempts int           `envconfig:"SHMIPC_RECONNECT_MAX_ATTEMPTS" default:"8"`
}

// BackpressurePolicy selects the behavior of Send on a full ring.
type BackpressurePolicy string

const (
	// BackpressureWait sleeps on the space doorbell until room frees up or
	// SendTimeout elapses.
	BackpressureWait BackpressurePolicy = "wait"
	// BackpressureError surfaces ErrWouldBlock immediately.
	BackpressureError BackpressurePolicy = "error"
)

// Load reads configuration from the environment on top of the defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("shmipc: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		RingCapacity:         shm.DefaultRingCapacity,
		MaxMessageSize:       shm.DefaultMaxMessageSize,
		MaxSegmentSize:       128 * 1024 * 1024,
		Backpressure:         BackpressureWait,
		SendTimeout:          5 * time.Second,
		LivenessTimeout:      10 * time.Second,
		HeartbeatInterval:    time.Second,
		ConnectTimeout:       5 * time.Second,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    10 * time.Second,
		ReconnectMaxAttempts: 8,
	}
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	if c.RingCapacity < shm.MinRingCapacity {
		return fmt.Errorf("shmipc: ring capacity %d below minimum %d", c.RingCapacity, shm.MinRingCapacity)
	}
	c.RingCapacity = shm.NextPowerOfTwo(c.RingCapacity)

	if c.MaxMessageSize == 0 {
		return fmt.Errorf("shmipc: max message size must be positive")
	}
	// A frame must fit in the ring with room to spare for padding.
	if uint64(c.MaxMessageSize)+shm.FrameHeaderSize > c.RingCapacity {
		return fmt.Errorf("shmipc: max message size %d does not fit in ring capacity %d",
			c.MaxMessageSize, c.RingCapacity)
	}

	switch c.Backpressure {
	case BackpressureWait, BackpressureError:
	default:
		return fmt.Errorf("shmipc: unknown backpressure policy %q", c.Backpressure)
	}

	if c.HeartbeatInterval <= 0 || c.LivenessTimeout <= 0 {
		return fmt.Errorf("shmipc: heartbeat interval and liveness timeout must be positive")
	}
	if c.LivenessTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("shmipc: liveness timeout %v must exceed heartbeat interval %v",
			c.LivenessTimeout, c.HeartbeatInterval)
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("shmipc: invalid reconnect delays (base %v, max %v)",
			c.ReconnectBaseDelay, c.ReconnectMaxDelay)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("shmipc: reconnect max attempts must be >= 0")
	}
	return nil
}
