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
	"os"

	"go.uber.org/zap"

	"github.com/lapce-ai/shmipc/internal/shm"
)

// Dial connects to the listener bound at name: publish a connect request on
// the bootstrap segment, wait for the listener to provision a dedicated
// segment, map it and complete the handshake. The whole exchange is bounded
// by cfg.ConnectTimeout.
func Dial(name string, cfg *Config, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	limiter := NewResourceLimiter(cfg)
	if err := limiter.CheckSegmentName(name); err != nil {
		return nil, err
	}
	log := o.log.Named("shmipc")

	boot, err := shm.OpenBootstrap(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no listener at %q", ErrDisconnected, name)
		}
		return nil, &SegmentError{Op: "connect", Err: err}
	}
	defer boot.Close()

	resp, err := boot.RequestConnect(cfg.RingCapacity, cfg.RingCapacity, cfg.ConnectTimeout)
	if err != nil {
		switch {
		case errors.Is(err, shm.ErrConnectTimeout), errors.Is(err, shm.ErrSlotsBusy):
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		default:
			return nil, err
		}
	}

	if err := limiter.CheckSegmentName(resp.SegmentName); err != nil {
		return nil, err
	}
	seg, err := shm.OpenSegment(resp.SegmentName)
	if err != nil {
		return nil, &SegmentError{Op: "open", Err: err}
	}
	if got := seg.Header().Generation(); got != resp.Generation {
		seg.Close()
		return nil, fmt.Errorf("%w: segment generation %d, expected %d", ErrPeerGone, got, resp.Generation)
	}
	seg.Header().SetOpenerPID(uint32(os.Getpid()))

	conn, err := newConn(seg, resp.SegmentName, false, cfg, limiter, log, NewMetrics(o.reg))
	if err != nil {
		seg.Close()
		return nil, err
	}
	if err := conn.establish(cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	conn.log.Info("connected", zap.Uint64("generation", resp.Generation))
	return conn, nil
}
