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
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapce-ai/shmipc/internal/shm"
)

// segmentTokenLen is the length of the random per-connection suffix. 16 hex
// characters keep collisions negligible under one listener while leaving
// most of shm.MaxSegmentNameLen for the listener name itself.
const segmentTokenLen = 16

func segmentToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:segmentTokenLen/2])
}

// Listener owns a well-known bootstrap name and hands out per-connection
// segments. One listener serves many clients; each accepted connection gets
// its own segment, rings and doorbells, named after the bootstrap with a
// random suffix.
type Listener struct {
	name    string
	cfg     *Config
	limiter *ResourceLimiter
	log     *zap.Logger
	metrics *Metrics

	boot       *shm.Bootstrap
	generation atomic.Uint64
	closed     atomic.Bool
}

// Listen binds the well-known name and starts answering connect requests.
// Binding an already-bound name fails unless the previous owner is gone, in
// which case the stale bootstrap is reclaimed.
func Listen(name string, cfg *Config, opts ...Option) (*Listener, error) {
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
	// Accepted segments are "<name>-<token>"; the suffix must still fit.
	if len(name)+1+segmentTokenLen > shm.MaxSegmentNameLen {
		return nil, fmt.Errorf("shmipc: listener name %q too long for per-connection suffixes", name)
	}

	boot, err := shm.CreateBootstrap(name)
	if err != nil {
		return nil, &SegmentError{Op: "bind", Err: err}
	}

	l := &Listener{
		name:    name,
		cfg:     cfg,
		limiter: limiter,
		log:     o.log.Named("shmipc").With(zap.String("listener", name)),
		metrics: NewMetrics(o.reg),
		boot:    boot,
	}
	l.log.Info("listening",
		zap.Uint64("ring_capacity", cfg.RingCapacity),
		zap.Uint32("max_message_size", cfg.MaxMessageSize))
	return l, nil
}

// Name returns the bound bootstrap name.
func (l *Listener) Name() string { return l.name }

// Accept waits for the next connect request, provisions a fresh segment for
// it, and completes the handshake. timeout <= 0 waits without a deadline; an
// elapsed timeout returns (nil, nil).
func (l *Listener) Accept(timeout time.Duration) (*Conn, error) {
	for {
		if l.closed.Load() {
			return nil, ErrClosed
		}

		req, err := l.boot.NextRequest(timeout)
		if err != nil {
			if errors.Is(err, shm.ErrRingClosed) || l.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
		if req == nil {
			return nil, nil
		}

		conn, err := l.accept(req)
		if err != nil {
			l.log.Warn("accept failed",
				zap.Uint32("client_pid", req.ClientPID),
				zap.Error(err))
			// The slot is already answered; keep serving.
			continue
		}
		return conn, nil
	}
}

func (l *Listener) accept(req *shm.ConnectRequest) (*Conn, error) {
	c2sCap, s2cCap := req.C2SCap, req.S2CCap
	if c2sCap == 0 {
		c2sCap = l.cfg.RingCapacity
	}
	if s2cCap == 0 {
		s2cCap = l.cfg.RingCapacity
	}
	if err := l.limiter.CheckRingRequest(c2sCap, s2cCap); err != nil {
		l.boot.PublishError(req.Slot, req.Token, shm.ConnectErrTooLarge)
		return nil, err
	}

	segName := fmt.Sprintf("%s-%s", l.name, segmentToken())
	generation := l.generation.Add(1)

	seg, err := shm.CreateSegment(segName, c2sCap, s2cCap, generation)
	if err != nil {
		l.boot.PublishError(req.Slot, req.Token, shm.ConnectErrInternal)
		return nil, &SegmentError{Op: "create", Err: err}
	}
	conn, err := newConn(seg, segName, true, l.cfg, l.limiter, l.log, l.metrics)
	if err != nil {
		seg.Close()
		seg.Unlink()
		l.boot.PublishError(req.Slot, req.Token, shm.ConnectErrInternal)
		return nil, err
	}

	if err := l.boot.PublishResponse(req.Slot, req.Token, shm.ConnectResponse{
		SegmentName: segName,
		Generation:  generation,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.establish(l.cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	conn.log.Info("accepted connection",
		zap.Uint32("client_pid", req.ClientPID),
		zap.Uint64("c2s_capacity", c2sCap),
		zap.Uint64("s2c_capacity", s2cCap))
	return conn, nil
}

// Close unbinds the name. Established connections are unaffected; they
// close individually.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.boot.Close()
	l.log.Info("listener closed")
	return err
}
