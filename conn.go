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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lapce-ai/shmipc/internal/shm"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateEstablished
	StateClosing
	StateClosed
	StateFaulted
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Conn is a duplex shared-memory connection: two SPSC rings (one per
// direction), each bundled with its doorbells. Within one direction,
// messages are delivered in send order with strictly increasing IDs; there
// is no ordering guarantee between the two directions.
//
// A Conn is driven entirely by the goroutines calling Send and Recv; it
// spawns nothing. Send and Recv are each serialized internally (the rings
// are single-producer/single-consumer) but may run concurrently with each
// other.
type Conn struct {
	cfg     *Config
	limiter *ResourceLimiter
	codec   *shm.Codec
	log     *zap.Logger
	metrics *Metrics

	seg        *shm.Segment
	segName    string
	server     bool // server side created the segment and unlinks it
	generation uint64

	in  *shm.Channel
	out *shm.Channel

	state    atomic.Int32
	faultErr atomic.Value // error; set once on Faulted

	sendMu sync.Mutex
	recvMu sync.Mutex

	nextMsgID  atomic.Uint64 // outbound; first Add yields 1
	lastRecvNs atomic.Int64
	lastSendNs atomic.Int64

	closeOnce sync.Once
}

// PeerInfo describes the remote side of an accepted connection.
type PeerInfo struct {
	PID         uint32
	Generation  uint64
	SegmentName string
}

// newConn wires a mapped segment into a live connection. The server side
// created the segment (and the doorbell kernel objects where the platform
// has them).
func newConn(seg *shm.Segment, segName string, server bool, cfg *Config, limiter *ResourceLimiter, log *zap.Logger, metrics *Metrics) (*Conn, error) {
	codec, err := shm.NewCodec(cfg.MaxMessageSize, cfg.Compress)
	if err != nil {
		return nil, err
	}

	in, out, err := shm.NewChannels(seg, segName, server, server, cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:        cfg,
		limiter:    limiter,
		codec:      codec,
		log:        log.With(zap.String("segment", segName), zap.Bool("server", server)),
		metrics:    metrics,
		seg:        seg,
		segName:    segName,
		server:     server,
		generation: seg.Header().Generation(),
		in:         in,
		out:        out,
	}
	c.state.Store(int32(StateConnecting))
	now := time.Now().UnixNano()
	c.lastRecvNs.Store(now)
	c.lastSendNs.Store(now)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// Generation returns the segment generation this connection was established
// against. Message IDs restart at 1 for every generation; de-duplication
// layers key on (generation, id).
func (c *Conn) Generation() uint64 { return c.generation }

// Send encodes and writes one message to the outbound ring, then rings the
// peer's data doorbell. On a full ring the configured backpressure policy
// applies: error surfaces ErrWouldBlock immediately, wait sleeps on the
// space doorbell up to SendTimeout.
func (c *Conn) Send(msgType uint16, payload []byte) error {
	if err := c.checkSendState(); err != nil {
		return err
	}
	if err := c.limiter.CheckMessageSize(len(payload)); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	frame, err := c.codec.Encode(msgType, c.nextMsgID.Add(1), payload)
	if err != nil {
		if errors.Is(err, shm.ErrFrameTooLarge) {
			return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(payload))
		}
		return err
	}

	deadline := time.Now().Add(c.cfg.SendTimeout)
	for {
		if err := c.checkSendState(); err != nil {
			return err
		}
		// Cooperative close: once either side sets the segment flag, the
		// other stops writing. The peer rings our space doorbell when it
		// closes, so a sleeping sender re-checks promptly.
		if c.seg.Header().Closed() {
			return ErrClosed
		}
		if c.seg.Header().Generation() != c.generation {
			return c.fault(ErrPeerGone)
		}
		wrote, err := c.out.Ring.TryWrite(frame)
		if err != nil {
			if errors.Is(err, shm.ErrRingClosed) {
				return ErrClosed
			}
			return err
		}
		if wrote {
			c.out.Data.Ring()
			c.lastSendNs.Store(time.Now().UnixNano())
			if c.metrics != nil {
				c.metrics.FramesSent.Inc()
				c.metrics.BytesSent.Add(float64(len(payload)))
			}
			return nil
		}

		// Ring full: backpressure, not an error.
		if c.metrics != nil {
			c.metrics.WouldBlocks.Inc()
		}
		if c.cfg.Backpressure == BackpressureError {
			return ErrWouldBlock
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWouldBlock
		}
		c.out.Space.Wait(remaining)
	}
}

// Recv returns the next application message, or (nil, nil) when the timeout
// elapses first. timeout <= 0 waits without a deadline. Control frames
// (heartbeats, handshakes) are consumed transparently.
func (c *Conn) Recv(timeout time.Duration) (*Message, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	msg, err := c.RecvContext(ctx)
	if err == context.DeadlineExceeded {
		return nil, nil
	}
	return msg, err
}

// RecvContext is Recv with caller-controlled cancellation: the context races
// the doorbell wait, and whichever fires first wins. A canceled wait leaves
// the ring untouched; no frame is partially consumed. Cancellation and
// deadline both surface as the context's error.
func (c *Conn) RecvContext(ctx context.Context) (*Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		msg, err := c.nextFrame(ctx)
		if err != nil {
			return nil, err
		}
		if isControl(msg.Type) {
			c.handleControl(msg)
			continue
		}
		return msg, nil
	}
}

// nextFrame reads one frame of any type, driving heartbeats and liveness
// while the ring is empty. Callers hold recvMu.
func (c *Conn) nextFrame(ctx context.Context) (*Message, error) {
	for {
		switch c.State() {
		case StateClosed:
			return nil, ErrClosed
		case StateFaulted:
			return nil, c.loadFault()
		case StateConnecting:
			return nil, fmt.Errorf("shmipc: recv before connection established")
		}

		frame, err := c.in.Ring.TryReadBorrowed()
		if err != nil {
			if errors.Is(err, shm.ErrRingCorrupt) {
				return nil, c.fault(fmt.Errorf("%w: %v", ErrCorrupt, err))
			}
			return nil, err
		}
		if frame != nil {
			fh, payload, derr := c.codec.Decode(frame)
			if derr != nil {
				// Any decode failure means the frame stream is
				// desynchronized; there is no safe resync.
				if c.metrics != nil {
					c.metrics.CorruptFrames.Inc()
				}
				return nil, c.fault(fmt.Errorf("%w: %v", ErrCorrupt, derr))
			}
			c.lastRecvNs.Store(time.Now().UnixNano())
			c.in.Space.Ring()
			if c.metrics != nil {
				c.metrics.FramesReceived.Inc()
				c.metrics.BytesReceived.Add(float64(len(payload)))
			}
			return &Message{Type: fh.MsgType, ID: fh.MsgID, Payload: payload}, nil
		}

		// Ring empty. Closed-and-drained means the conversation is over.
		if c.seg.Header().Closed() {
			c.state.Store(int32(StateClosed))
			return nil, ErrClosed
		}
		if c.peerDead() {
			return nil, c.fault(ErrPeerGone)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.maybeHeartbeat()

		// Bound the wait so heartbeat and liveness checks keep running,
		// and so a context deadline is honored.
		wait := c.cfg.HeartbeatInterval
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until < wait {
				wait = until
			}
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if res := c.in.Data.Wait(wait); res == shm.WaitClosed {
			if c.State() == StateClosed {
				return nil, ErrClosed
			}
		}
	}
}

// handleControl consumes a transport-internal frame.
func (c *Conn) handleControl(msg *Message) {
	switch msg.Type {
	case MsgHeartbeat:
		// lastRecv already updated; nothing else to do.
	case MsgDisconnect:
		// Peer is closing; it also set the segment closed flag. The next
		// empty read observes it and completes the transition.
		c.log.Debug("peer disconnecting")
	case MsgHandshake, MsgHandshakeAck:
		c.log.Debug("stray handshake frame", zap.Uint16("type", msg.Type))
	}
}

// maybeHeartbeat emits a heartbeat when the outbound direction has been
// silent for a full interval. Best effort: a full ring just skips a beat.
func (c *Conn) maybeHeartbeat() {
	now := time.Now().UnixNano()
	last := c.lastSendNs.Load()
	if time.Duration(now-last) < c.cfg.HeartbeatInterval {
		return
	}
	if !c.lastSendNs.CompareAndSwap(last, now) {
		return
	}
	frame, err := c.codec.Encode(MsgHeartbeat, c.nextMsgID.Add(1), nil)
	if err != nil {
		return
	}
	if wrote, _ := c.out.Ring.TryWrite(frame); wrote {
		c.out.Data.Ring()
		if c.metrics != nil {
			c.metrics.Heartbeats.Inc()
		}
	}
}

// peerDead checks generation and liveness. Generation mismatch means the
// segment was recreated behind our back; silence past the liveness timeout
// means the peer stopped (heartbeats cover idle connections).
func (c *Conn) peerDead() bool {
	if c.seg.Header().Generation() != c.generation {
		return true
	}
	idle := time.Duration(time.Now().UnixNano() - c.lastRecvNs.Load())
	return idle > c.cfg.LivenessTimeout
}

func (c *Conn) checkSendState() error {
	switch c.State() {
	case StateEstablished:
		return nil
	case StateFaulted:
		return c.loadFault()
	case StateConnecting:
		return fmt.Errorf("shmipc: send before connection established")
	default:
		return ErrClosed
	}
}

// fault transitions to Faulted (from Established or Closing) and records
// the cause. No further reads or writes are attempted; the only exit is a
// teardown plus a fresh connect cycle.
func (c *Conn) fault(err error) error {
	if c.state.CompareAndSwap(int32(StateEstablished), int32(StateFaulted)) ||
		c.state.CompareAndSwap(int32(StateClosing), int32(StateFaulted)) {
		c.faultErr.Store(err)
		if c.metrics != nil && errors.Is(err, ErrPeerGone) {
			c.metrics.PeerGone.Inc()
		}
		c.log.Warn("connection faulted", zap.Error(err))
	}
	return c.loadFault()
}

func (c *Conn) loadFault() error {
	if err, ok := c.faultErr.Load().(error); ok {
		return err
	}
	return ErrPeerGone
}

// Close performs the cooperative shutdown: set the shared closed flag, tell
// the peer, ring its doorbell one final time so it is not left waiting out a
// timeout, drain the inbound ring, release everything. Safe to call more
// than once and from any state.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		prev := ConnState(c.state.Swap(int32(StateClosing)))

		if prev == StateEstablished {
			// Best-effort disconnect notice; the closed flag is the
			// authoritative signal.
			if frame, err := c.codec.Encode(MsgDisconnect, c.nextMsgID.Add(1), nil); err == nil {
				c.out.Ring.TryWrite(frame)
			}
		}

		c.seg.Header().SetClosed()
		c.out.Ring.Close()
		c.out.Data.Ring()
		c.in.Space.Ring()

		if prev == StateEstablished {
			c.drainInbound()
		}

		c.state.Store(int32(StateClosed))
		c.in.Close()
		c.out.Close()
		c.seg.Close()
		if c.server {
			// The creator owns the name; remove it so the OS reclaims the
			// segment once the peer unmaps.
			if err := c.seg.Unlink(); err != nil {
				c.log.Warn("unlink segment", zap.Error(err))
			}
		}
		c.log.Debug("connection closed")
	})
	return nil
}

// drainInbound consumes whatever the peer had in flight when we closed, so
// its writer is not stuck on a full ring while trying to observe the closed
// flag. Bounded: a vanished peer cannot hold teardown hostage.
func (c *Conn) drainInbound() {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.in.Ring.TryRead()
		if err != nil || frame == nil {
			return
		}
		c.in.Space.Ring()
	}
}

// handshake payload: version byte plus the sender's generation snapshot.
func handshakePayload(generation uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(shm.FrameVersion)
	binary.LittleEndian.PutUint64(buf[1:], generation)
	return buf
}

// sendControl writes a control frame, waiting briefly on backpressure.
func (c *Conn) sendControl(msgType uint16, payload []byte, timeout time.Duration) error {
	frame, err := c.codec.Encode(msgType, c.nextMsgID.Add(1), payload)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		wrote, werr := c.out.Ring.TryWrite(frame)
		if werr != nil {
			return ErrClosed
		}
		if wrote {
			c.out.Data.Ring()
			c.lastSendNs.Store(time.Now().UnixNano())
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWouldBlock
		}
		c.out.Space.Wait(remaining)
	}
}

// waitControl blocks until a control frame of the wanted type arrives.
// Heartbeats are absorbed; any other unexpected type is a handshake
// protocol violation.
func (c *Conn) waitControl(want uint16, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, err := c.in.Ring.TryReadBorrowed()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if frame != nil {
			fh, payload, derr := c.codec.Decode(frame)
			if derr != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, derr)
			}
			c.lastRecvNs.Store(time.Now().UnixNano())
			c.in.Space.Ring()
			if fh.MsgType == MsgHeartbeat {
				continue
			}
			if fh.MsgType != want {
				return nil, fmt.Errorf("shmipc: unexpected handshake frame type %#04x, want %#04x", fh.MsgType, want)
			}
			return &Message{Type: fh.MsgType, ID: fh.MsgID, Payload: payload}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPeerGone
		}
		if c.seg.Header().Closed() {
			return nil, ErrClosed
		}
		c.in.Data.Wait(remaining)
	}
}

// establish completes the Connecting state. The client speaks first.
func (c *Conn) establish(timeout time.Duration) error {
	if c.server {
		msg, err := c.waitControl(MsgHandshake, timeout)
		if err != nil {
			return fmt.Errorf("shmipc: handshake: %w", err)
		}
		if len(msg.Payload) < 9 || msg.Payload[0] != byte(shm.FrameVersion) {
			return fmt.Errorf("%w: handshake version mismatch", ErrCorrupt)
		}
		if err := c.sendControl(MsgHandshakeAck, handshakePayload(c.generation), timeout); err != nil {
			return fmt.Errorf("shmipc: handshake ack: %w", err)
		}
	} else {
		if err := c.sendControl(MsgHandshake, handshakePayload(c.generation), timeout); err != nil {
			return fmt.Errorf("shmipc: handshake: %w", err)
		}
		msg, err := c.waitControl(MsgHandshakeAck, timeout)
		if err != nil {
			return fmt.Errorf("shmipc: handshake ack: %w", err)
		}
		if len(msg.Payload) < 9 || msg.Payload[0] != byte(shm.FrameVersion) {
			return fmt.Errorf("%w: handshake version mismatch", ErrCorrupt)
		}
		if gen := binary.LittleEndian.Uint64(msg.Payload[1:]); gen != c.generation {
			return fmt.Errorf("%w: generation mismatch during handshake", ErrPeerGone)
		}
	}

	c.state.Store(int32(StateEstablished))
	now := time.Now().UnixNano()
	c.lastRecvNs.Store(now)
	c.lastSendNs.Store(now)
	c.log.Debug("connection established", zap.Uint64("generation", c.generation))
	return nil
}
