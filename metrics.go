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

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects transport counters. All fields are updated off the
// per-byte hot path (once per frame or per event, never per byte).
type Metrics struct {
	FramesSent     prometheus.Counter
	FramesReceived prometheus.Counter
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter
	WouldBlocks    prometheus.Counter
	CorruptFrames  prometheus.Counter
	Heartbeats     prometheus.Counter
	Reconnects     prometheus.Counter
	PeerGone       prometheus.Counter
}

// NewMetrics builds the metric set. Pass a nil registerer to keep the
// metrics unregistered (they still count; useful in tests). Counters
// already present in reg are reused, so connections dialed against the same
// registry share one set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmipc", Name: name, Help: help,
		})
		if reg == nil {
			return c
		}
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector.(prometheus.Counter)
			}
		}
		return c
	}
	return &Metrics{
		FramesSent:     counter("frames_sent_total", "Frames written to the outbound ring."),
		FramesReceived: counter("frames_received_total", "Frames read from the inbound ring."),
		BytesSent:      counter("bytes_sent_total", "Payload bytes written, before compression."),
		BytesReceived:  counter("bytes_received_total", "Payload bytes read, after decompression."),
		WouldBlocks:    counter("would_block_total", "Sends that found the outbound ring full."),
		CorruptFrames:  counter("corrupt_frames_total", "Frames rejected by magic/version/CRC validation."),
		Heartbeats:     counter("heartbeats_total", "Heartbeat frames sent."),
		Reconnects:     counter("reconnects_total", "Successful reconnection cycles."),
		PeerGone:       counter("peer_gone_total", "Connections declared dead by liveness or generation checks."),
	}
}
